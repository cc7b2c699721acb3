package knowledge

import "regexp"

// PII redaction is one-way: redacted text is what gets persisted and
// the original is never recoverable from the store.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d{0,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

// Redact removes emails, phone numbers, and card-like digit runs.
func Redact(text string) string {
	text = emailPattern.ReplaceAllString(text, "[email]")
	text = cardPattern.ReplaceAllString(text, "[number]")
	text = phonePattern.ReplaceAllString(text, "[phone]")
	return text
}
