package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// emptyResultPayload is the tool-message payload when a tool returns
// nothing at all.
const emptyResultPayload = `{"error":"No result returned"}`

// injectionPatterns neutralizes instruction-shaped text that arrives
// inside untrusted tool output before it is fed back to the model.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) (instructions|messages|prompts)`),
	regexp.MustCompile(`(?i)disregard (all )?(previous|prior|above) (instructions|messages|prompts)`),
	regexp.MustCompile(`(?i)you are now [a-z0-9 _-]{1,64}`),
	regexp.MustCompile(`(?i)new system prompt`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
}

// base64Image matches inline image payloads that browser tools embed.
var base64Image = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)

// EncodeResult serializes a tool's structured result into the
// tool-message payload, applying the injection filter and, for
// browser tools, stripping embedded image data.
func EncodeResult(toolName string, payload any) string {
	if payload == nil {
		return emptyResultPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errPayload("unserializable tool result: " + err.Error())
	}
	s := string(raw)
	if s == "null" || s == `""` {
		return emptyResultPayload
	}
	if isBrowserTool(toolName) {
		s = base64Image.ReplaceAllString(s, "[image removed]")
	}
	return filterInjection(s)
}

func filterInjection(s string) string {
	for _, re := range injectionPatterns {
		s = re.ReplaceAllString(s, "[filtered]")
	}
	return s
}

func isBrowserTool(name string) bool {
	return strings.HasPrefix(name, "browser_") || name == "screenshot"
}
