package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnparseable is returned when schedule text matches no rule.
var ErrUnparseable = errors.New("unparseable schedule text")

// cronParser accepts standard 5-field expressions plus descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseResult is either a recurring cron expression or a one-shot
// time, never both.
type ParseResult struct {
	Cron   string
	OnceAt time.Time
}

// IsOnce reports whether the result is a one-shot.
func (r *ParseResult) IsOnce() bool { return r.Cron == "" }

var weekdays = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// scheduleRule maps one phrase pattern to a builder. Rules are tried
// in order; the first match wins.
type scheduleRule struct {
	pattern *regexp.Regexp
	build   func(m []string, now time.Time) (*ParseResult, error)
}

var scheduleRules = []scheduleRule{
	{
		pattern: regexp.MustCompile(`^every (\d+) minutes?$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 || n > 59 {
				return nil, fmt.Errorf("minute interval out of range: %s", m[1])
			}
			return &ParseResult{Cron: fmt.Sprintf("*/%d * * * *", n)}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^every hour$`),
		build: func([]string, time.Time) (*ParseResult, error) {
			return &ParseResult{Cron: "0 * * * *"}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^every morning at (\d{1,2})\s*(?:am)?$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			h, err := parseHour(m[1], 12)
			if err != nil {
				return nil, err
			}
			return &ParseResult{Cron: fmt.Sprintf("0 %d * * *", h)}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^every evening at (\d{1,2})\s*(?:pm)?$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			h, err := parseHour(m[1], 12)
			if err != nil {
				return nil, err
			}
			return &ParseResult{Cron: fmt.Sprintf("0 %d * * *", h%12+12)}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^every day at (\d{1,2}):(\d{2})$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			h, err := parseHour(m[1], 23)
			if err != nil {
				return nil, err
			}
			minute, err := strconv.Atoi(m[2])
			if err != nil || minute > 59 {
				return nil, fmt.Errorf("minute out of range: %s", m[2])
			}
			return &ParseResult{Cron: fmt.Sprintf("%d %d * * *", minute, h)}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^daily at (midnight|noon)$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			if m[1] == "noon" {
				return &ParseResult{Cron: "0 12 * * *"}, nil
			}
			return &ParseResult{Cron: "0 0 * * *"}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^every (sunday|monday|tuesday|wednesday|thursday|friday|saturday) at (\d{1,2})\s*(am|pm)?$`),
		build: func(m []string, _ time.Time) (*ParseResult, error) {
			h, err := parseHour(m[2], 12)
			if err != nil {
				return nil, err
			}
			if m[3] == "pm" && h < 12 {
				h += 12
			}
			return &ParseResult{Cron: fmt.Sprintf("0 %d * * %d", h, weekdays[m[1]])}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^in (\d+) (seconds?|minutes?|hours?|days?)$`),
		build: func(m []string, now time.Time) (*ParseResult, error) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("delay out of range: %s", m[1])
			}
			unit := strings.TrimSuffix(m[2], "s")
			var d time.Duration
			switch unit {
			case "second":
				d = time.Second
			case "minute":
				d = time.Minute
			case "hour":
				d = time.Hour
			case "day":
				d = 24 * time.Hour
			}
			return &ParseResult{OnceAt: now.Add(time.Duration(n) * d)}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`^at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`),
		build: func(m []string, now time.Time) (*ParseResult, error) {
			h, err := parseHour(m[1], 23)
			if err != nil {
				return nil, err
			}
			minute := 0
			if m[2] != "" {
				if minute, err = strconv.Atoi(m[2]); err != nil || minute > 59 {
					return nil, fmt.Errorf("minute out of range: %s", m[2])
				}
			}
			switch m[3] {
			case "pm":
				if h < 12 {
					h += 12
				}
			case "am":
				if h == 12 {
					h = 0
				}
			}
			at := time.Date(now.Year(), now.Month(), now.Day(), h, minute, 0, 0, now.Location())
			if !at.After(now) {
				at = at.Add(24 * time.Hour)
			}
			return &ParseResult{OnceAt: at}, nil
		},
	},
}

// ParseNatural maps a fixed phrase grammar onto cron expressions or
// one-shot times. Raw 5-field cron passes through. Anything else is
// ErrUnparseable.
func ParseNatural(text string, now time.Time) (*ParseResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Join(strings.Fields(normalized), " ")
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty input", ErrUnparseable)
	}

	for _, rule := range scheduleRules {
		if m := rule.pattern.FindStringSubmatch(normalized); m != nil {
			return rule.build(m, now)
		}
	}

	if _, err := cronParser.Parse(normalized); err == nil {
		return &ParseResult{Cron: normalized}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnparseable, text)
}

func parseHour(s string, max int) (int, error) {
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > max {
		return 0, fmt.Errorf("hour out of range: %s", s)
	}
	return h, nil
}
