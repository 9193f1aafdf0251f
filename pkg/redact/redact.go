package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Argument keys whose values never reach a log line.
var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"credential":    {},
	"password":      {},
	"secret":        {},
	"token":         {},
}

// SetEnabled toggles redaction of logged text and tool arguments.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Args returns a copy of a tool argument map safe for logging: sensitive
// keys are masked and string values pass through Text. The input map is
// never modified.
func Args(in map[string]any) map[string]any {
	if !enabled.Load() || len(in) == 0 {
		return in
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = "[REDACTED]"
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = Text(tv)
		case map[string]any:
			out[k] = Args(tv)
		default:
			out[k] = v
		}
	}
	return out
}
