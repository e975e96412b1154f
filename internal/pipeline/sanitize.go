package pipeline

import "strings"

// maxLogFieldLen truncates free-text fields before they reach a log line or
// trace tag; sanitization applies only at log
// sites — the provider always receives the caller's original content.
const maxLogFieldLen = 1000

// sanitizeForLog strips control characters (CR/LF and the other C0
// controls except tab, which could otherwise forge extra log lines or
// terminal escape sequences) and truncates to maxLogFieldLen bytes,
// appending a "…(truncated)" marker. It must never be applied to
// the text sent upstream to a provider.
func sanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\r' || r == '\n' || (r < 0x20 && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxLogFieldLen {
		out = out[:maxLogFieldLen] + "…(truncated)"
	}
	return out
}
