package executor

import (
	"regexp"
	"strings"
)

// secretPattern matches credential-looking fragments in error text.
var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|authorization|bearer)["']?\s*[=:]\s*\S+`)

const maxErrorLength = 500

// sanitizeError renders an error for persistence and client display:
// credential fragments are redacted, stack traces dropped, and the message
// truncated. Raw errors never reach the event log or the transport.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	// Drop anything after a goroutine dump.
	if i := strings.Index(msg, "goroutine "); i > 0 {
		msg = msg[:i]
	}
	msg = secretPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength] + "…"
	}
	return msg
}
