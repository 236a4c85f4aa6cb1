package tracker

import (
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxErrorBodyLen = 1000

var (
	// Long opaque tokens that look like API keys or bearer tokens.
	tokenPattern = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|[A-Za-z0-9_-]{32,})\b`)

	// Lines that look like stack frames (goroutine dumps, file:line refs,
	// indented "at ..." frames).
	stackLinePattern = regexp.MustCompile(`(?m)^(goroutine \d+.*|\s+at .*|\s*\S+\.go:\d+.*|[\w./-]+\([\w., *]*\))$`)
)

// SanitizeError prepares an error message for posting to the tracker:
// absolute paths under the user's home are relativized, API-key-like tokens
// are redacted, stack trace lines are stripped, and the result is truncated.
func SanitizeError(msg string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		msg = strings.ReplaceAll(msg, home, "~")
	}

	msg = stackLinePattern.ReplaceAllString(msg, "")
	msg = tokenPattern.ReplaceAllString(msg, "[REDACTED]")

	// Collapse the blank runs left behind by stripped stack lines.
	for strings.Contains(msg, "\n\n\n") {
		msg = strings.ReplaceAll(msg, "\n\n\n", "\n\n")
	}
	msg = strings.TrimSpace(msg)

	if len(msg) > maxErrorBodyLen {
		cut := maxErrorBodyLen
		// Back off to a rune boundary so the truncation never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
