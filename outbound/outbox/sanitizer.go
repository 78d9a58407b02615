package outbox

import (
	"regexp"
	"strings"
)

// last_error rows are operator-facing and long-lived, so delivery errors are
// redacted and bounded before storage (CWE-209).
const maxStoredErrorLength = 512

const storedErrorTruncatedSuffix = "... (truncated)"

const redactedPlaceholder = "[REDACTED]"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactionRules = []redactionRule{
	// userinfo credentials inside URLs
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedPlaceholder + `@`,
	},
	// bearer tokens echoed back by HTTP clients
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedPlaceholder,
	},
	// JWT-shaped blobs
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedPlaceholder,
	},
	// key=value secrets in error text
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret|signing[-_ ]?key)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedPlaceholder,
	},
	// secrets leaked through query strings
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pwd|token|api[_-]?key|access[_-]?token|secret)=)([^&\s]+)`),
		replacement: `$1` + redactedPlaceholder,
	},
}

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts credential-shaped substrings and bounds the
// message length for storage in last_error.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, rule := range redactionRules {
		redacted = rule.pattern.ReplaceAllString(redacted, rule.replacement)
	}

	return truncateStoredError(redacted, maxStoredErrorLength, storedErrorTruncatedSuffix)
}

func truncateStoredError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
