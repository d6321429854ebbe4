package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const RedactedPlaceholder = "[REDACTED]"

// MaxIntentLength bounds user-derived text written to logs and ledgers.
const MaxIntentLength = 200

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Key-like prefix followed by a value.
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*)"?([^\s"]+)"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`),
	// Provider keys (sk-...)
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`),
	// Gemini/Google API keys (AIza pattern)
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Long hex blobs: tokens, digests of credentials.
	regexp.MustCompile(`\b[A-Fa-f0-9]{32,}\b`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + RedactedPlaceholder
			}
			return RedactedPlaceholder
		})
	}
	return result
}

// SafeText flattens, redacts and truncates user-derived text so it can be
// stored or shown. limit <= 0 means MaxIntentLength.
func SafeText(input string, limit int) string {
	if limit <= 0 {
		limit = MaxIntentLength
	}
	flat := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(input)
	flat = strings.TrimSpace(Redact(flat))
	return Truncate(flat, limit)
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return RedactedPlaceholder
		}
	}
	return value
}
