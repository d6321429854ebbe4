// Package safety finds secrets in capability output before it is kept in
// step results, audit entries or logs.
package safety

import (
	"regexp"

	"github.com/basket/gatekeep/internal/shared"
)

// Leak describes one secret found in a step's output.
type Leak struct {
	Pattern string
	// Sample is a short prefix of the match, safe to log.
	Sample string
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "api key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "google api key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "provider key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// maxMatchesPerPattern bounds the work done on large outputs.
const maxMatchesPerPattern = 3

// Scan reports secrets in output without modifying it.
func Scan(output string) []Leak {
	if output == "" {
		return nil
	}
	var leaks []Leak
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, maxMatchesPerPattern) {
			sample := match
			if len(sample) > 8 {
				sample = sample[:5] + "..."
			}
			leaks = append(leaks, Leak{Pattern: pat.desc, Sample: sample})
		}
	}
	return leaks
}

// Scrub replaces every detected secret with shared.RedactedPlaceholder and
// returns the cleaned text with the names of the patterns that matched.
func Scrub(output string) (string, []string) {
	if output == "" {
		return output, nil
	}
	var hit []string
	for _, pat := range leakPatterns {
		if !pat.re.MatchString(output) {
			continue
		}
		hit = append(hit, pat.desc)
		output = pat.re.ReplaceAllString(output, shared.RedactedPlaceholder)
	}
	return output, hit
}
