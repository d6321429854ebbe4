package memory

import (
	"regexp"
	"strings"
)

const (
	PIIRiskLow    = "low"
	PIIRiskMedium = "medium"
	PIIRiskHigh   = "high"
)

// Candidate is a memory detected in free text. It is only a suggestion; the
// engine turns it into a pending proposal at most.
type Candidate struct {
	Text       string   `json:"text"`
	Scope      string   `json:"scope"`
	Kind       string   `json:"kind"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	PIIRisk    string   `json:"pii_risk"`
	Explicit   bool     `json:"explicit"`
}

var (
	explicitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bremember that\b`),
		regexp.MustCompile(`(?i)\bremember\b`),
		regexp.MustCompile(`(?i)\bsave this\b`),
		regexp.MustCompile(`(?i)\bsave that\b`),
	}
	explicitPhrases = []string{"remember that", "remember", "save this", "save that", "save"}

	sensitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\w+`),
		regexp.MustCompile(`(?i)token\s*[:=]\s*\w+`),
		regexp.MustCompile(`(?i)password\s*[:=]\s*.+`),
		regexp.MustCompile(`(?i)bank\s*login`),
		regexp.MustCompile(`(?i)account\s*number`),
	}

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d?[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	tagRe   = regexp.MustCompile(`#(\w+)`)

	importanceSignals = []string{"important", "remember", "preference", "decision", "todo", "deadline", "project"}
)

// ExtractCandidate looks for something worth remembering in text. It returns
// false for empty text, anything secret-looking, personal data the user did
// not explicitly ask to keep, and unremarkable chatter.
func ExtractCandidate(text string) (Candidate, bool) {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return Candidate{}, false
	}

	explicit := false
	for _, re := range explicitPatterns {
		if re.MatchString(normalized) {
			explicit = true
			break
		}
	}
	body := normalized
	if explicit {
		body = stripRequest(normalized)
	}
	if body == "" {
		return Candidate{}, false
	}

	for _, re := range sensitivePatterns {
		if re.MatchString(body) {
			return Candidate{}, false
		}
	}
	risk := piiRisk(body)
	if risk != PIIRiskLow && !explicit {
		return Candidate{}, false
	}
	if !explicit && !important(body) {
		return Candidate{}, false
	}

	c := Candidate{
		Text:       body,
		Scope:      "user",
		Kind:       inferKind(body),
		Tags:       []string{},
		Confidence: 0.6,
		PIIRisk:    risk,
		Explicit:   explicit,
	}
	if strings.Contains(strings.ToLower(body), "project") {
		c.Scope = "project"
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		c.Tags = append(c.Tags, m[1])
	}
	if explicit {
		c.Confidence = 0.85
	}
	return c, true
}

// MemoryType maps a candidate onto the gate's memory types.
func (c Candidate) MemoryType() string {
	switch {
	case c.Kind == "preference":
		return TypePreference
	case c.Scope == "project" || c.Kind == "context":
		return TypeProjectContext
	case c.PIIRisk != PIIRiskLow:
		return TypeIdentitySensitive
	default:
		return TypeWorkflowRule
	}
}

func stripRequest(text string) string {
	lowered := strings.ToLower(text)
	for _, phrase := range explicitPhrases {
		idx := strings.Index(lowered, phrase)
		if idx < 0 {
			continue
		}
		if rest := strings.Trim(text[idx+len(phrase):], " :,-"); rest != "" {
			return rest
		}
	}
	return strings.TrimSpace(text)
}

func piiRisk(text string) string {
	lowered := strings.ToLower(text)
	switch {
	case ssnRe.MatchString(text):
		return PIIRiskHigh
	case strings.Contains(lowered, "bank") || strings.Contains(lowered, "account"):
		return PIIRiskHigh
	case emailRe.MatchString(text) || phoneRe.MatchString(text):
		return PIIRiskMedium
	default:
		return PIIRiskLow
	}
}

func important(text string) bool {
	if len(text) <= 10 {
		return false
	}
	lowered := strings.ToLower(text)
	for _, s := range importanceSignals {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	return false
}

func inferKind(text string) string {
	lowered := strings.ToLower(text)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lowered, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("todo", "to-do", "need to"):
		return "todo"
	case has("prefer", "preference"):
		return "preference"
	case has("decide", "decision"):
		return "decision"
	case has("context"):
		return "context"
	default:
		return "fact"
	}
}
