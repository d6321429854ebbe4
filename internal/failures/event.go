// Package failures is the append-only ledger of unexpected failures. Records
// are never rewritten: an update appends a newer copy with the same event id
// and readers keep the latest one.
package failures

import (
	"slices"
	"strings"
	"time"

	"github.com/basket/gatekeep/internal/shared"
)

const SchemaVersion = "1.0"

// Bounds on free text kept in a record, in runes.
const (
	MaxTextLength = 2000
	MaxTags       = 16
	MaxTagLength  = 64
)

// TimeLayout is the ts format written to shard files.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

const (
	ComponentPolicy   = "policy"
	ComponentRouter   = "router"
	ComponentExecutor = "executor"
	ComponentTool     = "tool"
	ComponentParser   = "parser"
	ComponentMemory   = "memory"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	CategoryPolicyViolation = "policy_violation"
	CategoryToolError       = "tool_error"
	CategoryValidationError = "validation_error"
	CategoryRuntimeError    = "runtime_error"
	CategoryUnknown         = "unknown"

	StatusNew      = "new"
	StatusInReview = "in_review"
	StatusResolved = "resolved"
	StatusWontFix  = "wont_fix"
)

var (
	Components = []string{ComponentPolicy, ComponentRouter, ComponentExecutor, ComponentTool, ComponentParser, ComponentMemory}
	Severities = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	Categories = []string{CategoryPolicyViolation, CategoryToolError, CategoryValidationError, CategoryRuntimeError, CategoryUnknown}
	Statuses   = []string{StatusNew, StatusInReview, StatusResolved, StatusWontFix}
)

// ValidStatus reports whether s is a resolution status.
func ValidStatus(s string) bool { return slices.Contains(Statuses, s) }

type Action struct {
	Name         string `json:"name"`
	ArgsRedacted bool   `json:"args_redacted"`
}

type Failure struct {
	Code            string  `json:"code"`
	Message         string  `json:"message"`
	ExceptionType   *string `json:"exception_type"`
	StackHash       *string `json:"stack_hash"`
	DetailsRedacted bool    `json:"details_redacted"`
}

type Resolution struct {
	Status     string  `json:"status"`
	ResolvedTS *string `json:"resolved_ts"`
	Notes      *string `json:"notes"`
}

// Event is one ledger line.
type Event struct {
	SchemaVersion    string     `json:"schema_version"`
	EventID          string     `json:"event_id"`
	TS               string     `json:"ts"`
	Stage            string     `json:"stage"`
	Phase            string     `json:"phase"`
	Domain           string     `json:"domain"`
	Component        string     `json:"component"`
	Severity         string     `json:"severity"`
	Category         string     `json:"category"`
	RequestID        string     `json:"request_id"`
	UserIntent       string     `json:"user_intent"`
	Action           Action     `json:"action"`
	Failure          Failure    `json:"failure"`
	ExpectedBehavior string     `json:"expected_behavior"`
	RemediationHint  *string    `json:"remediation_hint"`
	Resolution       Resolution `json:"resolution"`
	Tags             []string   `json:"tags"`
}

// Time parses TS. The zero time is returned for an unparseable value.
func (e Event) Time() time.Time {
	t, err := ParseTime(e.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// normalize replaces out-of-enum values with their defaults and forces the
// redaction flags on.
func (e *Event) normalize() {
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersion
	}
	if !slices.Contains(Components, e.Component) {
		e.Component = ComponentExecutor
	}
	if !slices.Contains(Severities, e.Severity) {
		e.Severity = SeverityMedium
	}
	if !slices.Contains(Categories, e.Category) {
		e.Category = CategoryUnknown
	}
	if !ValidStatus(e.Resolution.Status) {
		e.Resolution.Status = StatusNew
	}
	if e.Domain == "" {
		e.Domain = "unknown"
	}
	e.Action.ArgsRedacted = true
	e.Failure.DetailsRedacted = true
	e.UserIntent = shared.Truncate(e.UserIntent, shared.MaxIntentLength)
	e.ExpectedBehavior = shared.Truncate(e.ExpectedBehavior, MaxTextLength)
	e.Failure.Message = shared.Truncate(e.Failure.Message, MaxTextLength)
	e.RemediationHint = truncatePtr(e.RemediationHint, MaxTextLength)
	e.Resolution.Notes = truncatePtr(e.Resolution.Notes, MaxTextLength)
	if len(e.Tags) > MaxTags {
		e.Tags = e.Tags[:MaxTags]
	}
	for i, tag := range e.Tags {
		e.Tags[i] = shared.Truncate(tag, MaxTagLength)
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
}

func truncatePtr(s *string, limit int) *string {
	if s == nil {
		return nil
	}
	v := shared.Truncate(*s, limit)
	return &v
}

func (e Event) clone() Event {
	out := e
	out.Tags = slices.Clone(e.Tags)
	out.Failure.ExceptionType = cloneStr(e.Failure.ExceptionType)
	out.Failure.StackHash = cloneStr(e.Failure.StackHash)
	out.RemediationHint = cloneStr(e.RemediationHint)
	out.Resolution.ResolvedTS = cloneStr(e.Resolution.ResolvedTS)
	out.Resolution.Notes = cloneStr(e.Resolution.Notes)
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Filter narrows ListFailures. Empty fields match everything.
type Filter struct {
	Domain   string
	Severity string
	Category string
	Status   string
}

func (f Filter) match(e Event) bool {
	return (f.Domain == "" || e.Domain == f.Domain) &&
		(f.Severity == "" || e.Severity == f.Severity) &&
		(f.Category == "" || e.Category == f.Category) &&
		(f.Status == "" || e.Resolution.Status == f.Status)
}
