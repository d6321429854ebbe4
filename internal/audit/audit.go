// Package audit keeps the append-only trail of completed requests and policy
// decisions, as JSONL under logs/ and as rows in the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/coordinator"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"

	maxOutputLength = 1000
)

// Sink receives audit rows for durable storage.
type Sink interface {
	InsertAuditRow(ctx context.Context, r persistence.AuditRow) error
}

type Options struct {
	Sink   Sink
	Now    func() time.Time
	Logger *slog.Logger
}

// Request is what LogRequest records about one request. Plan should be the
// policy-prepared plan, never the raw one.
type Request struct {
	RequestID string
	Subject   string
	Intent    string
	Input     string
	Plan      *plan.Plan
	Approval  *approval.Approval
	Results   coordinator.Results
	Err       error
}

// Decision is one allow or deny outcome.
type Decision struct {
	RequestID     string
	Decision      string
	Resource      string
	Reason        string
	PolicyVersion string
	Subject       string
}

type approvalEntry struct {
	Approved        bool   `json:"approved"`
	PolicyVersion   string `json:"policy_version"`
	PolicySignature string `json:"policy_signature,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type stepEntry struct {
	StepID     string `json:"step_id"`
	Tool       string `json:"tool"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type entry struct {
	Timestamp     string         `json:"timestamp"`
	Kind          string         `json:"kind"`
	RequestID     string         `json:"request_id,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Role          string         `json:"role,omitempty"`
	Intent        string         `json:"intent,omitempty"`
	Input         string         `json:"input,omitempty"`
	Plan          *plan.Plan     `json:"plan,omitempty"`
	Approval      *approvalEntry `json:"approval,omitempty"`
	Results       []stepEntry    `json:"results,omitempty"`
	Error         string         `json:"error,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	Resource      string         `json:"resource,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
}

// Logger writes audit entries. A zero homeDir keeps entries in the sink only.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	sink      Sink
	now       func() time.Time
	logger    *slog.Logger
	denyCount atomic.Int64
}

func New(homeDir string, opts Options) (*Logger, error) {
	l := &Logger{sink: opts.Sink, now: opts.Now, logger: opts.Logger}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "audit")
	if homeDir == "" {
		return l, nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount is the number of deny entries, decisions and denied requests
// alike, recorded by this logger.
func (l *Logger) DenyCount() int64 {
	return l.denyCount.Load()
}

// LogRequest records a finished request. Input, step outputs and the error
// are redacted before they are written anywhere.
func (l *Logger) LogRequest(ctx context.Context, r Request) error {
	e := entry{
		Kind:      "request",
		RequestID: r.RequestID,
		Subject:   shared.Redact(subjectOr(ctx, r.Subject)),
		Role:      shared.Role(ctx),
		Intent:    r.Intent,
		Input:     shared.SafeText(r.Input, shared.MaxIntentLength),
	}
	if r.Plan != nil {
		p := redactPlan(*r.Plan)
		e.Plan = &p
	}
	if r.Approval != nil {
		e.Approval = &approvalEntry{
			Approved:        r.Approval.Approved,
			PolicyVersion:   r.Approval.PolicyVersion,
			PolicySignature: r.Approval.PolicySignature,
			Reason:          shared.Redact(r.Approval.Reason),
		}
		e.PolicyVersion = r.Approval.PolicyVersion
	}
	e.Results = stepEntries(r.Results)

	decision := "completed"
	switch {
	case r.Err != nil:
		e.Error = shared.SafeText(r.Err.Error(), 500)
		decision = "failed"
		if shared.KindOf(r.Err) == shared.KindPolicy {
			decision = DecisionDeny
		}
	case len(r.Results.Failed()) > 0:
		decision = "partial"
	}

	detail, err := json.Marshal(struct {
		Intent  string      `json:"intent,omitempty"`
		Steps   int         `json:"steps"`
		Results []stepEntry `json:"results,omitempty"`
	}{Intent: e.Intent, Steps: len(e.Results), Results: e.Results})
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	return l.write(ctx, e, persistence.AuditRow{
		RequestID:     r.RequestID,
		Subject:       e.Subject,
		Action:        "request",
		Decision:      decision,
		Reason:        e.Error,
		PolicyVersion: e.PolicyVersion,
		Detail:        string(detail),
	})
}

// LogDecision records one allow or deny outcome for a resource.
func (l *Logger) LogDecision(ctx context.Context, d Decision) error {
	if d.Decision != DecisionAllow && d.Decision != DecisionDeny {
		return shared.ValidationError("audit.log_decision", "decision must be allow or deny, got %q", d.Decision)
	}
	if d.Decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	e := entry{
		Kind:          "decision",
		RequestID:     d.RequestID,
		Decision:      d.Decision,
		Resource:      d.Resource,
		Reason:        shared.Redact(d.Reason),
		PolicyVersion: d.PolicyVersion,
		Subject:       shared.Redact(subjectOr(ctx, d.Subject)),
		Role:          shared.Role(ctx),
	}
	return l.write(ctx, e, persistence.AuditRow{
		RequestID:     d.RequestID,
		Subject:       e.Subject,
		Action:        d.Resource,
		Decision:      d.Decision,
		Reason:        e.Reason,
		PolicyVersion: d.PolicyVersion,
	})
}

func (l *Logger) write(ctx context.Context, e entry, row persistence.AuditRow) error {
	e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if _, err := l.file.Write(append(b, '\n')); err != nil {
			return shared.RuntimeError("audit.write", fmt.Errorf("write audit entry: %w", err))
		}
	}
	if l.sink != nil {
		if err := l.sink.InsertAuditRow(ctx, row); err != nil {
			l.logger.Warn("audit row not stored", "request_id", row.RequestID, "error", err)
			return shared.RuntimeError("audit.store", err)
		}
	}
	return nil
}

// subjectOr falls back to the principal attached to ctx.
func subjectOr(ctx context.Context, subject string) string {
	if subject != "" {
		return subject
	}
	return shared.Subject(ctx)
}

func stepEntries(results coordinator.Results) []stepEntry {
	if len(results) == 0 {
		return nil
	}
	out := make([]stepEntry, 0, len(results))
	for _, r := range results {
		out = append(out, stepEntry{
			StepID:     r.StepID,
			Tool:       r.Tool,
			Action:     r.Action,
			Status:     r.Status,
			Output:     shared.SafeText(r.Output, maxOutputLength),
			Error:      r.Error,
			DurationMs: r.DurationMs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

// redactPlan returns a copy of p with every string argument redacted.
func redactPlan(p plan.Plan) plan.Plan {
	out := p.Clone()
	out.Goal = shared.SafeText(out.Goal, shared.MaxIntentLength)
	for i := range out.Steps {
		for k, v := range out.Steps[i].Args {
			out.Steps[i].Args[k] = redactValue(v)
		}
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return shared.Redact(t)
	case map[string]any:
		for k, inner := range t {
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = redactValue(inner)
		}
		return t
	}
	return v
}
