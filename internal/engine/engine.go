// Package engine wires the gate into one request pipeline: route, plan,
// prepare, approve, execute, audit. Unexpected failures are captured in the
// failure ledger instead of reaching the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/audit"
	"github.com/basket/gatekeep/internal/confidence"
	"github.com/basket/gatekeep/internal/coordinator"
	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/router"
	"github.com/basket/gatekeep/internal/shared"
)

// SafeFailureMessage is all a caller learns about an unexpected failure.
const SafeFailureMessage = "The request could not be completed safely."

// Request is one user request. Steps or Template make it an action request;
// otherwise the router decides what to run.
type Request struct {
	Input     string
	Domain    string
	Steps     []plan.PlanStep
	Template  string
	Risk      string
	// Subject and Role default to the principal attached to the context.
	Subject   string
	Role      string
	SessionID string
	// RedactionRequired asks the policy to scrub arguments of outbound steps.
	RedactionRequired bool
}

// Response describes what the pipeline did.
type Response struct {
	RequestID  string
	Intent     string
	Domain     string
	Confidence float64
	Plan       *plan.Plan
	Approval   *approval.Approval
	Results    coordinator.Results
	Output     string
	// ProposalID is set when the input was staged as a memory proposal.
	ProposalID string
	// FailureID is the ledger event recorded for an unexpected failure.
	FailureID string
}

// Approver issues approvals for prepared plans.
type Approver interface {
	IssueApproval(ctx context.Context, p plan.Plan, actx approval.Context) (approval.Approval, error)
}

// Runner executes approved plans.
type Runner interface {
	ExecuteStreaming(ctx context.Context, p plan.Plan, a approval.Approval, opts coordinator.StreamOptions) (coordinator.Results, error)
}

// Recorder persists failure events.
type Recorder interface {
	Append(ctx context.Context, ev failures.Event) (failures.Event, error)
}

// Auditor records completed requests and decisions.
type Auditor interface {
	LogRequest(ctx context.Context, r audit.Request) error
	LogDecision(ctx context.Context, d audit.Decision) error
}

// Stager turns memory candidates into proposals.
type Stager interface {
	Propose(ctx context.Context, in memory.ProposeInput) (string, error)
}

type Options struct {
	Router    *router.Router
	Policy    policy.Checker
	Approver  Approver
	Runner    Runner
	Ledger    Recorder
	Audit     Auditor
	Memory    Stager
	Templates map[string]plan.Plan
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
}

type Engine struct {
	router    *router.Router
	policy    policy.Checker
	approver  Approver
	runner    Runner
	ledger    Recorder
	audit     Auditor
	memory    Stager
	templates map[string]plan.Plan
	planner   plan.Planner
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Router == nil:
		return nil, fmt.Errorf("engine: router is required")
	case opts.Policy == nil:
		return nil, fmt.Errorf("engine: policy is required")
	case opts.Approver == nil:
		return nil, fmt.Errorf("engine: approver is required")
	case opts.Runner == nil:
		return nil, fmt.Errorf("engine: runner is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("engine: failure ledger is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("engine: audit logger is required")
	}
	e := &Engine{
		router:    opts.Router,
		policy:    opts.Policy,
		approver:  opts.Approver,
		runner:    opts.Runner,
		ledger:    opts.Ledger,
		audit:     opts.Audit,
		memory:    opts.Memory,
		templates: opts.Templates,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(opts.Tracer),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// RunRequest runs req to completion.
func (e *Engine) RunRequest(ctx context.Context, req Request) (Response, error) {
	return e.RunRequestStreaming(ctx, req, coordinator.StreamOptions{})
}

// RunRequestStreaming runs req, forwarding step output and stop predicates to
// the executor. Validation, policy, conflict and not-found errors come back
// as they are. Anything else, panics included, is written to the failure
// ledger and replaced by a runtime error carrying SafeFailureMessage.
func (e *Engine) RunRequestStreaming(ctx context.Context, req Request, stream coordinator.StreamOptions) (resp Response, err error) {
	requestID := shared.RequestID(ctx)
	if requestID == "-" {
		requestID = shared.NewRequestID()
		ctx = shared.WithRequestID(ctx, requestID)
	}
	if req.SessionID != "" {
		ctx = shared.WithSessionID(ctx, req.SessionID)
	}
	if req.Subject == "" {
		req.Subject = shared.Subject(ctx)
	}
	if req.Role == "" {
		req.Role = shared.Role(ctx)
	}
	ctx = shared.WithPrincipal(ctx, req.Subject, req.Role)
	start := time.Now()
	ctx, span := otel.StartServerSpan(ctx, e.tracer, "gate.request", otel.AttrRequestID.String(requestID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			resp.RequestID = requestID
			err = e.fail(ctx, req, &resp, shared.PanicError("engine.run_request", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(shared.KindOf(err)))
		}
		e.metrics.Observe(ctx, e.metrics.RequestDuration, time.Since(start).Seconds(),
			otel.AttrIntent.String(resp.Intent), attribute.Bool("error", err != nil))
	}()

	resp, err = e.run(ctx, req, stream)
	resp.RequestID = requestID
	if err == nil || shared.IsExpected(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resp, err
	}
	return resp, e.fail(ctx, req, &resp, err)
}

func (e *Engine) run(ctx context.Context, req Request, stream coordinator.StreamOptions) (Response, error) {
	hasSteps := len(req.Steps) > 0 || req.Template != ""
	route, err := e.router.Route(ctx, req.Input, req.Domain, hasSteps)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Intent: route.Intent, Domain: route.Domain, Confidence: route.Confidence}
	logger := e.logger.With("request_id", shared.RequestID(ctx), "intent", route.Intent)

	if e.memory != nil {
		id, err := e.stageMemory(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.ProposalID = id
	}

	if route.Intent == router.IntentMemory {
		if resp.ProposalID != "" {
			resp.Output = fmt.Sprintf("Memory proposal %s is waiting for review.", resp.ProposalID)
		} else {
			resp.Output = "Nothing was staged: the content was empty or looked sensitive."
		}
		return resp, e.audit.LogRequest(ctx, e.auditRecord(ctx, req, resp, nil))
	}

	p, err := e.buildPlan(req, route)
	if err != nil {
		if shared.KindOf(err) == shared.KindPolicy {
			e.recordDenial(ctx, req, resp, err)
		}
		return resp, err
	}
	prepared := e.policy.PreparePlanForPolicy(p)
	resp.Plan = &prepared

	appr, err := e.approver.IssueApproval(ctx, prepared, approval.Context{
		Subject:   req.Subject,
		Role:      req.Role,
		SessionID: req.SessionID,
		Intent:    route.Intent,
	})
	if err != nil {
		return resp, err
	}
	resp.Approval = &appr
	if !appr.Approved {
		denial := shared.PolicyError("engine.approve", "request denied by policy", appr.Reason)
		e.recordDenial(ctx, req, resp, denial)
		return resp, denial
	}
	if err := e.audit.LogDecision(ctx, audit.Decision{
		RequestID:     shared.RequestID(ctx),
		Decision:      audit.DecisionAllow,
		Resource:      route.Intent,
		Reason:        "plan approved",
		PolicyVersion: appr.PolicyVersion,
		Subject:       req.Subject,
	}); err != nil {
		return resp, err
	}

	results, execErr := e.runner.ExecuteStreaming(ctx, prepared, appr, stream)
	resp.Results = results
	resp.Output = joinOutputs(prepared, results)
	e.captureStepFailures(ctx, req, route, prepared, results)

	outcome := confidence.EventSuccess
	if execErr != nil || len(results.Failed()) > 0 {
		outcome = confidence.EventFailure
	}
	if _, err := e.router.Feedback(ctx, route.Domain, outcome, 1, map[string]any{"request_id": shared.RequestID(ctx)}); err != nil {
		logger.Warn("routing feedback not recorded", "error", err)
	}

	if err := e.audit.LogRequest(ctx, e.auditRecord(ctx, req, resp, execErr)); err != nil {
		return resp, err
	}
	logger.Info("request finished", "steps", len(prepared.Steps), "failed", len(results.Failed()), "error", execErr != nil)
	return resp, execErr
}

// Template returns a copy of the named plan template.
func (e *Engine) Template(name string) (plan.Plan, bool) {
	tpl, ok := e.templates[name]
	if !ok {
		return plan.Plan{}, false
	}
	return tpl.Clone(), true
}

// buildPlan picks the template, the caller's steps, or the router's plan.
func (e *Engine) buildPlan(req Request, route router.Route) (plan.Plan, error) {
	switch {
	case req.Template != "":
		tpl, ok := e.templates[req.Template]
		if !ok {
			return plan.Plan{}, shared.NotFoundError("engine.plan", "plan template %q not found", req.Template)
		}
		p := tpl.Clone()
		p.DataOutbound.RedactionRequired = p.DataOutbound.RedactionRequired || req.RedactionRequired
		return p, nil
	case len(req.Steps) > 0:
		return e.planner.BuildPlan(req.Input, route.Domain, req.Steps, plan.BuildOptions{
			Risk:     req.Risk,
			Outbound: plan.DataOutbound{RedactionRequired: req.RedactionRequired},
		})
	case route.Plan != nil:
		return route.Plan.Clone(), nil
	}
	return plan.Plan{}, shared.PolicyError("engine.plan", fmt.Sprintf("intent %q is not allowed", route.Intent))
}

// stageMemory proposes whatever ExtractCandidate finds in the input. The
// proposal still needs an explicit approval.
func (e *Engine) stageMemory(ctx context.Context, req Request) (string, error) {
	c, ok := memory.ExtractCandidate(req.Input)
	if !ok {
		return "", nil
	}
	var flags []string
	if c.PIIRisk != memory.PIIRiskLow {
		flags = append(flags, "pii_"+c.PIIRisk)
	}
	return e.memory.Propose(ctx, memory.ProposeInput{
		MemoryType:          c.MemoryType(),
		Content:             c.Text,
		Source:              memory.SourceManualReview,
		ExplicitUserRequest: c.Explicit,
		RiskFlags:           flags,
	})
}

func (e *Engine) recordDenial(ctx context.Context, req Request, resp Response, denial error) {
	version := e.policy.PolicyVersion()
	if resp.Approval != nil && resp.Approval.PolicyVersion != "" {
		version = resp.Approval.PolicyVersion
	}
	reason := strings.Join(shared.ReasonsOf(denial), "; ")
	if reason == "" {
		reason = denial.Error()
	}
	if err := e.audit.LogDecision(ctx, audit.Decision{
		RequestID:     shared.RequestID(ctx),
		Decision:      audit.DecisionDeny,
		Resource:      resp.Intent,
		Reason:        reason,
		PolicyVersion: version,
		Subject:       req.Subject,
	}); err != nil {
		e.logger.Warn("denial not audited", "request_id", shared.RequestID(ctx), "error", err)
	}
	if err := e.audit.LogRequest(ctx, e.auditRecord(ctx, req, resp, denial)); err != nil {
		e.logger.Warn("denied request not audited", "request_id", shared.RequestID(ctx), "error", err)
	}
}

func (e *Engine) auditRecord(ctx context.Context, req Request, resp Response, err error) audit.Request {
	return audit.Request{
		RequestID: shared.RequestID(ctx),
		Subject:   req.Subject,
		Intent:    resp.Intent,
		Input:     req.Input,
		Plan:      resp.Plan,
		Approval:  resp.Approval,
		Results:   resp.Results,
		Err:       err,
	}
}

// captureStepFailures records steps that failed for reasons other than
// validation or policy as tool errors.
func (e *Engine) captureStepFailures(ctx context.Context, req Request, route router.Route, p plan.Plan, results coordinator.Results) {
	for _, s := range p.Steps {
		r, ok := results[s.ID]
		if !ok || r.Status != coordinator.StatusError || r.ErrorKind != shared.KindRuntime {
			continue
		}
		cause := r.Err
		if cause == nil {
			cause = errors.New(r.Error)
		}
		ev := failures.Capture(cause, failures.CaptureInput{
			Stage:            "2",
			Phase:            "1",
			Domain:           domainOf(req, route),
			Component:        failures.ComponentTool,
			Severity:         failures.SeverityMedium,
			Category:         failures.CategoryToolError,
			RequestID:        shared.RequestID(ctx),
			UserIntent:       req.Input,
			ActionName:       s.Tool + "." + s.Action,
			Site:             s.Tool + "." + s.Action,
			Code:             "step_failed",
			ExpectedBehavior: "Plan steps should complete without tool errors",
			RemediationHint:  "Check the capability's health and its argument handling",
			Tags:             []string{s.Tool},
		})
		if _, err := e.ledger.Append(ctx, ev); err != nil {
			e.logger.Error("step failure not recorded", "request_id", shared.RequestID(ctx), "step_id", s.ID, "error", err)
		}
	}
}

// fail records err in the ledger and returns the generic runtime error. The
// stack hash comes from the frame err was raised at; an error without one is
// recorded without a hash rather than under this function's frame.
func (e *Engine) fail(ctx context.Context, req Request, resp *Response, err error) error {
	domain := req.Domain
	if domain == "" {
		domain = resp.Domain
	}
	if domain == "" {
		domain = "unknown"
	}
	ev := failures.Capture(err, failures.CaptureInput{
		Stage:            "2",
		Phase:            "1",
		Domain:           domain,
		Component:        failures.ComponentExecutor,
		Severity:         failures.SeverityHigh,
		Category:         failures.CategoryRuntimeError,
		RequestID:        shared.RequestID(ctx),
		UserIntent:       req.Input,
		ActionName:       "run_request",
		Code:             "request_pipeline_error",
		ExpectedBehavior: "Request should complete without uncaught exceptions",
		RemediationHint:  "Inspect recurring stack hashes and add guards",
		Tags:             []string{domain},
	})
	stored, appendErr := e.ledger.Append(ctx, ev)
	if appendErr != nil {
		e.logger.Error("failure not recorded", "request_id", shared.RequestID(ctx), "error", appendErr)
	} else {
		resp.FailureID = stored.EventID
	}
	e.logger.Error("request failed", "request_id", shared.RequestID(ctx), "failure_id", resp.FailureID, "error", shared.SafeText(err.Error(), 0))
	return &shared.Error{Kind: shared.KindRuntime, Msg: SafeFailureMessage}
}

func domainOf(req Request, route router.Route) string {
	if req.Domain != "" {
		return req.Domain
	}
	return route.Domain
}

// joinOutputs concatenates successful step output in plan order.
func joinOutputs(p plan.Plan, results coordinator.Results) string {
	var parts []string
	for _, s := range p.Steps {
		if r, ok := results[s.ID]; ok && r.Status == coordinator.StatusOK && r.Output != "" {
			parts = append(parts, r.Output)
		}
	}
	return strings.Join(parts, "\n")
}
