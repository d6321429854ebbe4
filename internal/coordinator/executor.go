// Package coordinator runs approved plans step by step against the capability
// registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/safety"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/tools"
)

// DefaultStepTimeout bounds a single step when Options.StepTimeout is unset.
const DefaultStepTimeout = 30 * time.Second

// Capabilities is the registry surface the executor dispatches through.
type Capabilities interface {
	Lookup(tool string) (tools.Capability, bool)
	ValidateCall(tool, action string, args map[string]any) error
}

type Options struct {
	StepTimeout time.Duration
	Logger      *slog.Logger
	Bus         bus.Publisher
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
}

// Executor runs plan steps only for plans carrying a valid approval.
type Executor struct {
	caps     Capabilities
	verifier approval.Verifier
	timeout  time.Duration
	logger   *slog.Logger
	bus      bus.Publisher
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

func NewExecutor(caps Capabilities, verifier approval.Verifier, opts Options) *Executor {
	e := &Executor{
		caps:     caps,
		verifier: verifier,
		timeout:  opts.StepTimeout,
		logger:   opts.Logger,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(opts.Tracer),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultStepTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Execute runs every step of p in order. See ExecuteStreaming.
func (e *Executor) Execute(ctx context.Context, p plan.Plan, a approval.Approval) (Results, error) {
	return e.ExecuteStreaming(ctx, p, a, StreamOptions{})
}

// ExecuteStreaming verifies a against p before touching any capability; a
// missing or invalid approval is a policy error and nothing runs. Each step
// runs under its own timeout and a failing step is recorded in its result
// without stopping the plan. A policy error from a step aborts the plan: the
// remaining steps are marked skipped and the error is returned alongside the
// partial results.
func (e *Executor) ExecuteStreaming(ctx context.Context, p plan.Plan, a approval.Approval, opts StreamOptions) (Results, error) {
	const op = "coordinator.execute"
	if e.verifier == nil {
		return nil, shared.PolicyError(op, "no approval verifier configured")
	}
	if err := e.verifier.Verify(p, a); err != nil {
		e.logger.Warn("plan rejected before execution",
			"request_id", shared.RequestID(ctx),
			"error", shared.SafeText(err.Error(), 0),
		)
		return nil, err
	}

	results := make(Results, len(p.Steps))
	var abortErr error
	for i, step := range p.Steps {
		if abortErr != nil {
			results[step.ID] = e.finish(ctx, step, StepResult{Status: StatusSkipped, Error: "skipped after policy violation"}, bus.TopicPlanStepCanceled)
			continue
		}
		if err := ctx.Err(); err != nil {
			for _, rest := range p.Steps[i:] {
				results[rest.ID] = e.finish(ctx, rest, StepResult{Status: StatusCanceled, Error: "request canceled"}, bus.TopicPlanStepCanceled)
			}
			return results, err
		}
		if stop := opts.StopRequests[step.ID]; stop != nil && stop() {
			results[step.ID] = e.finish(ctx, step, StepResult{Status: StatusCanceled}, bus.TopicPlanStepCanceled)
			continue
		}

		res, err := e.runStep(ctx, step, a, opts.Callbacks[step.ID])
		results[step.ID] = res
		if err != nil && shared.KindOf(err) == shared.KindPolicy {
			abortErr = err
		}
	}
	if abortErr != nil {
		if e.bus != nil {
			e.bus.Publish(bus.TopicPlanAborted, bus.PlanStepEvent{
				RequestID: shared.RequestID(ctx),
				Status:    StatusSkipped,
				Error:     shared.SafeText(abortErr.Error(), 0),
			})
		}
		return results, abortErr
	}
	return results, nil
}

func (e *Executor) runStep(ctx context.Context, step plan.PlanStep, a approval.Approval, emit func(string)) (StepResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "plan.step",
		otel.AttrRequestID.String(shared.RequestID(ctx)),
		otel.AttrStepID.String(step.ID),
		otel.AttrToolName.String(step.Tool),
		otel.AttrActionName.String(step.Action),
	)
	defer span.End()

	e.publish(ctx, bus.TopicPlanStepStarted, step, "running", "")
	start := time.Now()

	res, err := e.dispatch(ctx, step, a, emit)
	elapsed := time.Since(start)
	e.metrics.Observe(ctx, e.metrics.StepDuration, elapsed.Seconds(),
		attribute.String("tool", step.Tool), attribute.String("action", step.Action))

	out := StepResult{DurationMs: elapsed.Milliseconds()}
	if err != nil {
		out.Status = StatusError
		out.Error = shared.SafeText(err.Error(), 0)
		out.ErrorKind = shared.KindOf(err)
		out.Err = err
		span.SetStatus(codes.Error, out.Error)
		span.SetAttributes(otel.AttrStepStatus.String(StatusError))
		e.metrics.Count(ctx, e.metrics.StepErrors,
			attribute.String("tool", step.Tool), attribute.String("kind", string(out.ErrorKind)))
		e.logger.Warn("plan step failed",
			"request_id", shared.RequestID(ctx),
			"step_id", step.ID,
			"tool", step.Tool,
			"action", step.Action,
			"kind", string(out.ErrorKind),
			"error", out.Error,
		)
		return e.finish(ctx, step, out, bus.TopicPlanStepFailed), err
	}

	out.Status = StatusOK
	out.Output = res.Output
	if scrubbed, patterns := safety.Scrub(res.Output); len(patterns) > 0 {
		out.Output = scrubbed
		e.logger.Warn("secrets scrubbed from step output",
			"request_id", shared.RequestID(ctx),
			"step_id", step.ID,
			"tool", step.Tool,
			"patterns", patterns,
		)
	}
	out.Data = res.Data
	span.SetAttributes(otel.AttrStepStatus.String(StatusOK))
	return e.finish(ctx, step, out, bus.TopicPlanStepCompleted), nil
}

// dispatch validates and runs one step under the step timeout. The capability
// runs on its own goroutine so a call that ignores ctx still cannot hold the
// plan past the deadline.
func (e *Executor) dispatch(ctx context.Context, step plan.PlanStep, a approval.Approval, emit func(string)) (tools.Result, error) {
	const op = "coordinator.step"
	capability, ok := e.caps.Lookup(step.Tool)
	if !ok {
		return tools.Result{}, shared.ValidationError(op, "no capability registered for tool %q", step.Tool)
	}
	if err := e.caps.ValidateCall(step.Tool, step.Action, step.Args); err != nil {
		return tools.Result{}, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sink := &chunkSink{emit: emit}
	type outcome struct {
		res tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: shared.PanicError(op, r)}
			}
			done <- o
		}()
		if s, ok := capability.(tools.Streamer); ok && emit != nil {
			o.res, o.err = s.ExecuteStream(stepCtx, step.Action, step.Args, a, sink.send)
		} else {
			o.res, o.err = capability.Execute(stepCtx, step.Action, step.Args, a)
			if o.err == nil {
				sink.send(o.res.Output)
			}
		}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return tools.Result{}, shared.RuntimeError(op, fmt.Errorf("step %s timed out after %s", step.ID, e.timeout))
		}
		return o.res, o.err
	case <-stepCtx.Done():
		sink.close()
		if ctx.Err() != nil {
			return tools.Result{}, ctx.Err()
		}
		return tools.Result{}, shared.RuntimeError(op, fmt.Errorf("step %s timed out after %s", step.ID, e.timeout))
	}
}

func (e *Executor) finish(ctx context.Context, step plan.PlanStep, r StepResult, topic string) StepResult {
	r.StepID, r.Tool, r.Action = step.ID, step.Tool, step.Action
	e.publish(ctx, topic, step, r.Status, r.Error)
	return r
}

func (e *Executor) publish(ctx context.Context, topic string, step plan.PlanStep, status, errText string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.PlanStepEvent{
		RequestID: shared.RequestID(ctx),
		StepID:    step.ID,
		Tool:      step.Tool,
		Action:    step.Action,
		Status:    status,
		Error:     errText,
	})
}

// chunkSink forwards scrubbed chunks to a callback until closed. Chunks from
// a step that outlived its timeout are dropped. A secret split across two
// chunks is not detected here; the assembled StepResult.Output still is.
type chunkSink struct {
	mu     sync.Mutex
	emit   func(string)
	closed bool
}

func (s *chunkSink) send(chunk string) {
	if s.emit == nil || chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	scrubbed, _ := safety.Scrub(chunk)
	s.emit(scrubbed)
}

func (s *chunkSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
