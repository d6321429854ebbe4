package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/telemetry"
	"github.com/basket/gatekeep/internal/tools"
)

// fakeTool records calls and misbehaves on request.
type fakeTool struct {
	calls []string
}

func (f *fakeTool) Name() string { return "fake" }

func (f *fakeTool) Capabilities() map[string]tools.ArgSchema {
	return map[string]tools.ArgSchema{
		"ok":    `{"type": "object", "properties": {"n": {"type": "integer"}}, "additionalProperties": false}`,
		"fail":  "",
		"deny":  "",
		"slow":  "",
		"panic": "",
		"leak":  "",
	}
}

func (f *fakeTool) Execute(ctx context.Context, action string, args map[string]any, _ approval.Approval) (tools.Result, error) {
	f.calls = append(f.calls, action)
	switch action {
	case "ok":
		return tools.Result{Output: "done"}, nil
	case "fail":
		return tools.Result{}, errors.New("backend said api_key=abc123 is wrong")
	case "deny":
		return tools.Result{}, shared.PolicyError("fake.deny", "tool refused")
	case "slow":
		time.Sleep(300 * time.Millisecond)
		return tools.Result{Output: "late"}, nil
	case "panic":
		panic("boom")
	case "leak":
		return tools.Result{Output: "connected with password=supersecret1"}, nil
	}
	return tools.Result{}, nil
}

func newTestExecutor(t *testing.T, b bus.Publisher) (*Executor, *approval.Issuer, *fakeTool) {
	t.Helper()
	reg := tools.NewRegistry()
	fake := &fakeTool{}
	if err := reg.Register(fake); err != nil {
		t.Fatalf("register fake: %v", err)
	}
	if err := reg.Register(tools.NewSystem("test", nil)); err != nil {
		t.Fatalf("register system: %v", err)
	}
	iss, err := approval.NewIssuer([]byte("executor-secret"), policy.Default(), approval.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	exec := NewExecutor(reg, iss, Options{StepTimeout: 50 * time.Millisecond, Logger: telemetry.Discard(), Bus: b})
	return exec, iss, fake
}

func approve(t *testing.T, iss *approval.Issuer, p plan.Plan) approval.Approval {
	t.Helper()
	a, err := iss.IssueApproval(context.Background(), p, approval.Context{Subject: "admin", Role: "admin", Intent: "action"})
	if err != nil || !a.Approved {
		t.Fatalf("approval failed: %+v %v", a, err)
	}
	return a
}

func stepsPlan(steps ...plan.PlanStep) plan.Plan {
	return plan.Plan{Goal: "test", Domain: "test", Risk: plan.RiskLow, Steps: steps}
}

func TestExecute_RequiresValidApproval(t *testing.T) {
	exec, iss, fake := newTestExecutor(t, nil)
	p := stepsPlan(plan.PlanStep{ID: "s1", Tool: "fake", Action: "ok", Args: map[string]any{}})

	for name, a := range map[string]approval.Approval{
		"empty":    {},
		"unsigned": {Approved: true},
		"denied":   {Approved: false, PolicySignature: "x"},
	} {
		if _, err := exec.Execute(context.Background(), p, a); !errors.Is(err, shared.ErrPolicy) {
			t.Fatalf("%s: expected policy error, got %v", name, err)
		}
	}

	a := approve(t, iss, p)
	tampered := p.Clone()
	tampered.Steps[0].Args["n"] = 2
	if _, err := exec.Execute(context.Background(), tampered, a); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("tampered plan: expected policy error, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Fatalf("capability ran without a valid approval: %v", fake.calls)
	}
}

func TestExecute_ContainsStepFailures(t *testing.T) {
	exec, iss, _ := newTestExecutor(t, nil)
	p := stepsPlan(
		plan.PlanStep{ID: "s1", Tool: "fake", Action: "fail", Args: map[string]any{}},
		plan.PlanStep{ID: "s2", Tool: "fake", Action: "nope", Args: map[string]any{}},
		plan.PlanStep{ID: "s3", Tool: "fake", Action: "ok", Args: map[string]any{"n": "x"}},
		plan.PlanStep{ID: "s4", Tool: "fake", Action: "panic", Args: map[string]any{}},
		plan.PlanStep{ID: "s5", Tool: "fake", Action: "ok", Args: map[string]any{"n": 1}},
	)
	res, err := exec.Execute(context.Background(), p, approve(t, iss, p))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res["s1"].Status != StatusError || strings.Contains(res["s1"].Error, "abc123") {
		t.Fatalf("s1 not contained or not redacted: %+v", res["s1"])
	}
	if res["s2"].Status != StatusError || res["s2"].ErrorKind != shared.KindValidation {
		t.Fatalf("unknown action should be a validation error: %+v", res["s2"])
	}
	if res["s3"].Status != StatusError || res["s3"].ErrorKind != shared.KindValidation {
		t.Fatalf("bad args should be a validation error: %+v", res["s3"])
	}
	if res["s4"].Status != StatusError || res["s4"].ErrorKind != shared.KindRuntime {
		t.Fatalf("panic should be a runtime error: %+v", res["s4"])
	}
	if res["s5"].Status != StatusOK || res["s5"].Output != "done" {
		t.Fatalf("later step should still run: %+v", res["s5"])
	}
	if len(res.Failed()) != 4 {
		t.Fatalf("failed = %v", res.Failed())
	}
}

func TestExecute_PolicyErrorAbortsRemaining(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("plan.")
	defer b.Unsubscribe(sub)
	exec, iss, fake := newTestExecutor(t, b)
	p := stepsPlan(
		plan.PlanStep{ID: "s1", Tool: "fake", Action: "ok", Args: map[string]any{}},
		plan.PlanStep{ID: "s2", Tool: "fake", Action: "deny", Args: map[string]any{}},
		plan.PlanStep{ID: "s3", Tool: "fake", Action: "ok", Args: map[string]any{}},
	)
	res, err := exec.Execute(context.Background(), p, approve(t, iss, p))
	if !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if res["s1"].Status != StatusOK || res["s2"].Status != StatusError || res["s3"].Status != StatusSkipped {
		t.Fatalf("unexpected statuses: %+v", res)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("skipped step ran: %v", fake.calls)
	}

	var aborted bool
	deadline := time.After(time.Second)
	for !aborted {
		select {
		case ev := <-sub.Ch():
			aborted = ev.Topic == bus.TopicPlanAborted
		case <-deadline:
			t.Fatal("no plan.aborted event")
		}
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	exec, iss, _ := newTestExecutor(t, nil)
	p := stepsPlan(
		plan.PlanStep{ID: "s1", Tool: "fake", Action: "slow", Args: map[string]any{}},
		plan.PlanStep{ID: "s2", Tool: "system", Action: "help", Args: map[string]any{}},
	)
	start := time.Now()
	res, err := exec.Execute(context.Background(), p, approve(t, iss, p))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("executor waited for the slow step: %s", time.Since(start))
	}
	if res["s1"].Status != StatusError || !strings.Contains(res["s1"].Error, "timed out") {
		t.Fatalf("expected timeout error, got %+v", res["s1"])
	}
	if res["s2"].Status != StatusOK {
		t.Fatalf("step after timeout should run: %+v", res["s2"])
	}
}

func TestExecuteStreaming_CallbacksAndStops(t *testing.T) {
	exec, iss, fake := newTestExecutor(t, nil)
	p := stepsPlan(
		plan.PlanStep{ID: "echo", Tool: "system", Action: "echo", Args: map[string]any{"text": "a b c"}},
		plan.PlanStep{ID: "stopped", Tool: "fake", Action: "ok", Args: map[string]any{}},
		plan.PlanStep{ID: "plain", Tool: "fake", Action: "ok", Args: map[string]any{}},
	)
	var echoChunks, plainChunks []string
	stopAsked := 0
	res, err := exec.ExecuteStreaming(context.Background(), p, approve(t, iss, p), StreamOptions{
		Callbacks: map[string]func(string){
			"echo":  func(c string) { echoChunks = append(echoChunks, c) },
			"plain": func(c string) { plainChunks = append(plainChunks, c) },
		},
		StopRequests: map[string]func() bool{
			"stopped": func() bool { stopAsked++; return true },
			"plain":   func() bool { return false },
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Join(echoChunks, "") != "a b c" || len(echoChunks) != 3 {
		t.Fatalf("echo chunks = %q", echoChunks)
	}
	if res["stopped"].Status != StatusCanceled || stopAsked != 1 {
		t.Fatalf("stop predicate not honoured: %+v asked=%d", res["stopped"], stopAsked)
	}
	if len(plainChunks) != 1 || plainChunks[0] != "done" {
		t.Fatalf("non-streaming step should emit its output once: %q", plainChunks)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("canceled step ran: %v", fake.calls)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	exec, iss, fake := newTestExecutor(t, nil)
	p := stepsPlan(
		plan.PlanStep{ID: "s1", Tool: "fake", Action: "ok", Args: map[string]any{}},
		plan.PlanStep{ID: "s2", Tool: "fake", Action: "ok", Args: map[string]any{}},
	)
	a := approve(t, iss, p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := exec.Execute(ctx, p, a)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res["s1"].Status != StatusCanceled || res["s2"].Status != StatusCanceled || len(fake.calls) != 0 {
		t.Fatalf("unexpected results %+v calls %v", res, fake.calls)
	}
}

func TestExecute_ScrubsSecretsFromOutput(t *testing.T) {
	exec, iss, _ := newTestExecutor(t, nil)
	p := stepsPlan(plan.PlanStep{ID: "s1", Tool: "fake", Action: "leak", Args: map[string]any{}})
	res, err := exec.Execute(context.Background(), p, approve(t, iss, p))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res["s1"]
	if out.Status != StatusOK {
		t.Fatalf("leaky step should still succeed: %+v", out)
	}
	if strings.Contains(out.Output, "supersecret1") || !strings.Contains(out.Output, shared.RedactedPlaceholder) {
		t.Fatalf("output not scrubbed: %q", out.Output)
	}
}

func TestExecuteStreaming_ScrubsChunks(t *testing.T) {
	exec, iss, _ := newTestExecutor(t, nil)
	p := stepsPlan(plan.PlanStep{ID: "s1", Tool: "fake", Action: "leak", Args: map[string]any{}})
	var chunks []string
	res, err := exec.ExecuteStreaming(context.Background(), p, approve(t, iss, p), StreamOptions{
		Callbacks: map[string]func(string){"s1": func(c string) { chunks = append(chunks, c) }},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	streamed := strings.Join(chunks, "")
	if strings.Contains(streamed, "supersecret1") || !strings.Contains(streamed, "connected with "+shared.RedactedPlaceholder) {
		t.Fatalf("streamed output not scrubbed: %q", chunks)
	}
	if res["s1"].Output != "connected with "+shared.RedactedPlaceholder {
		t.Fatalf("result output = %q", res["s1"].Output)
	}
}

func TestExecute_PanicKeepsCapabilityFrame(t *testing.T) {
	exec, iss, _ := newTestExecutor(t, nil)
	p := stepsPlan(plan.PlanStep{ID: "s1", Tool: "fake", Action: "panic", Args: map[string]any{}})
	res, err := exec.Execute(context.Background(), p, approve(t, iss, p))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	frame, ok := shared.FrameOf(res["s1"].Err)
	if !ok || !strings.HasSuffix(frame.Function, "(*fakeTool).Execute") {
		t.Fatalf("panic frame = %+v (ok=%v)", frame, ok)
	}
	if !strings.Contains(res["s1"].Error, "boom") {
		t.Fatalf("error = %q", res["s1"].Error)
	}
}
