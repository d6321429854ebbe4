package plan_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/gatekeep/internal/config"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/shared"
)

func TestValidate(t *testing.T) {
	step := plan.PlanStep{ID: "s1", Tool: "system", Action: "help"}
	tests := []struct {
		name string
		p    plan.Plan
		ok   bool
	}{
		{"valid", plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{step}}, true},
		{"no steps", plan.Plan{Risk: plan.RiskLow}, false},
		{"bad risk", plan.Plan{Risk: "extreme", Steps: []plan.PlanStep{step}}, false},
		{"empty id", plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{Tool: "system", Action: "help"}}}, false},
		{"duplicate id", plan.Plan{Risk: plan.RiskHigh, Steps: []plan.PlanStep{step, step}}, false},
		{"missing action", plan.Plan{Risk: plan.RiskMedium, Steps: []plan.PlanStep{{ID: "a", Tool: "system"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, shared.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := plan.Plan{
		Risk: plan.RiskLow,
		Steps: []plan.PlanStep{{ID: "s1", Tool: "mail", Action: "send", Args: map[string]any{
			"to":     "a@b.c",
			"nested": map[string]any{"k": "v"},
			"list":   []any{"x"},
		}}},
		DataOutbound: plan.DataOutbound{Providers: []string{"openai"}},
	}
	cp := orig.Clone()
	cp.Steps[0].Args["to"] = "changed"
	cp.Steps[0].Args["nested"].(map[string]any)["k"] = "changed"
	cp.Steps[0].Args["list"].([]any)[0] = "changed"
	cp.DataOutbound.Providers[0] = "changed"

	if orig.Steps[0].Args["to"] != "a@b.c" ||
		orig.Steps[0].Args["nested"].(map[string]any)["k"] != "v" ||
		orig.Steps[0].Args["list"].([]any)[0] != "x" ||
		orig.DataOutbound.Providers[0] != "openai" {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
}

func TestCanonical_StableAcrossMapOrder(t *testing.T) {
	a := plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "t", Action: "a",
		Args: map[string]any{"b": 1, "a": "x", "c": true}}}}
	b := plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "t", Action: "a",
		Args: map[string]any{"c": true, "a": "x", "b": 1}}}}
	ca, err := a.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	cb, _ := b.Canonical()
	if string(ca) != string(cb) {
		t.Fatalf("canonical differs:\n%s\n%s", ca, cb)
	}
	if !strings.Contains(string(ca), `"args":{"a":"x","b":1,"c":true}`) {
		t.Fatalf("args not sorted: %s", ca)
	}

	da, _ := a.Digest()
	b.Steps[0].Args["a"] = "y"
	db, _ := b.Digest()
	if da == db || len(da) != 64 {
		t.Fatalf("digest did not track args: %s %s", da, db)
	}
}

func TestCanonical_NilAndEmptyArgsAgree(t *testing.T) {
	a := plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "t", Action: "a"}}}
	b := plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "t", Action: "a", Args: map[string]any{}}},
		DataOutbound: plan.DataOutbound{Providers: []string{}}}
	ca, _ := a.Canonical()
	cb, _ := b.Canonical()
	if string(ca) != string(cb) {
		t.Fatalf("nil and empty encode differently:\n%s\n%s", ca, cb)
	}
}

func TestCanonical_UnserialisableArgs(t *testing.T) {
	p := plan.Plan{Risk: plan.RiskLow, Steps: []plan.PlanStep{{ID: "s1", Tool: "t", Action: "a",
		Args: map[string]any{"ch": make(chan int)}}}}
	if _, err := p.Canonical(); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildPlan_AssignsIDsAndDefaults(t *testing.T) {
	var planner plan.Planner
	args := map[string]any{"text": "hi"}
	p, err := planner.BuildPlan("say hi", " system ", []plan.PlanStep{
		{Tool: "system", Action: "status"},
		{ID: "custom", Tool: "system", Action: "echo", Args: args},
		{Tool: "system", Action: "help"},
	}, plan.BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Steps[0].ID != "step-1" || p.Steps[1].ID != "custom" || p.Steps[2].ID != "step-3" {
		t.Fatalf("unexpected ids %+v", p.Steps)
	}
	if p.Risk != plan.RiskLow || p.Origin != plan.OriginPlanner || p.Domain != "system" {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if p.Steps[0].Args == nil {
		t.Fatal("expected non-nil args")
	}
	args["text"] = "mutated"
	if p.Steps[1].Args["text"] != "hi" {
		t.Fatal("plan shares args with caller")
	}
	if got := p.Tools(); len(got) != 1 || got[0] != "system" {
		t.Fatalf("unexpected tools %v", got)
	}
}

func TestBuildPlan_RejectsInvalid(t *testing.T) {
	var planner plan.Planner
	if _, err := planner.BuildPlan("x", "d", nil, plan.BuildOptions{}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for empty plan, got %v", err)
	}
	if _, err := planner.BuildPlan("x", "d", []plan.PlanStep{{Tool: "system", Action: "help"}}, plan.BuildOptions{Risk: "bad"}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for bad risk, got %v", err)
	}
}

func TestLoadTemplates(t *testing.T) {
	known := func(tool, action string) bool { return tool == "system" }
	plans, err := plan.LoadTemplates([]config.PlanTemplate{{
		Name:   "morning",
		Domain: "system",
		Steps: []config.PlanStepSpec{
			{Tool: "system", Action: "status"},
			{Tool: "system", Action: "echo", Args: map[string]any{"text": "hi"}},
		},
	}}, known)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := plans["morning"]
	if p.Origin != plan.OriginTemplate || p.Goal != "morning" || len(p.Steps) != 2 || p.Steps[1].ID != "step-2" {
		t.Fatalf("unexpected template plan %+v", p)
	}

	_, err = plan.LoadTemplates([]config.PlanTemplate{{
		Name:  "bad",
		Steps: []config.PlanStepSpec{{Tool: "shell", Action: "exec"}},
	}}, known)
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for unknown action, got %v", err)
	}
}
