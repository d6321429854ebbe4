package plan

import (
	"fmt"
	"strings"

	"github.com/basket/gatekeep/internal/config"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	OriginPlanner  = "planner"
	OriginRouter   = "router"
	OriginTemplate = "template"
)

type BuildOptions struct {
	Risk     string
	Origin   string
	Outbound DataOutbound
}

// Planner turns caller-supplied steps into a plan. It is deterministic: the
// same inputs always produce the same plan.
type Planner struct{}

// BuildPlan copies steps into a new plan, assigning "step-N" ids to steps
// without one and defaulting risk to low and origin to planner.
func (Planner) BuildPlan(goal, domain string, steps []PlanStep, opts BuildOptions) (Plan, error) {
	p := Plan{
		Goal:         goal,
		Domain:       strings.TrimSpace(domain),
		Risk:         opts.Risk,
		Origin:       opts.Origin,
		DataOutbound: opts.Outbound,
	}
	if p.Risk == "" {
		p.Risk = RiskLow
	}
	if p.Origin == "" {
		p.Origin = OriginPlanner
	}
	for i, s := range steps {
		step := s.Clone()
		if strings.TrimSpace(step.ID) == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if step.Args == nil {
			step.Args = map[string]any{}
		}
		p.Steps = append(p.Steps, step)
	}
	p = p.Clone()
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// KnownAction reports whether a tool exposes an action.
type KnownAction func(tool, action string) bool

// LoadTemplates converts configured plan templates into validated plans keyed
// by template name.
func LoadTemplates(cfgs []config.PlanTemplate, known KnownAction) (map[string]Plan, error) {
	plans := make(map[string]Plan, len(cfgs))
	var planner Planner
	for _, pc := range cfgs {
		if pc.Name == "" {
			return nil, shared.ValidationError("plan.load_templates", "plan template has empty name")
		}
		if _, exists := plans[pc.Name]; exists {
			return nil, shared.ValidationError("plan.load_templates", "duplicate plan template: %s", pc.Name)
		}
		steps := make([]PlanStep, len(pc.Steps))
		for i, sc := range pc.Steps {
			if known != nil && !known(sc.Tool, sc.Action) {
				return nil, shared.ValidationError("plan.load_templates", "template %s step %d: unknown action %s.%s", pc.Name, i+1, sc.Tool, sc.Action)
			}
			steps[i] = PlanStep{ID: sc.ID, Tool: sc.Tool, Action: sc.Action, Args: sc.Args}
		}
		goal := pc.Goal
		if goal == "" {
			goal = pc.Name
		}
		p, err := planner.BuildPlan(goal, pc.Domain, steps, BuildOptions{
			Risk:     pc.Risk,
			Origin:   OriginTemplate,
			Outbound: DataOutbound{RedactionRequired: pc.RedactionRequired},
		})
		if err != nil {
			return nil, fmt.Errorf("plan template %s: %w", pc.Name, err)
		}
		plans[pc.Name] = p
	}
	return plans, nil
}
