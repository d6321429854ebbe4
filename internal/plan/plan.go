// Package plan defines the unit of work the gate approves and executes.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/basket/gatekeep/internal/shared"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// PlanStep is one tool invocation.
type PlanStep struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// DataOutbound records whether any step sends data to an external provider.
type DataOutbound struct {
	ToExternal        bool     `json:"to_external"`
	Providers         []string `json:"providers"`
	RedactionRequired bool     `json:"redaction_required"`
}

// Plan is an ordered list of steps built for one request.
type Plan struct {
	Goal         string       `json:"goal"`
	Domain       string       `json:"domain"`
	Steps        []PlanStep   `json:"steps"`
	Risk         string       `json:"risk"`
	Origin       string       `json:"origin"`
	DataOutbound DataOutbound `json:"data_outbound"`
}

// Validate checks that the plan is well-formed.
func (p *Plan) Validate() error {
	const op = "plan.validate"
	if len(p.Steps) == 0 {
		return shared.ValidationError(op, "plan has no steps")
	}
	switch p.Risk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return shared.ValidationError(op, "invalid risk %q", p.Risk)
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return shared.ValidationError(op, "step has empty ID")
		}
		if seen[s.ID] {
			return shared.ValidationError(op, "duplicate step ID: %s", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Tool) == "" || strings.TrimSpace(s.Action) == "" {
			return shared.ValidationError(op, "step %s must name a tool and an action", s.ID)
		}
	}
	return nil
}

// Clone returns a deep copy; nested maps and slices in step args are copied.
func (p Plan) Clone() Plan {
	out := p
	out.DataOutbound.Providers = append([]string(nil), p.DataOutbound.Providers...)
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

func (s PlanStep) Clone() PlanStep {
	out := s
	if s.Args != nil {
		out.Args = cloneValue(s.Args).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Canonical is the byte form that approvals sign. encoding/json emits struct
// fields in declaration order and map keys sorted, so equal plans encode
// identically.
func (p Plan) Canonical() ([]byte, error) {
	norm := p.Clone()
	for i := range norm.Steps {
		if norm.Steps[i].Args == nil {
			norm.Steps[i].Args = map[string]any{}
		}
	}
	if norm.DataOutbound.Providers == nil {
		norm.DataOutbound.Providers = []string{}
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return nil, shared.ValidationError("plan.canonical", "plan arguments are not serialisable: %v", err)
	}
	return b, nil
}

// Digest is the hex sha256 of the canonical encoding.
func (p Plan) Digest() (string, error) {
	b, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Tools lists the distinct tools used by the plan in step order.
func (p Plan) Tools() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range p.Steps {
		if !seen[s.Tool] {
			seen[s.Tool] = true
			out = append(out, s.Tool)
		}
	}
	return out
}
