package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	proposeSchema ArgSchema = `{
		"type": "object",
		"required": ["memory_type", "content"],
		"properties": {
			"memory_type": {"enum": ["preference", "project_context", "workflow_rule", "ephemeral", "identity_sensitive"]},
			"content": {"type": "string", "minLength": 1},
			"domain": {"type": "string"},
			"explicit_user_request": {"type": "boolean"},
			"risk_flags": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`
	searchSchema ArgSchema = `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"top_k": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"additionalProperties": false
	}`
)

// MemoryGate is the subset of the memory gate a plan step may touch. It has
// no approve action; approval only happens through review.
type MemoryGate interface {
	Propose(ctx context.Context, in memory.ProposeInput) (string, error)
	Search(ctx context.Context, query string, topK int) ([]memory.SearchHit, error)
}

type Memory struct {
	gate MemoryGate
}

func NewMemory(gate MemoryGate) *Memory {
	return &Memory{gate: gate}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Capabilities() map[string]ArgSchema {
	return map[string]ArgSchema{
		"propose": proposeSchema,
		"search":  searchSchema,
	}
}

func (m *Memory) Execute(ctx context.Context, action string, args map[string]any, _ approval.Approval) (Result, error) {
	switch action {
	case "propose":
		id, err := m.gate.Propose(ctx, memory.ProposeInput{
			Domain:              stringArg(args, "domain"),
			MemoryType:          stringArg(args, "memory_type"),
			Content:             stringArg(args, "content"),
			Source:              memory.SourceManualReview,
			ExplicitUserRequest: boolArg(args, "explicit_user_request", true),
			RiskFlags:           stringSliceArg(args, "risk_flags"),
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			Output: fmt.Sprintf("memory proposal %s is pending review", id),
			Data:   map[string]any{"proposal_id": id, "status": "pending"},
		}, nil
	case "search":
		hits, err := m.gate.Search(ctx, stringArg(args, "query"), intArg(args, "top_k", 5))
		if err != nil {
			return Result{}, err
		}
		ids := make([]string, 0, len(hits))
		var b strings.Builder
		for _, h := range hits {
			ids = append(ids, h.Record.ID)
			fmt.Fprintf(&b, "- %s\n", h.Record.Content)
		}
		return Result{Output: b.String(), Data: map[string]any{"memory_ids": ids}}, nil
	default:
		return Result{}, shared.ValidationError("tools.memory", "unknown action %q", action)
	}
}
