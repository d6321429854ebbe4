package memory_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/telemetry"
)

func newGate(t *testing.T, pol *memory.Policy) (*memory.Gate, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gatekeep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New()
	return memory.NewGate(store, memory.Options{Policy: pol, Logger: telemetry.Discard(), Bus: b}), b
}

func TestPropose_DefaultsAndTruncation(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	id, err := g.Propose(ctx, memory.ProposeInput{MemoryType: "preference", Content: string(long), ExplicitUserRequest: true})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	p, err := g.GetProposal(ctx, id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != persistence.ProposalPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}
	if p.Domain != "preference" || p.Source != memory.SourceManualReview {
		t.Fatalf("defaults not applied: domain=%q source=%q", p.Domain, p.Source)
	}
	if len([]rune(p.Content)) != memory.MaxContentLength {
		t.Fatalf("content length = %d, want %d", len([]rune(p.Content)), memory.MaxContentLength)
	}
}

func TestPropose_UnknownTypeStoresNothing(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	if _, err := g.Propose(ctx, memory.ProposeInput{MemoryType: "gossip", Content: "x"}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	all, err := g.ListProposals(ctx, memory.ProposalFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no proposals, got %d", len(all))
	}
}

func TestApprove_WritesRecordAndPublishes(t *testing.T) {
	g, b := newGate(t, nil)
	sub := b.Subscribe("memory.")
	defer b.Unsubscribe(sub)
	ctx := context.Background()

	id, err := g.Propose(ctx, memory.ProposeInput{MemoryType: "workflow_rule", Domain: "ops", Content: "deploys happen on tuesdays", ExplicitUserRequest: true})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	memID, err := g.Approve(ctx, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	rec, err := g.GetMemory(ctx, memID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if rec.ProposalID != id || rec.Domain != "ops" || rec.Content != "deploys happen on tuesdays" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	p, _ := g.GetProposal(ctx, id)
	if p.Status != persistence.ProposalApproved || p.MemoryID != memID || p.ReviewedAt == nil {
		t.Fatalf("proposal not approved: %+v", p)
	}

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", topics)
		}
	}
	if topics[0] != bus.TopicMemoryProposed || topics[1] != bus.TopicMemoryApproved {
		t.Fatalf("unexpected topics %v", topics)
	}

	if _, err := g.Approve(ctx, id); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("second approve: expected conflict, got %v", err)
	}
}

func TestApprove_PolicyRefusalKeepsPending(t *testing.T) {
	tests := []struct {
		name   string
		in     memory.ProposeInput
		reason string
	}{
		{"ephemeral", memory.ProposeInput{MemoryType: "ephemeral", Content: "lunch at noon", ExplicitUserRequest: true}, memory.ReasonEphemeral},
		{"secret", memory.ProposeInput{MemoryType: "preference", Content: "my password: hunter22", ExplicitUserRequest: true}, memory.ReasonSecretContent},
		{"identity", memory.ProposeInput{MemoryType: "identity_sensitive", Content: "birthday in may"}, memory.ReasonIdentityNotRequest},
		{"source", memory.ProposeInput{MemoryType: "preference", Content: "dark mode", Source: "chat", ExplicitUserRequest: true}, memory.ReasonSourceNotReviewed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGate(t, nil)
			ctx := context.Background()
			id, err := g.Propose(ctx, tt.in)
			if err != nil {
				t.Fatalf("propose: %v", err)
			}
			_, err = g.Approve(ctx, id)
			if !errors.Is(err, shared.ErrPolicy) {
				t.Fatalf("expected policy error, got %v", err)
			}
			if !slices.Contains(shared.ReasonsOf(err), tt.reason) {
				t.Fatalf("reasons %v missing %q", shared.ReasonsOf(err), tt.reason)
			}
			p, _ := g.GetProposal(ctx, id)
			if p.Status != persistence.ProposalPending {
				t.Fatalf("status = %s, want pending", p.Status)
			}
			mems, _ := g.ListMemories(ctx, memory.RecordFilter{})
			if len(mems) != 0 {
				t.Fatalf("refused proposal wrote %d memories", len(mems))
			}
		})
	}
}

func TestApprove_NotFound(t *testing.T) {
	g, _ := newGate(t, nil)
	if _, err := g.Approve(context.Background(), "missing"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReject(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	id, err := g.Propose(ctx, memory.ProposeInput{MemoryType: "preference", Content: "tabs over spaces", ExplicitUserRequest: true})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := g.Reject(ctx, id, "not useful"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	p, _ := g.GetProposal(ctx, id)
	if p.Status != persistence.ProposalRejected || p.ReviewNotes != "not useful" || p.ReviewedAt == nil {
		t.Fatalf("unexpected proposal after reject: %+v", p)
	}
	if err := g.Reject(ctx, id, "again"); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := g.Approve(ctx, id); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("approve after reject: expected conflict, got %v", err)
	}
}

func TestListProposals_Filters(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	a, _ := g.Propose(ctx, memory.ProposeInput{MemoryType: "preference", Content: "a", ExplicitUserRequest: true})
	_, _ = g.Propose(ctx, memory.ProposeInput{MemoryType: "workflow_rule", Content: "b", ExplicitUserRequest: true})
	if err := g.Reject(ctx, a, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := g.ListProposals(ctx, memory.ProposalFilter{Status: persistence.ProposalPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].MemoryType != "workflow_rule" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	byDomain, _ := g.ListProposals(ctx, memory.ProposalFilter{Domain: "preference"})
	if len(byDomain) != 1 || byDomain[0].ID != a {
		t.Fatalf("unexpected domain filter result: %+v", byDomain)
	}
	if _, err := g.ListProposals(ctx, memory.ProposalFilter{Status: "maybe"}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}
}

func TestSearch_RanksApprovedMemories(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	for _, c := range []string{"prefer dark mode in editor", "editor font is mono", "weekly sync on monday"} {
		id, err := g.Propose(ctx, memory.ProposeInput{MemoryType: "preference", Content: c, ExplicitUserRequest: true})
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		if _, err := g.Approve(ctx, id); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	hits, err := g.Search(ctx, "dark editor", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Record.Content != "prefer dark mode in editor" || hits[0].Score != 3 {
		t.Fatalf("unexpected top hit: %+v", hits[0])
	}
}

func TestStore_WriteAlwaysRefused(t *testing.T) {
	g, _ := newGate(t, nil)
	s := memory.NewStore(g)
	err := s.Write(context.Background(), memory.Record{ID: "m1", Content: "x"})
	if !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	p, err := memory.LoadPolicy(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(p.SecretPatterns) != len(memory.DefaultSecretPatterns) {
		t.Fatal("missing file should load default patterns")
	}

	path := filepath.Join(dir, "memory_policy.yaml")
	if err := os.WriteFile(path, []byte("secret_patterns: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err = memory.LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ok, reasons := p.ValidateWrite(persistence.MemoryProposal{MemoryType: "preference", Source: memory.SourceManualReview, Content: "password: x"})
	if !ok {
		t.Fatalf("empty pattern list should disable the secret check: %v", reasons)
	}

	if err := os.WriteFile(path, []byte("secret_patterns: ['(unclosed']\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := memory.LoadPolicy(path); err == nil {
		t.Fatal("expected error for bad pattern")
	}
}

func TestValidateWrite_CollectsAllReasons(t *testing.T) {
	p := memory.DefaultPolicy()
	ok, reasons := p.ValidateWrite(persistence.MemoryProposal{MemoryType: "ephemeral", Source: "chat", Content: "api_key=abc"})
	if ok {
		t.Fatal("expected refusal")
	}
	want := []string{memory.ReasonSourceNotReviewed, memory.ReasonEphemeral, memory.ReasonSecretContent}
	if !slices.Equal(reasons, want) {
		t.Fatalf("reasons = %v, want %v", reasons, want)
	}
	if ok, _ := p.ValidateWrite(persistence.MemoryProposal{MemoryType: "gossip", Source: memory.SourceManualReview}); ok {
		t.Fatal("unknown type accepted")
	}
}

func TestSetPolicy_SwapsSecretPatterns(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()
	in := memory.ProposeInput{MemoryType: "preference", Content: "wifi password: hunter22", ExplicitUserRequest: true}

	id, err := g.Propose(ctx, in)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := g.Approve(ctx, id); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("default policy: expected policy error, got %v", err)
	}

	open, err := memory.NewPolicy(nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	g.SetPolicy(open)
	if _, err := g.Approve(ctx, id); err != nil {
		t.Fatalf("approve with no secret patterns: %v", err)
	}

	g.SetPolicy(nil)
	id2, err := g.Propose(ctx, in)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := g.Approve(ctx, id2); !errors.Is(err, shared.ErrPolicy) {
		t.Fatalf("nil policy should restore defaults, got %v", err)
	}
}
