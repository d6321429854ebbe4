package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/shared"
)

func seedProposal(t *testing.T, store *persistence.Store, id string) persistence.MemoryProposal {
	t.Helper()
	p := persistence.MemoryProposal{
		ID:                  id,
		CreatedAt:           time.Now().UTC(),
		Domain:              "preference",
		MemoryType:          "preference",
		Content:             "dark mode",
		Source:              "manual_review",
		ExplicitUserRequest: true,
		RiskFlags:           []string{"low"},
	}
	if err := store.InsertProposal(context.Background(), p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	return p
}

func TestProposals_ApproveAppendsRecord(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProposal(t, store, "p1")

	rec := persistence.MemoryRecord{ID: "m1", ProposalID: "p1", CreatedAt: time.Now(), Domain: "preference", MemoryType: "preference", Content: "dark mode", Source: "manual_review"}
	if err := store.ApproveProposal(ctx, "p1", rec, time.Now()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	p, err := store.GetProposal(ctx, "p1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != persistence.ProposalApproved || p.MemoryID != "m1" || p.ReviewedAt == nil {
		t.Fatalf("unexpected proposal after approve: %+v", p)
	}
	if len(p.RiskFlags) != 1 || p.RiskFlags[0] != "low" {
		t.Fatalf("risk flags lost: %+v", p.RiskFlags)
	}

	got, err := store.GetMemoryRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.Content != "dark mode" || got.ProposalID != "p1" {
		t.Fatalf("unexpected memory %+v", got)
	}

	events, err := store.ListProposalEvents(ctx, "p1")
	if err != nil {
		t.Fatalf("list proposal events: %v", err)
	}
	if len(events) != 2 || events[0].To != persistence.ProposalPending || events[1].From != persistence.ProposalPending || events[1].To != persistence.ProposalApproved {
		t.Fatalf("unexpected history %+v", events)
	}
}

func TestProposals_SecondTransitionConflicts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProposal(t, store, "p1")

	if err := store.RejectProposal(ctx, "p1", "not useful", time.Now()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	tests := []struct {
		name string
		call func() error
	}{
		{"reject again", func() error { return store.RejectProposal(ctx, "p1", "again", time.Now()) }},
		{"approve after reject", func() error {
			return store.ApproveProposal(ctx, "p1", persistence.MemoryRecord{ID: "m1", ProposalID: "p1", CreatedAt: time.Now()}, time.Now())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, shared.ErrConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
		})
	}

	p, _ := store.GetProposal(ctx, "p1")
	if p.Status != persistence.ProposalRejected || p.ReviewNotes != "not useful" {
		t.Fatalf("rejected proposal changed: %+v", p)
	}
	if err := store.RejectProposal(ctx, "missing", "", time.Now()); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRecords_DirectWriteRefused(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProposal(t, store, "pending-1")

	tests := []struct {
		name string
		rec  persistence.MemoryRecord
	}{
		{"no proposal", persistence.MemoryRecord{ID: "m-x", ProposalID: "nope", CreatedAt: time.Now()}},
		{"pending proposal", persistence.MemoryRecord{ID: "m-y", ProposalID: "pending-1", CreatedAt: time.Now()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.AppendMemoryRecord(ctx, tt.rec); err == nil {
				t.Fatal("expected direct memory write to fail")
			}
		})
	}

	if _, err := store.DB().Exec(`INSERT INTO memory_records (memory_id, proposal_id, created_at, domain, memory_type, content, source) VALUES ('raw', 'pending-1', '', '', '', '', '')`); err == nil {
		t.Fatal("expected raw insert to fail")
	}
	mems, err := store.ListMemoryRecords(ctx, persistence.MemoryFilter{})
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(mems) != 0 {
		t.Fatalf("expected no memories, got %d", len(mems))
	}
}

func TestMemoryRecords_AppendOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProposal(t, store, "p1")
	rec := persistence.MemoryRecord{ID: "m1", ProposalID: "p1", CreatedAt: time.Now(), Domain: "preference", MemoryType: "preference", Content: "dark mode", Source: "manual_review"}
	if err := store.ApproveProposal(ctx, "p1", rec, time.Now()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE memory_records SET content = 'light mode'`); err == nil {
		t.Fatal("expected update to fail")
	}
	if _, err := store.DB().Exec(`DELETE FROM memory_records`); err == nil {
		t.Fatal("expected delete to fail")
	}
	if _, err := store.DB().Exec(`UPDATE memory_proposals SET content = 'edited' WHERE proposal_id = 'p1'`); err == nil {
		t.Fatal("expected proposal content update to fail")
	}
}

func TestProposals_ListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProposal(t, store, "a")
	seedProposal(t, store, "b")
	if err := store.RejectProposal(ctx, "b", "no", time.Now()); err != nil {
		t.Fatalf("reject: %v", err)
	}

	tests := []struct {
		filter persistence.ProposalFilter
		want   int
	}{
		{persistence.ProposalFilter{}, 2},
		{persistence.ProposalFilter{Status: persistence.ProposalPending}, 1},
		{persistence.ProposalFilter{Status: persistence.ProposalRejected}, 1},
		{persistence.ProposalFilter{Domain: "project_context"}, 0},
		{persistence.ProposalFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		got, err := store.ListProposals(ctx, tt.filter)
		if err != nil {
			t.Fatalf("list %+v: %v", tt.filter, err)
		}
		if len(got) != tt.want {
			t.Fatalf("list %+v: got %d, want %d", tt.filter, len(got), tt.want)
		}
	}
}
