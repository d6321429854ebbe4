package memory

import (
	"context"

	"github.com/basket/gatekeep/internal/shared"
)

// Store is the read side of durable memory handed to components outside the
// review flow. It cannot create records.
type Store struct {
	gate *Gate
}

func NewStore(g *Gate) *Store {
	return &Store{gate: g}
}

// Write always fails. Durable memories are created only by Gate.Approve.
func (s *Store) Write(ctx context.Context, rec Record) error {
	return shared.PolicyError("memory.store.write", "direct memory writes are not allowed; propose and approve instead")
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	return s.gate.GetMemory(ctx, id)
}

func (s *Store) List(ctx context.Context, f RecordFilter) ([]Record, error) {
	return s.gate.ListMemories(ctx, f)
}

func (s *Store) Search(ctx context.Context, query string, topK int) ([]SearchHit, error) {
	return s.gate.Search(ctx, query, topK)
}
