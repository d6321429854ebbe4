package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/gatekeep/internal/shared"
)

// MemoryRecord is a durable, append-only memory created by approving a proposal.
type MemoryRecord struct {
	ID         string    `json:"memory_id"`
	ProposalID string    `json:"proposal_id"`
	CreatedAt  time.Time `json:"ts"`
	Domain     string    `json:"domain"`
	MemoryType string    `json:"memory_type"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
}

type MemoryFilter struct {
	Domain     string
	MemoryType string
	Limit      int
}

// AppendMemoryRecord inserts rec outside the approval transaction. The schema
// refuses the row unless rec.ProposalID names an approved proposal without a
// record, so this only succeeds for repair of an interrupted approval.
func (s *Store) AppendMemoryRecord(ctx context.Context, rec MemoryRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append memory tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertMemoryRecordTx(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertMemoryRecordTx(ctx context.Context, tx *sql.Tx, rec MemoryRecord) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_records (memory_id, proposal_id, created_at, domain, memory_type, content, source)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.ID, rec.ProposalID, formatTime(rec.CreatedAt), rec.Domain, rec.MemoryType, rec.Content, rec.Source); err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

const memoryColumns = `memory_id, proposal_id, created_at, domain, memory_type, content, source`

func scanMemoryRecord(row scanner) (MemoryRecord, error) {
	var m MemoryRecord
	var created string
	if err := row.Scan(&m.ID, &m.ProposalID, &created, &m.Domain, &m.MemoryType, &m.Content, &m.Source); err != nil {
		return MemoryRecord{}, err
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}

// GetMemoryRecord loads one durable memory by id.
func (s *Store) GetMemoryRecord(ctx context.Context, id string) (MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE memory_id = ?;`, id)
	m, err := scanMemoryRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRecord{}, shared.NotFoundError("persistence.get_memory", "memory %s not found", id)
	}
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// ListMemoryRecords returns durable memories matching f, newest first.
func (s *Store) ListMemoryRecords(ctx context.Context, f MemoryFilter) ([]MemoryRecord, error) {
	q := `SELECT ` + memoryColumns + ` FROM memory_records WHERE 1=1`
	var args []any
	if f.Domain != "" {
		q += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	if f.MemoryType != "" {
		q += ` AND memory_type = ?`
		args = append(args, f.MemoryType)
	}
	q += ` ORDER BY created_at DESC, memory_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
