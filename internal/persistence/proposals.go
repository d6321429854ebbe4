package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/gatekeep/internal/shared"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// MemoryProposal is a staged memory write awaiting review.
type MemoryProposal struct {
	ID                  string         `json:"proposal_id"`
	CreatedAt           time.Time      `json:"ts"`
	Domain              string         `json:"domain"`
	MemoryType          string         `json:"memory_type"`
	Content             string         `json:"content"`
	Source              string         `json:"source"`
	ExplicitUserRequest bool           `json:"explicit_user_request"`
	RiskFlags           []string       `json:"risk_flags"`
	Status              ProposalStatus `json:"status"`
	ReviewedAt          *time.Time     `json:"reviewed_ts,omitempty"`
	ReviewNotes         string         `json:"review_notes,omitempty"`
	MemoryID            string         `json:"memory_id,omitempty"`
}

// ProposalEvent is one status transition in a proposal's history.
type ProposalEvent struct {
	EventID    int64          `json:"event_id"`
	ProposalID string         `json:"proposal_id"`
	From       ProposalStatus `json:"status_from,omitempty"`
	To         ProposalStatus `json:"status_to"`
	Note       string         `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ProposalFilter struct {
	Status ProposalStatus
	Domain string
	Limit  int
}

// InsertProposal stores a new pending proposal and its creation event.
func (s *Store) InsertProposal(ctx context.Context, p MemoryProposal) error {
	flags := p.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal risk flags: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert proposal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_proposals
				(proposal_id, created_at, domain, memory_type, content, source, explicit_user_request, risk_flags, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending');
		`, p.ID, formatTime(p.CreatedAt), p.Domain, p.MemoryType, p.Content, p.Source,
			boolToInt(p.ExplicitUserRequest), string(flagsJSON)); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		if err := appendProposalEventTx(ctx, tx, p.ID, "", ProposalPending, "", p.CreatedAt); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert proposal tx: %w", err)
		}
		return nil
	})
}

const proposalColumns = `proposal_id, created_at, domain, memory_type, content, source,
	explicit_user_request, risk_flags, status, reviewed_at, review_notes, memory_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (MemoryProposal, error) {
	var p MemoryProposal
	var created, flags string
	var explicit int
	var reviewed, notes, memoryID sql.NullString
	if err := row.Scan(&p.ID, &created, &p.Domain, &p.MemoryType, &p.Content, &p.Source,
		&explicit, &flags, &p.Status, &reviewed, &notes, &memoryID); err != nil {
		return MemoryProposal{}, err
	}
	p.CreatedAt = parseTime(created)
	p.ExplicitUserRequest = explicit != 0
	p.RiskFlags = []string{}
	_ = json.Unmarshal([]byte(flags), &p.RiskFlags)
	if reviewed.Valid {
		t := parseTime(reviewed.String)
		p.ReviewedAt = &t
	}
	p.ReviewNotes = notes.String
	p.MemoryID = memoryID.String
	return p, nil
}

// GetProposal loads one proposal. Unknown ids return a not-found error.
func (s *Store) GetProposal(ctx context.Context, id string) (MemoryProposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM memory_proposals WHERE proposal_id = ?;`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryProposal{}, shared.NotFoundError("persistence.get_proposal", "proposal %s not found", id)
	}
	if err != nil {
		return MemoryProposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// ListProposals returns proposals matching f, oldest first.
func (s *Store) ListProposals(ctx context.Context, f ProposalFilter) ([]MemoryProposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM memory_proposals WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Domain != "" {
		q += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	q += ` ORDER BY created_at, proposal_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []MemoryProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApproveProposal moves a pending proposal to approved and appends rec to the
// durable memory store, atomically.
func (s *Store) ApproveProposal(ctx context.Context, id string, rec MemoryRecord, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := transitionProposalTx(ctx, tx, id, ProposalApproved, "", rec.ID, at); err != nil {
			return err
		}
		if err := insertMemoryRecordTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit approve tx: %w", err)
		}
		return nil
	})
}

// RejectProposal moves a pending proposal to rejected, recording notes.
func (s *Store) RejectProposal(ctx context.Context, id, notes string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reject tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := transitionProposalTx(ctx, tx, id, ProposalRejected, notes, "", at); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reject tx: %w", err)
		}
		return nil
	})
}

func transitionProposalTx(ctx context.Context, tx *sql.Tx, id string, to ProposalStatus, notes, memoryID string, at time.Time) error {
	var current ProposalStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM memory_proposals WHERE proposal_id = ?;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return shared.NotFoundError("persistence.transition_proposal", "proposal %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("read proposal status: %w", err)
	}
	if current != ProposalPending {
		return shared.ConflictError("persistence.transition_proposal", "proposal %s is %s, not pending", id, current)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE memory_proposals
		SET status = ?, reviewed_at = ?, review_notes = ?, memory_id = NULLIF(?, '')
		WHERE proposal_id = ? AND status = 'pending';
	`, string(to), formatTime(at), notes, memoryID, id)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return shared.ConflictError("persistence.transition_proposal", "proposal %s changed concurrently", id)
	}
	return appendProposalEventTx(ctx, tx, id, current, to, notes, at)
}

func appendProposalEventTx(ctx context.Context, tx *sql.Tx, id string, from, to ProposalStatus, note string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_proposal_events (proposal_id, status_from, status_to, note, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?);
	`, id, string(from), string(to), note, formatTime(at)); err != nil {
		return fmt.Errorf("append proposal event: %w", err)
	}
	return nil
}

// ListProposalEvents returns the status history of a proposal, oldest first.
func (s *Store) ListProposalEvents(ctx context.Context, id string) ([]ProposalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, proposal_id, COALESCE(status_from, ''), status_to, COALESCE(note, ''), created_at
		FROM memory_proposal_events WHERE proposal_id = ? ORDER BY event_id;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list proposal events: %w", err)
	}
	defer rows.Close()

	var out []ProposalEvent
	for rows.Next() {
		var ev ProposalEvent
		var created string
		if err := rows.Scan(&ev.EventID, &ev.ProposalID, &ev.From, &ev.To, &ev.Note, &created); err != nil {
			return nil, fmt.Errorf("scan proposal event: %w", err)
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
