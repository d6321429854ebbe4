package persistence

import (
	"context"
	"fmt"
	"time"
)

type AuditRow struct {
	ID            int64     `json:"audit_id"`
	RequestID     string    `json:"request_id"`
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) InsertAuditRow(ctx context.Context, r AuditRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (request_id, subject, action, decision, reason, policy_version, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.RequestID, r.Subject, r.Action, r.Decision, r.Reason, r.PolicyVersion, r.Detail)
		if err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
		return nil
	})
}

// ListAuditRows returns the most recent audit rows, newest first.
func (s *Store) ListAuditRows(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(request_id, ''), COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), COALESCE(policy_version, ''), COALESCE(detail, ''), created_at
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Subject, &r.Action, &r.Decision,
			&r.Reason, &r.PolicyVersion, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
