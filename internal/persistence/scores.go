package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultScoreValue is the neutral score written on first access.
const DefaultScoreValue = 0.5

type ConfidenceScore struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfidenceEvent is one row of the append-only confidence journal.
type ConfidenceEvent struct {
	EventID    int64          `json:"event_id"`
	Key        string         `json:"key"`
	EventType  string         `json:"event_type"`
	Weight     float64        `json:"weight"`
	OccurredAt time.Time      `json:"occurred_at"`
	Meta       map[string]any `json:"meta"`
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// GetScore returns the score for key, durably inserting the default
// (0.5, 0 samples) stamped at now when the key has never been seen.
func (s *Store) GetScore(ctx context.Context, key string, now time.Time) (ConfidenceScore, error) {
	var score ConfidenceScore
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO confidence_scores (key, value, samples, updated_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(key) DO NOTHING;
		`, key, DefaultScoreValue, formatTime(now)); err != nil {
			return fmt.Errorf("insert default score: %w", err)
		}
		got, err := s.readScore(ctx, s.db.QueryRowContext, key)
		if err != nil {
			return err
		}
		score = got
		return nil
	})
	return score, err
}

// UpdateScore writes value (clamped to [0,1]) for key stamped at now,
// increments samples and, when ev is non-nil, appends ev to the journal in
// the same transaction.
func (s *Store) UpdateScore(ctx context.Context, key string, value float64, now time.Time, ev *ConfidenceEvent) (ConfidenceScore, error) {
	var score ConfidenceScore
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update score tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO confidence_scores (key, value, samples, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				samples = confidence_scores.samples + 1,
				updated_at = excluded.updated_at;
		`, key, clamp01(value), formatTime(now)); err != nil {
			return fmt.Errorf("upsert score: %w", err)
		}

		if ev != nil {
			meta := ev.Meta
			if meta == nil {
				meta = map[string]any{}
			}
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("marshal event meta: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO confidence_events (key, event_type, weight, occurred_at, meta)
				VALUES (?, ?, ?, ?, ?);
			`, key, ev.EventType, ev.Weight, formatTime(ev.OccurredAt), string(metaJSON)); err != nil {
				return fmt.Errorf("append confidence event: %w", err)
			}
		}

		got, err := s.readScore(ctx, tx.QueryRowContext, key)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update score tx: %w", err)
		}
		score = got
		return nil
	})
	return score, err
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func (s *Store) readScore(ctx context.Context, query rowQuerier, key string) (ConfidenceScore, error) {
	var score ConfidenceScore
	var updated string
	err := query(ctx, `
		SELECT key, value, samples, updated_at FROM confidence_scores WHERE key = ?;
	`, key).Scan(&score.Key, &score.Value, &score.Samples, &updated)
	if err != nil {
		return ConfidenceScore{}, fmt.Errorf("read score %q: %w", key, err)
	}
	score.UpdatedAt = parseTime(updated)
	return score, nil
}

// ListScores returns scores whose key starts with prefix, ordered by key.
func (s *Store) ListScores(ctx context.Context, prefix string) ([]ConfidenceScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, samples, updated_at FROM confidence_scores
		WHERE substr(key, 1, ?) = ?
		ORDER BY key;
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var out []ConfidenceScore
	for rows.Next() {
		var sc ConfidenceScore
		var updated string
		if err := rows.Scan(&sc.Key, &sc.Value, &sc.Samples, &updated); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		sc.UpdatedAt = parseTime(updated)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListConfidenceEvents returns the journal for key, oldest first. limit <= 0
// returns everything.
func (s *Store) ListConfidenceEvents(ctx context.Context, key string, limit int) ([]ConfidenceEvent, error) {
	q := `SELECT event_id, key, event_type, weight, occurred_at, meta FROM confidence_events WHERE key = ? ORDER BY event_id`
	args := []any{key}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list confidence events: %w", err)
	}
	defer rows.Close()

	var out []ConfidenceEvent
	for rows.Next() {
		var ev ConfidenceEvent
		var occurred, meta string
		if err := rows.Scan(&ev.EventID, &ev.Key, &ev.EventType, &ev.Weight, &occurred, &meta); err != nil {
			return nil, fmt.Errorf("scan confidence event: %w", err)
		}
		ev.OccurredAt = parseTime(occurred)
		ev.Meta = map[string]any{}
		if strings.TrimSpace(meta) != "" {
			_ = json.Unmarshal([]byte(meta), &ev.Meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
