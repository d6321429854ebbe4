package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migration is one forward-only schema step. Checksums are recorded in
// schema_migrations and verified on every open.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "gk-v1-2026-09-01-gate-core",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS confidence_scores (
				key TEXT PRIMARY KEY,
				value REAL NOT NULL CHECK(value >= 0.0 AND value <= 1.0),
				samples INTEGER NOT NULL DEFAULT 0 CHECK(samples >= 0),
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS confidence_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				key TEXT NOT NULL,
				event_type TEXT NOT NULL,
				weight REAL NOT NULL CHECK(weight >= 0.0),
				occurred_at TEXT NOT NULL,
				meta TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE TRIGGER IF NOT EXISTS trg_confidence_events_no_update
				BEFORE UPDATE ON confidence_events
				BEGIN SELECT RAISE(ABORT, 'confidence_events is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS trg_confidence_events_no_delete
				BEFORE DELETE ON confidence_events
				BEGIN SELECT RAISE(ABORT, 'confidence_events is append-only'); END;`,
			`CREATE TABLE IF NOT EXISTS memory_proposals (
				proposal_id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				domain TEXT NOT NULL,
				memory_type TEXT NOT NULL,
				content TEXT NOT NULL,
				source TEXT NOT NULL,
				explicit_user_request INTEGER NOT NULL DEFAULT 0,
				risk_flags TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'rejected')),
				reviewed_at TEXT,
				review_notes TEXT,
				memory_id TEXT
			);`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_proposals_terminal
				BEFORE UPDATE ON memory_proposals
				WHEN OLD.status <> 'pending'
				BEGIN SELECT RAISE(ABORT, 'memory proposal already resolved'); END;`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_proposals_frozen_content
				BEFORE UPDATE OF content, memory_type, source, domain, explicit_user_request ON memory_proposals
				BEGIN SELECT RAISE(ABORT, 'memory proposal content is immutable'); END;`,
			`CREATE TABLE IF NOT EXISTS memory_records (
				memory_id TEXT PRIMARY KEY,
				proposal_id TEXT NOT NULL UNIQUE REFERENCES memory_proposals(proposal_id),
				created_at TEXT NOT NULL,
				domain TEXT NOT NULL,
				memory_type TEXT NOT NULL,
				content TEXT NOT NULL,
				source TEXT NOT NULL
			);`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_records_require_approval
				BEFORE INSERT ON memory_records
				WHEN NOT EXISTS (
					SELECT 1 FROM memory_proposals
					WHERE proposal_id = NEW.proposal_id AND status = 'approved'
				)
				BEGIN SELECT RAISE(ABORT, 'memory_records requires an approved proposal'); END;`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_records_no_update
				BEFORE UPDATE ON memory_records
				BEGIN SELECT RAISE(ABORT, 'memory_records is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_records_no_delete
				BEFORE DELETE ON memory_records
				BEGIN SELECT RAISE(ABORT, 'memory_records is append-only'); END;`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id TEXT,
				subject TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT,
				policy_version TEXT,
				detail TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS policy_versions (
				policy_version TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_confidence_events_key ON confidence_events(key, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_memory_proposals_status ON memory_proposals(status, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_memory_records_domain ON memory_records(domain, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_request ON audit_log(request_id);`,
		},
	},
	{
		version:  2,
		checksum: "gk-v2-2026-09-20-proposal-history",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS memory_proposal_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				proposal_id TEXT NOT NULL REFERENCES memory_proposals(proposal_id),
				status_from TEXT,
				status_to TEXT NOT NULL,
				note TEXT,
				created_at TEXT NOT NULL
			);`,
			`CREATE TRIGGER IF NOT EXISTS trg_memory_proposal_events_no_update
				BEFORE UPDATE ON memory_proposal_events
				BEGIN SELECT RAISE(ABORT, 'memory_proposal_events is append-only'); END;`,
			`CREATE INDEX IF NOT EXISTS idx_memory_proposal_events_proposal ON memory_proposal_events(proposal_id, event_id);`,
		},
	},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Store owns the gate's SQLite database. A single connection serialises
// writers inside the process; callers still hold their own mutexes around
// read-modify-write sequences.
type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves $GATEKEEP_HOME/gatekeep.db, falling back to ~/.gatekeep.
func DefaultDBPath() string {
	if home := strings.TrimSpace(os.Getenv("GATEKEEP_HOME")); home != "" {
		return filepath.Join(home, "gatekeep.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gatekeep", "gatekeep.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > latestSchemaVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing)
			if err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// RecordPolicyVersion persists a policy version snapshot.
func (s *Store) RecordPolicyVersion(ctx context.Context, policyVersion, checksum, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (policy_version, checksum, loaded_at, source)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(policy_version) DO UPDATE SET loaded_at = CURRENT_TIMESTAMP, source = excluded.source;
	`, policyVersion, checksum, source)
	if err != nil {
		return fmt.Errorf("record policy version: %w", err)
	}
	return nil
}

// Backup writes an online-consistent copy of the database via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

const storeTimeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(storeTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
