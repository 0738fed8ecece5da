// Package persistence is the durable backbone of the fabric: session
// lock leases, logical turns, idempotency entries, artifacts, side-effect
// records, accumulation hints, and the append-only fabric event log, all
// in one sqlite database. Every shared mutation in the fabric goes
// through this package; the in-memory components above it hold no state
// that cannot be reconstructed from here.
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

	"github.com/basket/turnfabric/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tf-v1-2026-08-21-fabric-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the sqlite database. It also publishes fabric events on the
// in-process bus as they are appended, so live subscribers and the durable
// log observe the same stream.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the fallback database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnfabric", "fabric.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
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

	store := &Store{db: db, bus: eventBus}
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

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
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
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
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

	var version int
	var checksum string
	err = tx.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations
		ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	switch {
	case err == sql.ErrNoRows:
		if err := createSchemaV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema ledger: %w", err)
	case version == schemaVersionLatest && checksum != schemaChecksumLatest:
		// Refuse to run against a database written by a divergent build.
		return fmt.Errorf("schema v%d checksum mismatch: have %q, want %q",
			version, checksum, schemaChecksumLatest)
	case version > schemaVersionLatest:
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)",
			version, schemaVersionLatest)
	}

	return tx.Commit()
}

func createSchemaV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_locks (
			session_key TEXT PRIMARY KEY,
			holder_token TEXT NOT NULL,
			acquired_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logical_turns (
			id TEXT PRIMARY KEY,
			turn_group_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('ACCUMULATING','PROCESSING','COMPLETE','SUPERSEDED')),
			completion_reason TEXT NOT NULL DEFAULT '',
			first_at DATETIME NOT NULL,
			last_at DATETIME NOT NULL,
			superseded_by TEXT NOT NULL DEFAULT '',
			superseded_from TEXT NOT NULL DEFAULT '',
			irreversible_effect_at DATETIME,
			response TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON logical_turns(session_key, status);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_group ON logical_turns(turn_group_id);`,
		`CREATE TABLE IF NOT EXISTS turn_messages (
			turn_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			received_at DATETIME NOT NULL,
			PRIMARY KEY (turn_id, seq)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turn_messages_id ON turn_messages(turn_id, message_id);`,
		`CREATE TABLE IF NOT EXISTS idempotency_entries (
			layer TEXT NOT NULL,
			key TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('PENDING','DONE')),
			payload TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (layer, key)
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			turn_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			payload BLOB,
			input_fingerprint TEXT NOT NULL,
			dependency_fingerprint TEXT NOT NULL,
			reuse_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (turn_id, stage_id)
		);`,
		`CREATE TABLE IF NOT EXISTS side_effects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			business_key TEXT NOT NULL,
			policy TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			executed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_side_effects_turn ON side_effects(turn_id);`,
		`CREATE TABLE IF NOT EXISTS fabric_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			logical_turn_id TEXT NOT NULL DEFAULT '',
			session_key TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fabric_events_session ON fabric_events(session_key, event_id);`,
		`CREATE TABLE IF NOT EXISTS accumulation_hints (
			session_key TEXT PRIMARY KEY,
			expect_reply INTEGER NOT NULL DEFAULT 0,
			window_scale REAL NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decision_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			logical_turn_id TEXT NOT NULL DEFAULT '',
			turn_group_id TEXT NOT NULL DEFAULT '',
			session_key TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
