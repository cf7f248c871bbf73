package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cm-v1-2026-10-02-session-queue"

	// v2 adds the audit_log table and last_error on queue rows.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cm-v2-2026-10-09-audit-last-error"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// DefaultMaxRetries is the automatic retry ceiling when Options leaves it unset.
	DefaultMaxRetries = 3

	// NoRetries in Options.MaxRetries fails an item on its first error.
	NoRetries = -1

	busyRetries = 5
)

var (
	ErrItemNotFound      = errors.New("queue item not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid queue item transition")
)

// Options configures a Store. The zero value is usable.
type Options struct {
	// MaxRetries is how many times a failed item goes back to pending before it
	// is marked failed for good. Zero means DefaultMaxRetries; any negative
	// value (see NoRetries) disables automatic retries.
	MaxRetries int
}

type Store struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".claude-mem", "claude-mem.db")
}

func Open(path string, opts Options) (*Store, error) {
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

	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	store := &Store{db: db, maxRetries: maxRetries, now: time.Now}
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

// MaxRetries reports the configured automatic retry ceiling.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
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
		// ±25% jitter.
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

// withTx runs f in a write transaction, retrying the whole transaction on
// SQLITE_BUSY. f must reset any captured results since it may run more than once.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
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

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL UNIQUE,
		project TEXT NOT NULL DEFAULT '',
		user_prompt TEXT NOT NULL DEFAULT '',
		prompt_counter INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed')),
		started_at_epoch INTEGER NOT NULL,
		completed_at_epoch INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK (kind IN ('observation', 'summarize')),
		payload_json TEXT NOT NULL,
		prompt_number INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'processed', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL,
		started_processing_at_epoch INTEGER,
		completed_at_epoch INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS queue_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '-',
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at_epoch INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		item_id INTEGER NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		subtitle TEXT NOT NULL DEFAULT '',
		narrative TEXT NOT NULL DEFAULT '',
		facts_json TEXT NOT NULL DEFAULT '[]',
		files_read_json TEXT NOT NULL DEFAULT '[]',
		files_modified_json TEXT NOT NULL DEFAULT '[]',
		prompt_number INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		item_id INTEGER NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL DEFAULT '',
		investigated TEXT NOT NULL DEFAULT '',
		learned TEXT NOT NULL DEFAULT '',
		completed TEXT NOT NULL DEFAULT '',
		next_steps TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		prompt_number INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL
	);`,
}

// v2 additions, applied on fresh databases and on upgrade from v1. The
// pending_messages.last_error column is added separately by ALTER TABLE.
var schemaStatementsV2 = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL DEFAULT '-',
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at_epoch INTEGER NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_pending_session_status ON pending_messages(session_id, status, id);`,
	`CREATE INDEX IF NOT EXISTS idx_pending_status_started ON pending_messages(status, started_processing_at_epoch);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_events_item ON queue_events(item_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_observations_project_time ON observations(project, created_at_epoch DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_project_time ON summaries(project, created_at_epoch DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(created_at_epoch DESC);`,
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
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	knownChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != knownChecksums[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, knownChecksums[maxVersion])
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	if maxVersion < schemaVersionV1 {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v1: %w", err)
			}
		}
	}
	if maxVersion < schemaVersionV2 {
		for _, stmt := range schemaStatementsV2 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v2: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `ALTER TABLE pending_messages ADD COLUMN last_error TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("add pending_messages.last_error: %w", err)
		}
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

func toEpoch(t time.Time) int64 {
	return t.UnixMilli()
}

func fromEpoch(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Int64)
	return &t
}
