// Package store is the relational persistence layer: messages,
// conversations, memory records, agent sessions, the retry queue, and
// consolidation schedules. It is a thin database/sql layer over SQLite,
// simulating Postgres's `SELECT ... FOR UPDATE SKIP LOCKED` with a
// single-writer connection pool and transactional claim-with-retry.
package store

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

	"github.com/relaycore/relaycore/internal/bus"
)

const (
	schemaVersionLatest = 1

	createTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	channel TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	conversation_id TEXT,
	summarized INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	delivery_status TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_summarized ON messages(channel, summarized, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	message_count INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS memory (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	source_agent TEXT NOT NULL,
	visibility TEXT NOT NULL,
	deadline DATETIME,
	completed_at DATETIME,
	conversation_id TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	created_at DATETIME NOT NULL,
	last_corroborated_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_memory_type ON memory(type);
CREATE INDEX IF NOT EXISTS idx_memory_source_agent ON memory(source_agent);

CREATE TABLE IF NOT EXISTS agent_sessions (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	agent TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	state TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_channel_state ON agent_sessions(channel, state);

CREATE TABLE IF NOT EXISTS plane_sync_queue (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	target_id TEXT,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	last_error TEXT,
	next_retry_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plane_sync_status_retry ON plane_sync_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS execution_plans (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	status TEXT NOT NULL,
	steps_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	channel TEXT,
	last_run_at DATETIME,
	next_run_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`
)

// ErrTransient signals a retryable storage error (e.g. SQLITE_BUSY) the
// caller should retry within its own operation.
var ErrTransient = errors.New("store: transient error")

// Store wraps the SQLite connection and the event bus used to publish
// durable state-change notifications.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the default SQLite path under a relaycore home dir.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "relaycore.db")
}

// Open opens (and migrates) the SQLite-backed store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite has no real concurrent writers; simulate Postgres single-row
	// claim semantics with a single connection and transactional retry.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, bus: eventBus}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries fn on SQLITE_BUSY with bounded jitter, the usual
// discipline around single-writer SQLite claim transactions.
func retryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(5+rand.IntN(20)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busy") ||
		strings.Contains(strings.ToLower(err.Error()), "locked")
}
