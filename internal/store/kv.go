package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KVGet reads a small persisted key/value pair, used for the model session
// id file equivalent and other single-value state (§6 "File/state on
// disk"). Returns ("", false, nil) if absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

// KVSet upserts a key/value pair.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}
