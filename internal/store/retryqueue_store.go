package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetryItemStatus enumerates the Retry Queue's row lifecycle (§4.J):
// pending, processing, completed, or dead-lettered.
type RetryItemStatus string

const (
	RetryStatusPending    RetryItemStatus = "pending"
	RetryStatusProcessing RetryItemStatus = "processing"
	RetryStatusCompleted  RetryItemStatus = "completed"
	RetryStatusFailed     RetryItemStatus = "failed"
)

// RetryQueueItem is a durable unit of best-effort sync work (§3).
type RetryQueueItem struct {
	ID          string
	Action      string
	TargetID    *string
	Payload     map[string]any
	Status      RetryItemStatus
	Attempts    int
	MaxAttempts int
	LastError   *string
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// EnqueueRetryItem inserts a new pending row. Per §4.J "Enqueue operations
// are fire-and-forget and must never throw to the caller" — callers in
// internal/retryqueue swallow this error after logging it.
func (s *Store) EnqueueRetryItem(ctx context.Context, action string, targetID *string, payload map[string]any, maxAttempts int) (string, error) {
	id := uuid.NewString()
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal retry payload: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plane_sync_queue (id, action, target_id, payload_json, status, attempts, max_attempts, last_error, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, NULL, ?, ?)
	`, id, action, targetID, string(payloadJSON), string(RetryStatusPending), maxAttempts, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue retry item: %w", err)
	}
	return id, nil
}

// ClaimDueRetryItems claims up to limit rows whose next_retry_at has
// passed, simulating `SELECT ... FOR UPDATE SKIP LOCKED` with a
// single-writer transaction: rows are claimed (flipped to processing) in
// the same transaction that selected them, so a second concurrent worker
// sees none of them (§4.J.1-2, §5 "concurrent workers never claim the
// same row").
func (s *Store) ClaimDueRetryItems(ctx context.Context, limit int) ([]RetryQueueItem, error) {
	if limit <= 0 {
		limit = 10
	}
	var claimed []RetryQueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, action, target_id, payload_json, status, attempts, max_attempts, last_error, next_retry_at, created_at
			FROM plane_sync_queue
			WHERE status IN (?, ?) AND next_retry_at <= ?
			ORDER BY next_retry_at ASC LIMIT ?
		`, string(RetryStatusPending), string(RetryStatusProcessing), time.Now().UTC(), limit)
		if err != nil {
			return fmt.Errorf("query due retry items: %w", err)
		}
		var ids []string
		for rows.Next() {
			item, err := scanRetryItem(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, item)
			ids = append(ids, item.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE plane_sync_queue SET status = ?, attempts = attempts + 1 WHERE id = ?`, string(RetryStatusProcessing), id); err != nil {
				return fmt.Errorf("claim retry item %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Attempts++
		claimed[i].Status = RetryStatusProcessing
	}
	return claimed, nil
}

// CompleteRetryItem marks a row completed (§4.J.3).
func (s *Store) CompleteRetryItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE plane_sync_queue SET status = ?, last_error = NULL WHERE id = ?`, string(RetryStatusCompleted), id)
	if err != nil {
		return fmt.Errorf("complete retry item %s: %w", id, err)
	}
	return nil
}

// FailRetryItem applies the §4.J.4 failure branch: dead-letter if attempts
// have been exhausted, otherwise reschedule with exponential backoff.
func (s *Store) FailRetryItem(ctx context.Context, id string, attempts, maxAttempts int, errMsg string, nextRetryAt time.Time) error {
	status := RetryStatusPending
	if attempts >= maxAttempts {
		status = RetryStatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE plane_sync_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?
	`, string(status), errMsg, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("fail retry item %s: %w", id, err)
	}
	return nil
}

// PurgeCompletedRetryItems deletes completed rows older than olderThan
// (§4.J.5 periodic purge).
func (s *Store) PurgeCompletedRetryItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM plane_sync_queue WHERE status = ? AND created_at < ?`, string(RetryStatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed retry items: %w", err)
	}
	return res.RowsAffected()
}

func scanRetryItem(rows *sql.Rows) (RetryQueueItem, error) {
	var (
		item        RetryQueueItem
		targetID    sql.NullString
		status      string
		lastErr     sql.NullString
		payloadJSON string
	)
	if err := rows.Scan(&item.ID, &item.Action, &targetID, &payloadJSON, &status, &item.Attempts, &item.MaxAttempts, &lastErr, &item.NextRetryAt, &item.CreatedAt); err != nil {
		return item, fmt.Errorf("scan retry item: %w", err)
	}
	item.Status = RetryItemStatus(status)
	if targetID.Valid {
		item.TargetID = &targetID.String
	}
	if lastErr.Valid {
		item.LastError = &lastErr.String
	}
	item.Payload = map[string]any{}
	_ = json.Unmarshal([]byte(payloadJSON), &item.Payload)
	return item, nil
}
