package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a periodic job entry, used for the ≈4h consolidation batch
// (§4.H trigger (c)).
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Channel   *string
	LastRunAt *time.Time
	NextRunAt time.Time
}

// UpsertSchedule creates or updates a named schedule.
func (s *Store) UpsertSchedule(ctx context.Context, name, cronExpr string, channel *string, nextRunAt time.Time) (string, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM schedules WHERE name = ?`, name).Scan(&existingID)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `UPDATE schedules SET cron_expr = ?, channel = ?, next_run_at = ? WHERE id = ?`, cronExpr, channel, nextRunAt, existingID)
		if err != nil {
			return "", fmt.Errorf("update schedule %s: %w", name, err)
		}
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup schedule %s: %w", name, err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, channel, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, NULL, ?)
	`, id, name, cronExpr, channel, nextRunAt)
	if err != nil {
		return "", fmt.Errorf("insert schedule %s: %w", name, err)
	}
	return id, nil
}

// DueSchedules returns schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, channel, last_run_at, next_run_at
		FROM schedules WHERE next_run_at <= ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var (
			sched     Schedule
			channel   sql.NullString
			lastRunAt sql.NullTime
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &channel, &lastRunAt, &sched.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if channel.Valid {
			sched.Channel = &channel.String
		}
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a fired schedule's run timestamps.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run %s: %w", id, err)
	}
	return nil
}
