package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionPlan is a persisted multi-step Response Pipeline run (§4.G
// "multi-step" execution mode), persisted for restart-safe status
// reporting across process restarts.
type ExecutionPlan struct {
	ID          string
	Channel     string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Steps       []ExecutionPlanStep
}

// ExecutionPlanStep records one step's outcome within a plan.
type ExecutionPlanStep struct {
	ID     string `json:"id"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// InsertExecutionPlan persists a new multi-step run.
func (s *Store) InsertExecutionPlan(ctx context.Context, channel string, steps []ExecutionPlanStep) (string, error) {
	id := uuid.NewString()
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal plan steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_plans (id, channel, started_at, completed_at, status, steps_json)
		VALUES (?, ?, ?, NULL, 'running', ?)
	`, id, channel, time.Now().UTC(), string(stepsJSON))
	if err != nil {
		return "", fmt.Errorf("insert execution plan: %w", err)
	}
	return id, nil
}

// CompleteExecutionPlan records the final status and per-step outcomes.
func (s *Store) CompleteExecutionPlan(ctx context.Context, id, status string, steps []ExecutionPlanStep) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal plan steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_plans SET completed_at = ?, status = ?, steps_json = ? WHERE id = ?
	`, time.Now().UTC(), status, string(stepsJSON), id)
	if err != nil {
		return fmt.Errorf("complete execution plan %s: %w", id, err)
	}
	return nil
}
