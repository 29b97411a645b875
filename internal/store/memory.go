package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryType enumerates the kinds of memory rows the system writes.
type MemoryType string

const (
	MemoryTypeFact          MemoryType = "fact"
	MemoryTypeGoal          MemoryType = "goal"
	MemoryTypeActionItem    MemoryType = "action_item"
	MemoryTypeSummary       MemoryType = "summary"
	MemoryTypeCompletedGoal MemoryType = "completed_goal"
)

// Visibility enumerates memory visibility scopes with a monotonic upgrade
// order: private < shared < global (§4.I).
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityGlobal  Visibility = "global"
)

// VisibilityRank returns the upgrade order of a visibility value.
func VisibilityRank(v Visibility) int {
	switch v {
	case VisibilityPrivate:
		return 0
	case VisibilityShared:
		return 1
	case VisibilityGlobal:
		return 2
	}
	return 0
}

// MemoryRecord is a fact, goal, action item, or summary persisted by the
// Consolidator or the Response Pipeline's tag extraction (§3).
type MemoryRecord struct {
	ID                 string
	Type               MemoryType
	Content            string
	SourceAgent        string
	Visibility         Visibility
	Deadline           *time.Time
	CompletedAt        *time.Time
	ConversationID     *string
	Metadata           map[string]any
	HasEmbedding       bool
	CreatedAt          time.Time
	LastCorroboratedAt *time.Time
}

// InsertMemory inserts a brand-new memory row with embedding left unset so
// the externally-owned embedding pipeline regenerates it (§4.I.4).
func (s *Store) InsertMemory(ctx context.Context, m MemoryRecord) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal memory metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory (id, type, content, source_agent, visibility, deadline, completed_at, conversation_id, metadata_json, embedding, created_at, last_corroborated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, m.ID, string(m.Type), m.Content, m.SourceAgent, string(m.Visibility), m.Deadline, m.CompletedAt, m.ConversationID, string(metaJSON), m.CreatedAt, m.LastCorroboratedAt)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return m.ID, nil
}

// GetMemory fetches a memory row by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, source_agent, visibility, deadline, completed_at, conversation_id, metadata_json, embedding IS NOT NULL, created_at, last_corroborated_at
		FROM memory WHERE id = ?
	`, id)
	return scanMemory(row)
}

// CandidateMemoriesByType returns recent memory rows of a given type, the
// pool the Dedup Memory Store's similarity search restricts to (§4.I.1).
// The real system delegates that restriction to an external similarity
// search function (see internal/memstore.Searcher); this lists the raw
// candidate pool when no search backend is configured.
func (s *Store) CandidateMemoriesByType(ctx context.Context, memType MemoryType, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, source_agent, visibility, deadline, completed_at, conversation_id, metadata_json, embedding IS NOT NULL, created_at, last_corroborated_at
		FROM memory WHERE type = ? ORDER BY created_at DESC LIMIT ?
	`, string(memType), limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate memories: %w", err)
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveGoals returns memory rows of type goal with no completed_at,
// optionally filtered to a preferred source agent first — input to the
// [DONE: search] tie-breaker in internal/tagx (spec §9 open question:
// newest-first when multiple goals match).
func (s *Store) ActiveGoals(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, source_agent, visibility, deadline, completed_at, conversation_id, metadata_json, embedding IS NOT NULL, created_at, last_corroborated_at
		FROM memory WHERE type = ? AND completed_at IS NULL ORDER BY created_at DESC
	`, string(MemoryTypeGoal))
	if err != nil {
		return nil, fmt.Errorf("query active goals: %w", err)
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompleteGoal marks a goal memory completed (`[DONE: search]` resolution).
func (s *Store) CompleteGoal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory SET type = ?, completed_at = ? WHERE id = ?`, string(MemoryTypeCompletedGoal), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete goal %s: %w", id, err)
	}
	return nil
}

// MergeUpdate applies a merge resolution: metadata, content (conditionally),
// visibility (monotonically), corroboration bookkeeping, and embedding
// invalidation when content changes (§4.I.3 merge).
type MergeUpdate struct {
	NewContent     *string // nil if content unchanged
	Visibility     Visibility
	Metadata       map[string]any
	CorroboratedAt time.Time
}

func (s *Store) ApplyMerge(ctx context.Context, id string, upd MergeUpdate) error {
	metaJSON, err := json.Marshal(upd.Metadata)
	if err != nil {
		return fmt.Errorf("marshal merge metadata: %w", err)
	}
	if upd.NewContent != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE memory SET content = ?, visibility = ?, metadata_json = ?, embedding = NULL, last_corroborated_at = ?
			WHERE id = ?
		`, *upd.NewContent, string(upd.Visibility), string(metaJSON), upd.CorroboratedAt, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE memory SET visibility = ?, metadata_json = ?, last_corroborated_at = ?
			WHERE id = ?
		`, string(upd.Visibility), string(metaJSON), upd.CorroboratedAt, id)
	}
	if err != nil {
		return fmt.Errorf("apply merge to memory %s: %w", id, err)
	}
	return nil
}

// FlagForReview applies the flag_for_user resolution (§4.I.3).
func (s *Store) FlagForReview(ctx context.Context, id string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal flag metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE memory SET metadata_json = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return fmt.Errorf("flag memory %s for review: %w", id, err)
	}
	return nil
}

func scanMemory(row *sql.Row) (*MemoryRecord, error) {
	var (
		m            MemoryRecord
		typ, vis     string
		deadline     sql.NullTime
		completedAt  sql.NullTime
		convID       sql.NullString
		metaJSON     string
		hasEmbedding bool
		lastCorrob   sql.NullTime
	)
	if err := row.Scan(&m.ID, &typ, &m.Content, &m.SourceAgent, &vis, &deadline, &completedAt, &convID, &metaJSON, &hasEmbedding, &m.CreatedAt, &lastCorrob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	m.Type = MemoryType(typ)
	m.Visibility = Visibility(vis)
	m.HasEmbedding = hasEmbedding
	if deadline.Valid {
		m.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}
	if convID.Valid {
		m.ConversationID = &convID.String
	}
	if lastCorrob.Valid {
		m.LastCorroboratedAt = &lastCorrob.Time
	}
	m.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (MemoryRecord, error) {
	var (
		m            MemoryRecord
		typ, vis     string
		deadline     sql.NullTime
		completedAt  sql.NullTime
		convID       sql.NullString
		metaJSON     string
		hasEmbedding bool
		lastCorrob   sql.NullTime
	)
	if err := rows.Scan(&m.ID, &typ, &m.Content, &m.SourceAgent, &vis, &deadline, &completedAt, &convID, &metaJSON, &hasEmbedding, &m.CreatedAt, &lastCorrob); err != nil {
		return m, fmt.Errorf("scan memory row: %w", err)
	}
	m.Type = MemoryType(typ)
	m.Visibility = Visibility(vis)
	m.HasEmbedding = hasEmbedding
	if deadline.Valid {
		m.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}
	if convID.Valid {
		m.ConversationID = &convID.String
	}
	if lastCorrob.Valid {
		m.LastCorroboratedAt = &lastCorrob.Time
	}
	m.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return m, nil
}
