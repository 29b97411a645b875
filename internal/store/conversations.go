package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation groups a contiguous block of same-channel messages (§3).
type Conversation struct {
	ID           string
	Channel      string
	StartedAt    time.Time
	EndedAt      *time.Time
	MessageCount int
	Summary      *string
	Metadata     map[string]any
}

// InsertConversation creates a new conversation row (§4.H.3.a).
func (s *Store) InsertConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal conversation metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel, started_at, ended_at, message_count, summary, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Channel, c.StartedAt, c.EndedAt, c.MessageCount, c.Summary, string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return c.ID, nil
}

// DeleteConversation removes a conversation row. Used only on consolidation
// rollback (§4.H.3.d) — conversations are otherwise terminal and never
// deleted once successfully summarized.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// SetConversationSummary writes the generated summary (§4.H.3.e).
func (s *Store) SetConversationSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("set conversation summary: %w", err)
	}
	return nil
}

// ActiveConversation returns the most recently started, not-yet-ended
// conversation for a channel, or nil if none exists. Used by the Response
// Pipeline's "get or create active conversation for channel" helper and by
// the `/api/conversation/context` HTTP surface.
func (s *Store) ActiveConversation(ctx context.Context, channel string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, started_at, ended_at, message_count, summary, metadata_json
		FROM conversations WHERE channel = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, channel)
	return scanConversation(row)
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, started_at, ended_at, message_count, summary, metadata_json
		FROM conversations WHERE id = ?
	`, id)
	return scanConversation(row)
}

// CloseConversation marks a conversation ended (`/api/conversation/close`).
func (s *Store) CloseConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("close conversation %s: %w", id, err)
	}
	return nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c        Conversation
		ended    sql.NullTime
		summary  sql.NullString
		metaJSON string
	)
	if err := row.Scan(&c.ID, &c.Channel, &c.StartedAt, &ended, &c.MessageCount, &summary, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if ended.Valid {
		c.EndedAt = &ended.Time
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	c.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return &c, nil
}
