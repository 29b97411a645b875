package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role enumerates message authorship.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one user/assistant/system turn. Immutable except for the
// summarized flag and conversation_id, both flipped exactly once by the
// consolidator (see internal/consolidator).
type Message struct {
	ID             string
	Role           Role
	Content        string
	Channel        string
	CreatedAt      time.Time
	ConversationID *string
	Summarized     bool
	Metadata       map[string]any
	DeliveryStatus *string
}

// InsertMessage creates a new message row and returns its id.
func (s *Store) InsertMessage(ctx context.Context, m Message) (string, error) {
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
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, role, content, channel, created_at, conversation_id, summarized, metadata_json, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Role), m.Content, m.Channel, m.CreatedAt, m.ConversationID, boolToInt(m.Summarized), string(metaJSON), m.DeliveryStatus)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return m.ID, nil
}

// UnsummarizedMessages fetches up to limit messages with summarized=false,
// ordered by created_at, optionally filtered to one channel (per §4.H.1).
func (s *Store) UnsummarizedMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, role, content, channel, created_at, conversation_id, summarized, metadata_json, delivery_status
		FROM messages WHERE summarized = 0`
	args := []any{}
	if channel != "" {
		query += " AND channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unsummarized messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m          Message
			role       string
			convID     sql.NullString
			summarized int
			metaJSON   string
			delivery   sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Channel, &m.CreatedAt, &convID, &summarized, &metaJSON, &delivery); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Summarized = summarized != 0
		if convID.Valid {
			v := convID.String
			m.ConversationID = &v
		}
		if delivery.Valid {
			v := delivery.String
			m.DeliveryStatus = &v
		}
		m.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AssignConversation sets conversation_id on a batch of messages without
// flipping summarized — step (b) of the Consolidator algorithm, kept
// separate from MarkSummarized so a failed block can be rolled back by
// clearing conversation_id alone.
func (s *Store) AssignConversation(ctx context.Context, messageIDs []string, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET conversation_id = ? WHERE id = ?`, conversationID, id); err != nil {
				return fmt.Errorf("assign conversation to message %s: %w", id, err)
			}
		}
		return nil
	})
}

// ClearConversation rolls back AssignConversation (§4.H.3.d rollback path).
func (s *Store) ClearConversation(ctx context.Context, messageIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET conversation_id = NULL WHERE id = ?`, id); err != nil {
				return fmt.Errorf("clear conversation on message %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkSummarized sets summarized=true on a batch of messages. Invariant:
// the caller must only call this after the consolidator's model call and
// JSON extraction both succeed (§3 invariants, §9 design notes).
func (s *Store) MarkSummarized(ctx context.Context, messageIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET summarized = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark summarized %s: %w", id, err)
			}
		}
		return nil
	})
}

// SetDeliveryStatus merges a delivery record into the message's metadata
// and delivery_status column (§4.C: "Emit a single persisted delivery
// record merged into the originating message's metadata").
func (s *Store) SetDeliveryStatus(ctx context.Context, messageID, status string, extra map[string]any) error {
	var metaJSON string
	if err := s.db.QueryRowContext(ctx, `SELECT metadata_json FROM messages WHERE id = ?`, messageID).Scan(&metaJSON); err != nil {
		return fmt.Errorf("load metadata for %s: %w", messageID, err)
	}
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	for k, v := range extra {
		meta[k] = v
	}
	out, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal merged metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET delivery_status = ?, metadata_json = ? WHERE id = ?`, status, string(out), messageID)
	if err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
