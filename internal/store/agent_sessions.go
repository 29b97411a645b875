package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentSessionState enumerates AgentSession lifecycle states (§3).
type AgentSessionState string

const (
	AgentSessionActive    AgentSessionState = "active"
	AgentSessionCompleted AgentSessionState = "completed"
	AgentSessionExpired   AgentSessionState = "expired"
)

// AgentSession attributes a conversation block to the agent that handled
// it. Exactly one session is active per channel at a time (§3 invariant).
type AgentSession struct {
	ID           string
	Channel      string
	Agent        string
	CreatedAt    time.Time
	LastActivity time.Time
	State        AgentSessionState
}

const agentSessionIdleExpiry = 2 * time.Hour

// EnsureActiveAgentSession returns the active session for a channel,
// expiring it first if idle past agentSessionIdleExpiry, creating a new
// one (attributed to agent) if none is active. The invariant "exactly one
// active AgentSession per channel" is enforced by always expiring any
// prior active row before inserting a new one.
func (s *Store) EnsureActiveAgentSession(ctx context.Context, channel, agent string) (*AgentSession, error) {
	existing, err := s.activeAgentSession(ctx, channel)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if existing != nil {
		if now.Sub(existing.LastActivity) < agentSessionIdleExpiry {
			existing.LastActivity = now
			if _, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET last_activity = ? WHERE id = ?`, now, existing.ID); err != nil {
				return nil, fmt.Errorf("touch agent session: %w", err)
			}
			return existing, nil
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET state = ? WHERE id = ?`, string(AgentSessionExpired), existing.ID); err != nil {
			return nil, fmt.Errorf("expire agent session: %w", err)
		}
	}

	sess := AgentSession{
		ID:           uuid.NewString(),
		Channel:      channel,
		Agent:        agent,
		CreatedAt:    now,
		LastActivity: now,
		State:        AgentSessionActive,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, channel, agent, created_at, last_activity, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Channel, sess.Agent, sess.CreatedAt, sess.LastActivity, string(sess.State))
	if err != nil {
		return nil, fmt.Errorf("insert agent session: %w", err)
	}
	return &sess, nil
}

func (s *Store) activeAgentSession(ctx context.Context, channel string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, agent, created_at, last_activity, state
		FROM agent_sessions WHERE channel = ? AND state = ? ORDER BY created_at DESC LIMIT 1
	`, channel, string(AgentSessionActive))
	var sess AgentSession
	var state string
	if err := row.Scan(&sess.ID, &sess.Channel, &sess.Agent, &sess.CreatedAt, &sess.LastActivity, &state); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query active agent session: %w", err)
	}
	sess.State = AgentSessionState(state)
	return &sess, nil
}

// AgentForWindow returns the agent attributed to the most recently active
// session covering [start, end] on channel, falling back to "general"
// (§4.H "Agent attribution").
func (s *Store) AgentForWindow(ctx context.Context, channel string, start, end time.Time) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent FROM agent_sessions
		WHERE channel = ? AND created_at <= ? AND last_activity >= ?
		ORDER BY last_activity DESC LIMIT 1
	`, channel, end, start)
	var agent string
	if err := row.Scan(&agent); err != nil {
		if err == sql.ErrNoRows {
			return "general", nil
		}
		return "", fmt.Errorf("query agent for window: %w", err)
	}
	return agent, nil
}
