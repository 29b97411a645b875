// Package approval is an in-memory store of PendingActions awaiting
// explicit user confirmation, with TTL expiry (§4.B). All operations are
// O(1); a background sweeper and a concurrent Remove race safely to a
// single winner.
package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relaycore/internal/bus"
)

// TransportHandle carries enough information to edit/update the original
// prompting message on the originating transport. It is intentionally
// opaque to this package (§4.B: "transport-opaque").
type TransportHandle struct {
	Channel   string
	MessageID string
	ChatID    int64
}

// PendingAction is a proposed side-effect awaiting approval (§3).
type PendingAction struct {
	ID        string
	Description string
	SessionID string
	Agent     string
	Channel   string
	Handle    TransportHandle
	CreatedAt time.Time
	TTL       time.Duration
}

func (a PendingAction) expired(now time.Time) bool {
	return now.Sub(a.CreatedAt) > a.TTL
}

const defaultTTL = 15 * time.Minute

// Store is the concurrency-safe map of pending actions.
type Store struct {
	mu      sync.Mutex
	actions map[string]PendingAction
	bus     *bus.Bus
	logger  *slog.Logger

	cancel func()
	wg     sync.WaitGroup
}

// New creates an empty approval store.
func New(eventBus *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		actions: make(map[string]PendingAction),
		bus:     eventBus,
		logger:  logger,
	}
}

// StoreAction registers a new pending action and returns its id. ttl<=0
// uses the default 15 minute window.
func (s *Store) StoreAction(description, sessionID, agent, channel string, handle TransportHandle, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	id := uuid.NewString()
	action := PendingAction{
		ID:          id,
		Description: description,
		SessionID:   sessionID,
		Agent:       agent,
		Channel:     channel,
		Handle:      handle,
		CreatedAt:   time.Now(),
		TTL:         ttl,
	}
	s.mu.Lock()
	s.actions[id] = action
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequestedEvent{RequestID: id, Channel: channel, Agent: agent})
	}
	return id
}

// Get returns the pending action for id, or false if absent or expired.
func (s *Store) Get(id string) (PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok || action.expired(time.Now()) {
		return PendingAction{}, false
	}
	return action, true
}

// Remove deletes a pending action, returning true if it was present (the
// caller that gets true is the single winner of a concurrent
// remove-vs-sweeper race — §4.B).
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[id]; !ok {
		return false
	}
	delete(s.actions, id)
	return true
}

// Resolve removes a pending action after the user approves or denies it
// and publishes the resolution, leaving no orphan transport artifact in a
// user-visible pending state (§3 invariant).
func (s *Store) Resolve(id, action string) (PendingAction, bool) {
	s.mu.Lock()
	pending, ok := s.actions[id]
	if ok {
		delete(s.actions, id)
	}
	s.mu.Unlock()
	if !ok {
		return PendingAction{}, false
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{RequestID: id, Action: action})
	}
	return pending, true
}

// StartSweeper begins a background goroutine that removes expired entries
// every interval (default 1 minute) until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	var ctx struct{ done chan struct{} }
	ctx.done = make(chan struct{})
	s.cancel = func() { close(ctx.done) }
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweeper goroutine and waits for it to exit.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	var expiredIDs []string
	for id, action := range s.actions {
		if action.expired(now) {
			expiredIDs = append(expiredIDs, id)
			delete(s.actions, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expiredIDs {
		if s.bus != nil {
			s.bus.Publish(bus.TopicApprovalExpired, id)
		}
		s.logger.Debug("approval expired", "request_id", id)
	}
}

// Len reports the number of currently pending actions. Used by queue
// status reporting and tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}
