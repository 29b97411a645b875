// Package delivery retries sending a response to a chosen transport with
// fallback and pending-response tracking (§4.C).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/store"
)

// Status enumerates the outcome of a Deliver call.
type Status string

const (
	StatusSent     Status = "sent"
	StatusFallback Status = "fallback"
	StatusFailed   Status = "failed"
)

// Result is the outcome of one Deliver call (§4.C contract).
type Result struct {
	Status     Status
	Channel    string
	ExternalID string
	Attempts   int
	Error      string
}

// RetryableError marks a transport failure that counts against maxRetries
// (timeouts, 5xx). A transport error that does NOT implement this
// interface is treated as a definitive 4xx and fails immediately (§4.C).
type RetryableError interface {
	error
	Retryable() bool
}

// TransportError is the concrete RetryableError transports should return.
type TransportError struct {
	Err         error
	retryable   bool
}

func NewRetryableError(err error) *TransportError  { return &TransportError{Err: err, retryable: true} }
func NewPermanentError(err error) *TransportError  { return &TransportError{Err: err, retryable: false} }
func (e *TransportError) Error() string            { return e.Err.Error() }
func (e *TransportError) Retryable() bool           { return e.retryable }
func (e *TransportError) Unwrap() error             { return e.Err }

// Sender sends text to a channel and returns an external id on success.
type Sender interface {
	Send(ctx context.Context, channel, text string) (externalID string, err error)
}

// Options configures one Deliver call.
type Options struct {
	Channel         string
	MessageID       string // originating message to merge delivery metadata into
	Fallback        bool
	FallbackChannel string
}

const defaultBase = 2 * time.Second

// Engine implements the Delivery Engine (§4.C).
type Engine struct {
	sender     Sender
	store      *store.Store
	bus        *bus.Bus
	logger     *slog.Logger
	maxRetries int

	onNudge func(channel string, count int)

	mu              sync.Mutex
	pendingResponse map[string]*pendingResponse // keyed by channel

	cancel func()
	wg     sync.WaitGroup
}

type pendingResponse struct {
	channel string
	sentAt  time.Time
	nudged  bool
}

// Config configures Engine construction.
type Config struct {
	Sender     Sender
	Store      *store.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	MaxRetries int // default 3
	OnNudge    func(channel string, count int)
}

// New creates a Delivery Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{
		sender:          cfg.Sender,
		store:           cfg.Store,
		bus:             cfg.Bus,
		logger:          logger,
		maxRetries:      maxRetries,
		onNudge:         cfg.OnNudge,
		pendingResponse: make(map[string]*pendingResponse),
	}
}

// fixedExponential implements backoff.BackOff with the exact formula
// base·2^(attempt-1), rather than the library's default jittered
// algorithm: the library is used for retry-loop orchestration (Retry,
// MaxTries, context cancellation), the timing math is our own.
type fixedExponential struct {
	base    time.Duration
	attempt int
}

func (f *fixedExponential) NextBackOff() time.Duration {
	f.attempt++
	return f.base * time.Duration(1<<uint(f.attempt-1))
}

// Deliver sends text to opts.Channel, retrying up to maxRetries times with
// exponential backoff, falling back to opts.FallbackChannel once if
// exhausted and opts.Fallback is set (§4.C).
func (e *Engine) Deliver(ctx context.Context, text string, opts Options) Result {
	attempts := 0
	bo := &fixedExponential{base: defaultBase}

	sendOnce := func() (string, error) {
		attempts++
		extID, err := e.sender.Send(ctx, opts.Channel, text)
		if err != nil {
			var rerr RetryableError
			if errors.As(err, &rerr) && !rerr.Retryable() {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return extID, nil
	}

	extID, err := backoff.Retry(ctx, sendOnce,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.maxRetries)),
	)

	result := Result{Channel: opts.Channel, Attempts: attempts}
	if err == nil {
		result.Status = StatusSent
		result.ExternalID = extID
		e.recordDelivery(ctx, opts.MessageID, result)
		e.registerPendingResponse(opts.Channel)
		if e.bus != nil {
			e.bus.Publish(bus.TopicDeliverySent, result)
		}
		return result
	}

	e.logger.Warn("delivery attempts exhausted", "channel", opts.Channel, "attempts", attempts, "error", err)

	if opts.Fallback && opts.FallbackChannel != "" {
		fallbackText := "[degraded: primary channel unavailable] " + text
		fbExtID, fbErr := e.sender.Send(ctx, opts.FallbackChannel, fallbackText)
		if fbErr == nil {
			result.Status = StatusFallback
			result.Channel = opts.FallbackChannel
			result.ExternalID = fbExtID
			result.Attempts++
			e.recordDelivery(ctx, opts.MessageID, result)
			e.registerPendingResponse(opts.FallbackChannel)
			if e.bus != nil {
				e.bus.Publish(bus.TopicDeliveryFallback, result)
			}
			return result
		}
		err = fmt.Errorf("primary failed (%v), fallback failed (%w)", err, fbErr)
	}

	result.Status = StatusFailed
	result.Error = err.Error()
	e.recordDelivery(ctx, opts.MessageID, result)
	if e.bus != nil {
		e.bus.Publish(bus.TopicDeliveryFailed, result)
	}
	return result
}

func (e *Engine) recordDelivery(ctx context.Context, messageID string, result Result) {
	if e.store == nil || messageID == "" {
		return
	}
	extra := map[string]any{
		"delivery_channel":  result.Channel,
		"delivery_attempts": result.Attempts,
		"sent_at":           time.Now().UTC(),
	}
	if result.ExternalID != "" {
		extra["external_id"] = result.ExternalID
	}
	if result.Error != "" {
		extra["error"] = result.Error
	}
	if err := e.store.SetDeliveryStatus(ctx, messageID, string(result.Status), extra); err != nil {
		e.logger.Error("failed to persist delivery record", "message_id", messageID, "error", err)
	}
}

// registerPendingResponse records a successful send for nudge tracking
// (§4.C: "Register a PendingResponse on successful send").
func (e *Engine) registerPendingResponse(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingResponse[channel] = &pendingResponse{channel: channel, sentAt: time.Now()}
}

// AcknowledgeChannel clears a channel's pending response on the next
// inbound user message (§4.C).
func (e *Engine) AcknowledgeChannel(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pendingResponse, channel)
}

// StartNudgeChecker begins the periodic nudge scan (default every 60s):
// entries older than 5 min are nudged exactly once; entries are GC'd after
// 60 min (§4.C, and §8 "nudge uniqueness").
func (e *Engine) StartNudgeChecker(nudgeDelay time.Duration, checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = 60 * time.Second
	}
	if nudgeDelay <= 0 {
		nudgeDelay = 5 * time.Minute
	}
	var done chan struct{} = make(chan struct{})
	e.cancel = func() { close(done) }
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.checkNudges(nudgeDelay)
			}
		}
	}()
}

func (e *Engine) checkNudges(nudgeDelay time.Duration) {
	now := time.Now()
	const gcAfter = 60 * time.Minute
	e.mu.Lock()
	var toNudge []string
	for channel, pr := range e.pendingResponse {
		age := now.Sub(pr.sentAt)
		if age > gcAfter {
			delete(e.pendingResponse, channel)
			continue
		}
		if age > nudgeDelay && !pr.nudged {
			pr.nudged = true
			toNudge = append(toNudge, channel)
		}
	}
	e.mu.Unlock()

	for _, channel := range toNudge {
		if e.bus != nil {
			e.bus.Publish(bus.TopicDeliveryNudged, channel)
		}
		if e.onNudge != nil {
			e.onNudge(channel, 1)
		}
	}
}

// Stop halts the nudge checker goroutine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
