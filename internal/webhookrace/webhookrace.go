// Package webhookrace implements the Webhook Race Coordinator (§4.K): it
// races a Response Pipeline turn against a deadline timer so that
// request/response transports (voice assistant, enterprise chat webhooks)
// get a synchronous reply when the pipeline is fast enough, and a
// "working on it" acknowledgment otherwise, with the turn continuing in
// the background either way. A select over a directly-owned result
// channel versus ctx.Done(), since the caller here invokes the pipeline
// itself rather than watching someone else's task.
package webhookrace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
)

// Payload is the pipeline's finished turn output: reply text plus any
// PendingActions that should render as inline approval cards (§4.K
// "pipeline wins: synchronous payload with inline approval cards").
type Payload struct {
	Text    string
	Actions []approval.PendingAction
}

// PipelineFunc runs one turn to completion and returns its payload. It is
// invoked with a context independent of the request's (detached after
// the deadline fires), since the turn must keep running even after the
// HTTP response has already been written.
type PipelineFunc func(ctx context.Context) (Payload, error)

// Outcome reports which side of the race won.
type Outcome int

const (
	// OutcomePipelineWon means the pipeline finished before the deadline;
	// Payload carries the synchronous reply.
	OutcomePipelineWon Outcome = iota
	// OutcomeTimerWon means the deadline fired first; the caller should
	// send an acknowledgment and let the turn finish in the background.
	OutcomeTimerWon
)

// Result is returned by Run.
type Result struct {
	Outcome Outcome
	Payload Payload // only meaningful when Outcome == OutcomePipelineWon
}

// LateHandler is invoked exactly once, after the deadline has already
// won the race, when the pipeline eventually finishes in the background
// (§4.K "timer wins: ... eventual Delivery Engine dispatch with
// fallback" — the caller wires onLate to the Delivery Engine).
type LateHandler func(Payload, error)

const defaultDeadline = 25 * time.Second

// Run races run against deadline and returns as soon as one side wins.
// If the pipeline wins, Run returns the synchronous payload. If the
// deadline wins, Run returns immediately and onLate (if non-nil) is
// called exactly once when the detached pipeline goroutine eventually
// completes. A sync.Once guards against both paths ever reporting twice
// (§4.K "exactly-once response-writer guard").
func Run(ctx context.Context, deadline time.Duration, run PipelineFunc, onLate LateHandler, logger *slog.Logger) Result {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}

	type outcome struct {
		payload Payload
		err     error
	}
	done := make(chan outcome, 1)

	// The pipeline runs against a context detached from the caller's: it
	// must survive past the point where Run returns on a timer win.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		payload, err := run(bgCtx)
		done <- outcome{payload: payload, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var once sync.Once
	reportLate := func(o outcome) {
		once.Do(func() {
			if onLate != nil {
				onLate(o.payload, o.err)
			}
		})
	}

	select {
	case o := <-done:
		if o.err != nil {
			logger.Warn("webhook race: pipeline finished with error before deadline", "error", o.err)
		}
		// Mark reported so a theoretically-impossible second send is a no-op.
		once.Do(func() {})
		return Result{Outcome: OutcomePipelineWon, Payload: o.payload}

	case <-timer.C:
		go func() {
			o := <-done
			reportLate(o)
		}()
		return Result{Outcome: OutcomeTimerWon}
	}
}
