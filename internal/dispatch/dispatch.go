// Package dispatch implements the Channel Dispatcher (§4.E): per-channel
// FIFO semantics over a shared process-wide model-invocation gate, idle
// timers that trigger consolidation, and typing heartbeat pacing. Each
// channel gets its own idle timer rather than a single global interval,
// since channels go quiet at unrelated times.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Turn is one unit of work queued for a channel: a user message awaiting
// the shared model-invocation gate.
type Turn struct {
	Channel   string
	Preview   string
	EnqueuedAt time.Time
	Run       func(ctx context.Context)
}

// QueuedInfo describes one waiting turn for status reporting.
type QueuedInfo struct {
	Position  int
	Channel   string
	Preview   string
	WaitingMs int64
}

// CurrentInfo describes the turn currently holding the shared gate.
type CurrentInfo struct {
	Channel   string
	Preview   string
	RunningMs int64
}

// Status is the observable dispatcher snapshot (§4.E).
type Status struct {
	Busy        bool
	QueueLength int
	Current     *CurrentInfo
	Queued      []QueuedInfo
}

// OnIdle is invoked when a channel's idle timer fires — the caller wires
// this to the Consolidator (§4.H trigger (a)).
type OnIdle func(channel string)

// OnTyping is invoked every heartbeatInterval while a turn for channel is
// running — the caller wires this to the originating transport.
type OnTyping func(channel string)

// OnPreviewReply is invoked once when a turn is enqueued behind a running
// turn, to ack the inbound transport with "I'm on it — position N".
type OnPreviewReply func(channel string, position int)

const (
	defaultIdle              = 10 * time.Minute
	defaultHeartbeatInterval = 4 * time.Second
)

// Dispatcher owns the shared gate and one channelState per channel.
type Dispatcher struct {
	mu       sync.Mutex
	channels map[string]*channelState
	queue    []*Turn // FIFO of turns waiting on the shared gate
	running  *runningTurn

	idleDuration      time.Duration
	heartbeatInterval time.Duration

	onIdle         OnIdle
	onTyping       OnTyping
	onPreviewReply OnPreviewReply
	logger         *slog.Logger
}

type channelState struct {
	idleTimer *time.Timer
}

type runningTurn struct {
	channel   string
	preview   string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Config configures Dispatcher construction.
type Config struct {
	IdleDuration      time.Duration // default 10 min
	HeartbeatInterval time.Duration // default 4s
	OnIdle            OnIdle
	OnTyping          OnTyping
	OnPreviewReply    OnPreviewReply
	Logger            *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	idle := cfg.IdleDuration
	if idle <= 0 {
		idle = defaultIdle
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels:          make(map[string]*channelState),
		idleDuration:      idle,
		heartbeatInterval: hb,
		onIdle:            cfg.OnIdle,
		onTyping:          cfg.OnTyping,
		onPreviewReply:    cfg.OnPreviewReply,
		logger:            logger,
	}
}

// Submit enqueues a turn. If the shared gate is free it runs immediately;
// otherwise it is queued and the caller is told its position (§4.E).
func (d *Dispatcher) Submit(ctx context.Context, channel, preview string, run func(ctx context.Context)) {
	turn := &Turn{Channel: channel, Preview: preview, EnqueuedAt: time.Now(), Run: run}

	d.mu.Lock()
	d.resetIdleTimerLocked(channel)
	if d.running == nil {
		d.startLocked(ctx, turn)
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, turn)
	position := len(d.queue)
	d.mu.Unlock()

	if d.onPreviewReply != nil {
		d.onPreviewReply(channel, position)
	}
}

// startLocked must be called with d.mu held; it marks the gate busy and
// launches the turn's heartbeat + work in a goroutine.
func (d *Dispatcher) startLocked(ctx context.Context, turn *Turn) {
	runCtx, cancel := context.WithCancel(ctx)
	d.running = &runningTurn{channel: turn.Channel, preview: turn.Preview, startedAt: time.Now(), cancel: cancel}

	go d.runTurn(runCtx, cancel, turn)
}

func (d *Dispatcher) runTurn(ctx context.Context, cancel context.CancelFunc, turn *Turn) {
	stopHeartbeat := d.startHeartbeat(turn.Channel)
	defer stopHeartbeat()
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher turn panicked", "channel", turn.Channel, "panic", r)
		}
		d.completeAndAdvance(turn.Channel)
	}()

	turn.Run(ctx)
}

func (d *Dispatcher) startHeartbeat(channel string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if d.onTyping != nil {
					d.onTyping(channel)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// completeAndAdvance releases the shared gate and starts the next queued
// turn, if any, resetting the idle timer for the completed channel.
func (d *Dispatcher) completeAndAdvance(channel string) {
	d.mu.Lock()
	d.running = nil
	d.resetIdleTimerLocked(channel)

	var next *Turn
	if len(d.queue) > 0 {
		next = d.queue[0]
		d.queue = d.queue[1:]
	}
	if next != nil {
		d.startLocked(context.Background(), next)
	}
	d.mu.Unlock()
}

// resetIdleTimerLocked must be called with d.mu held.
func (d *Dispatcher) resetIdleTimerLocked(channel string) {
	state, ok := d.channels[channel]
	if !ok {
		state = &channelState{}
		d.channels[channel] = state
	}
	if state.idleTimer != nil {
		state.idleTimer.Stop()
	}
	state.idleTimer = time.AfterFunc(d.idleDuration, func() {
		if d.onIdle != nil {
			d.onIdle(channel)
		}
	})
}

// Status returns a snapshot for observability (§4.E).
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := Status{QueueLength: len(d.queue)}
	now := time.Now()
	if d.running != nil {
		status.Busy = true
		status.Current = &CurrentInfo{
			Channel:   d.running.channel,
			Preview:   d.running.preview,
			RunningMs: now.Sub(d.running.startedAt).Milliseconds(),
		}
	}
	for i, t := range d.queue {
		status.Queued = append(status.Queued, QueuedInfo{
			Position:  i + 1,
			Channel:   t.Channel,
			Preview:   t.Preview,
			WaitingMs: now.Sub(t.EnqueuedAt).Milliseconds(),
		})
	}
	return status
}

// Stop cancels the running turn, if any, and all idle timers. Used on
// shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running != nil {
		d.running.cancel()
	}
	for _, s := range d.channels {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
	}
}

// CancelIdleTimer stops a channel's idle timer without firing onIdle, used
// when a channel closes explicitly (e.g. a telephony call-end event that
// already triggered consolidation directly).
func (d *Dispatcher) CancelIdleTimer(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.channels[channel]; ok && s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}
