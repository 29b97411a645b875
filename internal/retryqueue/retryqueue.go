// Package retryqueue implements the Retry Queue worker (§4.J): a
// ticker-driven poll-loop that claims due rows from the store's
// plane_sync_queue table, dispatches them to a narrow external client,
// and reschedules or dead-letters on failure with exponential backoff.
package retryqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/modelgw"
	"github.com/relaycore/relaycore/internal/store"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 10
	defaultMaxAttempts  = 5
	retryBackoffBase    = 30 * time.Second
	purgeAge            = 7 * 24 * time.Hour
	purgeInterval       = 1 * time.Hour
)

// ProjectTrackerClient is the narrow surface the Retry Queue needs from
// the external ticket/project tracker (§9 design note: "the retry queue
// should depend on a narrow interface, not the full tracker SDK").
type ProjectTrackerClient interface {
	// Apply performs the named action against targetID (resolved, not the
	// late-bound placeholder) with the given payload. A returned error is
	// treated as retryable unless it implements the Permanent() bool method
	// pattern documented on modelgw's corruption handling; here any error
	// is retryable, since the tracker API does not distinguish.
	Apply(ctx context.Context, action, targetID string, payload map[string]any) error
}

// SyncSuppressor reports whether out-of-band side effects are currently
// suppressed (armed by the Model Gateway after a timeout, §4.D). The
// worker skips dispatch while suppressed and leaves the row pending.
type SyncSuppressor interface {
	Suppressed() bool
}

// IDResolver resolves a late-bound placeholder target id (e.g. "the
// ticket created earlier in this same batch") to a concrete tracker id.
// Late-bound ids are cached once resolved (§4.J.1 "target id resolution
// caching").
type IDResolver interface {
	Resolve(ctx context.Context, placeholder string) (string, error)
}

var _ SyncSuppressor = (*modelgw.SyncSuppressor)(nil)

// Worker is the Retry Queue's background poll loop.
type Worker struct {
	store        *store.Store
	client       ProjectTrackerClient
	resolver     IDResolver
	suppressor   SyncSuppressor
	bus          *bus.Bus
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	mu          sync.Mutex
	idCache     map[string]string
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastPurge   time.Time
}

// Config configures a Worker.
type Config struct {
	Store        *store.Store
	Client       ProjectTrackerClient
	Resolver     IDResolver
	Suppressor   SyncSuppressor
	Bus          *bus.Bus
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int
}

// New creates a Retry Queue Worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Worker{
		store:        cfg.Store,
		client:       cfg.Client,
		resolver:     cfg.Resolver,
		suppressor:   cfg.Suppressor,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		idCache:      make(map[string]string),
	}
}

// Enqueue is the fire-and-forget entry point (§4.J: "enqueue operations
// must never throw to the caller"). Failures are logged, not returned.
func (w *Worker) Enqueue(ctx context.Context, action string, targetID *string, payload map[string]any) {
	id, err := w.store.EnqueueRetryItem(ctx, action, targetID, payload, defaultMaxAttempts)
	if err != nil {
		w.logger.Error("retry queue enqueue failed", "action", action, "error", err)
		return
	}
	if w.bus != nil {
		w.bus.Publish(bus.TopicRetryItemEnqueued, id)
	}
}

// Start launches the poll loop in the background. Stop cancels it.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts the poll loop and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.suppressor != nil && w.suppressor.Suppressed() {
		w.logger.Debug("retry queue tick skipped: sync suppressed")
		return
	}

	items, err := w.store.ClaimDueRetryItems(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("claim due retry items failed", "error", err)
	} else {
		for _, item := range items {
			w.process(ctx, item)
		}
	}

	w.maybePurge(ctx)
}

func (w *Worker) process(ctx context.Context, item store.RetryQueueItem) {
	targetID := ""
	if item.TargetID != nil {
		targetID = *item.TargetID
	}
	resolved, err := w.resolveTarget(ctx, targetID)
	if err != nil {
		w.fail(ctx, item, fmt.Errorf("resolve target id: %w", err))
		return
	}

	if err := w.client.Apply(ctx, item.Action, resolved, item.Payload); err != nil {
		w.fail(ctx, item, err)
		return
	}

	if err := w.store.CompleteRetryItem(ctx, item.ID); err != nil {
		w.logger.Error("mark retry item complete failed", "id", item.ID, "error", err)
		return
	}
	if w.bus != nil {
		w.bus.Publish(bus.TopicRetryItemCompleted, item.ID)
	}
}

// resolveTarget resolves a late-bound placeholder once and caches the
// result for the life of the worker (§4.J.1).
func (w *Worker) resolveTarget(ctx context.Context, targetID string) (string, error) {
	if targetID == "" || w.resolver == nil {
		return targetID, nil
	}
	w.mu.Lock()
	if cached, ok := w.idCache[targetID]; ok {
		w.mu.Unlock()
		return cached, nil
	}
	w.mu.Unlock()

	resolved, err := w.resolver.Resolve(ctx, targetID)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.idCache[targetID] = resolved
	w.mu.Unlock()
	return resolved, nil
}

// fail applies the §4.J.4 backoff/dead-letter branch: 30·2^(attempts-1)s,
// dead-lettered once attempts reaches max_attempts.
func (w *Worker) fail(ctx context.Context, item store.RetryQueueItem, cause error) {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	nextRetryAt := time.Now().UTC().Add(retryBackoff(item.Attempts))

	if err := w.store.FailRetryItem(ctx, item.ID, item.Attempts, maxAttempts, cause.Error(), nextRetryAt); err != nil {
		w.logger.Error("fail retry item failed", "id", item.ID, "error", err)
	}
	w.logger.Warn("retry item failed", "id", item.ID, "action", item.Action, "attempts", item.Attempts, "max_attempts", maxAttempts, "cause", cause)
	if item.Attempts >= maxAttempts && w.bus != nil {
		w.bus.Publish(bus.TopicRetryItemFailed, item.ID)
	}
}

// retryBackoff implements the §4.J.4 schedule: 30·2^(attempts-1) seconds.
func retryBackoff(attempts int) time.Duration {
	return time.Duration(float64(retryBackoffBase) * math.Pow(2, float64(attempts-1)))
}

func (w *Worker) maybePurge(ctx context.Context) {
	w.mu.Lock()
	due := w.lastPurge.IsZero() || time.Since(w.lastPurge) >= purgeInterval
	if due {
		w.lastPurge = time.Now()
	}
	w.mu.Unlock()
	if !due {
		return
	}
	n, err := w.store.PurgeCompletedRetryItems(ctx, purgeAge)
	if err != nil {
		w.logger.Error("purge completed retry items failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("purged completed retry items", "count", n)
	}
}
