// Package scheduler drives relaycore's fixed recurring jobs: the
// periodic consolidation batch and the retry-worker/nudge-checker/
// approval-sweeper cadences (§4 domain stack). A thin Config/Start/Stop
// wrapper around robfig/cron/v3, registering a small fixed set of
// operator-configured jobs directly on the cron scheduler rather than
// polling a user-defined schedule table, since there is no per-user
// schedule CRUD surface here to serve.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Job is one recurring unit of work. ctx is canceled on Stop.
type Job func(ctx context.Context)

// Scheduler wraps a robfig/cron/v3 scheduler with context-aware job
// execution and structured logging per fire.
type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler scoped to parentCtx. The standard 5-field
// parser (minute, hour, day-of-month, month, day-of-week) is used.
func New(parentCtx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	return &Scheduler{
		cron:   cronlib.New(cronlib.WithParser(parser)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers job under a named cron expression, logging each fire
// and running the job against the scheduler's own context (canceled on
// Stop). Register jobs before calling Start.
func (s *Scheduler) AddJob(name, cronExpr string, job Job) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		start := time.Now()
		job(s.ctx)
		s.logger.Info("scheduler: job fired", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduler: job registered", "job", name, "cron", cronExpr)
	return nil
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the scheduler's job context and waits for the underlying
// cron scheduler to finish any in-flight invocations.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
