package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the payment and usage jobs every interval until its
// context is cancelled.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	reset    chan time.Duration
	logger   *slog.Logger
	// prune is called before each round, e.g. to expire notification dedup.
	prune func()
}

// NewScheduler creates a scheduler. prune may be nil.
func NewScheduler(runner *Runner, interval time.Duration, prune func(), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		reset:    make(chan time.Duration, 1),
		prune:    prune,
		logger:   logger.With("component", "jobs.Scheduler"),
	}
}

// SetInterval changes the period of a running scheduler.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.reset:
	default:
	}
	select {
	case s.reset <- d:
	default:
	}
}

// Run blocks until ctx is done. The first round starts one interval after
// Run is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case d := <-s.reset:
			s.interval = d
			ticker.Reset(d)
			s.logger.Info("scheduler interval changed", "interval", d)
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs both jobs back to back.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.prune != nil {
		s.prune()
	}
	if _, err := s.runner.PaymentReminders(ctx); err != nil {
		s.logger.Error("payment reminders failed", "error", err)
	}
	if s.runner.fetcher == nil {
		return
	}
	if _, err := s.runner.UsageRefresh(ctx); err != nil {
		s.logger.Error("usage refresh failed", "error", err)
	}
}
