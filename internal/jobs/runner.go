// Package jobs runs the periodic batch work: rolling payment dates forward
// with reminders, and refreshing usage scores from time tracking data.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/screentime"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

// Store is the persistence the jobs need.
type Store interface {
	ListUsers(filter store.UserFilter) ([]*store.User, error)
	ListUserPlans(filter store.UserPlanFilter) ([]*store.UserPlanView, error)
	UpdatePaymentDate(id string, date time.Time) error
	RecordScore(rec *store.ScoreRecord) error
}

// Fetcher downloads a user's daily activity.
type Fetcher interface {
	Fetch(ctx context.Context, apiKey string, start, end time.Time) (*screentime.Activity, error)
}

// Notifier delivers a notification and reports whether it went out.
type Notifier interface {
	SendSync(ctx context.Context, n notify.Notification) (bool, error)
}

// Publisher receives job events, e.g. to stream them to dashboards.
type Publisher interface {
	Publish(e Event)
}

// Options tune the jobs. They can be replaced at runtime with SetOptions.
type Options struct {
	Concurrency     int
	ReminderDays    int
	LookbackDays    int
	UnusedThreshold int
	Params          usage.Params
}

// Runner executes the batch jobs. Jobs may run concurrently with each other.
type Runner struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	opts      Options
	publisher Publisher
}

// NewRunner creates a Runner. fetcher may be nil, which disables usage
// refresh, and notifier may be nil, which disables notifications.
func NewRunner(s Store, fetcher Fetcher, notifier Notifier, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    s,
		fetcher:  fetcher,
		notifier: notifier,
		now:      time.Now,
		opts:     opts,
		logger:   logger.With("component", "jobs.Runner"),
	}
}

// SetOptions swaps the options used by subsequent runs.
func (r *Runner) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
}

// SetPublisher attaches an event publisher.
func (r *Runner) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

func (r *Runner) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

func (r *Runner) publish(e Event) {
	r.mu.RLock()
	p := r.publisher
	r.mu.RUnlock()
	if p == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	p.Publish(e)
}

// run fans work out over users with bounded concurrency. A user's failure
// is recorded in the report and never stops the others.
func (r *Runner) run(ctx context.Context, job string, users []*store.User, work func(ctx context.Context, u *store.User, rep *Report) error) (*Report, error) {
	opts := r.options()
	rep := newReport(job)
	rep.Users = len(users)

	r.publish(Event{Type: EventJobStarted, Job: job, RunID: rep.RunID})
	log := r.logger.With("job", job, "run_id", rep.RunID)
	log.Info("job started", "users", len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Concurrency))
	for _, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := work(gctx, u, rep); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				rep.add(func(rep *Report) { rep.Failed++ })
				log.Warn("user failed", "user_id", u.ID, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()

	rep.FinishedAt = time.Now()
	r.publish(Event{Type: EventJobFinished, Job: job, RunID: rep.RunID, Data: rep.snapshot()})
	log.Info("job finished",
		"processed", rep.Processed,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"notified", rep.Notified,
		"duration", rep.FinishedAt.Sub(rep.StartedAt),
	)
	if err != nil {
		return rep, fmt.Errorf("%s interrupted: %w", job, err)
	}
	return rep, nil
}

func (r *Runner) notify(ctx context.Context, log *slog.Logger, job string, n notify.Notification, rep *Report) {
	if r.notifier == nil {
		return
	}
	sent, err := r.notifier.SendSync(ctx, n)
	if err != nil {
		log.Warn("notification failed", "kind", n.Kind, "user_id", n.UserID, "error", err)
	}
	if sent {
		rep.add(func(rep *Report) { rep.Notified++ })
		r.publish(Event{Type: EventNotified, Job: job, UserID: n.UserID,
			Data: map[string]string{"kind": string(n.Kind), "subject": n.Subject}})
	}
}

func newRunID() string {
	return ulid.Make().String()
}
