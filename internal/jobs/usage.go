package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/screentime"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

// UsageRefresh rescores every tracked plan of users with a time tracking
// key and warns users about plans scoring below their unused threshold.
// Plans without enough history or without a matching activity keep their
// previous score.
func (r *Runner) UsageRefresh(ctx context.Context) (*Report, error) {
	if r.fetcher == nil {
		return nil, errors.New("usage refresh requires a time tracking client")
	}
	users, err := r.store.ListUsers(store.UserFilter{HasTimeTrackingKey: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return r.run(ctx, JobUsage, users, r.refreshUser)
}

func (r *Runner) refreshUser(ctx context.Context, u *store.User, rep *Report) error {
	tracked := true
	plans, err := r.store.ListUserPlans(store.UserPlanFilter{UserID: u.ID, TrackUsage: &tracked})
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	if len(plans) == 0 {
		return nil
	}

	opts := r.options()
	today := dayOf(r.now().UTC())
	start := today.AddDate(0, 0, -(opts.LookbackDays - 1))
	activity, err := r.fetcher.Fetch(ctx, u.TimeTrackingKey, start, today)
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}

	threshold := u.UnusedThreshold
	if threshold <= 0 {
		threshold = opts.UnusedThreshold
	}
	log := r.logger.With("job", JobUsage, "user_id", u.ID)

	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}

		series, err := activity.Series(p.SubscriptionName)
		if errors.Is(err, screentime.ErrActivityNotFound) {
			rep.add(func(rep *Report) { rep.Skipped++ })
			log.Info("no activity recorded for subscription", "user_plan_id", p.ID, "subscription", p.SubscriptionName)
			continue
		}

		a, err := usage.Evaluate(series, opts.Params)
		if errors.Is(err, usage.ErrInsufficientData) {
			rep.add(func(rep *Report) { rep.Skipped++ })
			log.Info("not enough usage history", "user_plan_id", p.ID, "days", len(series))
			continue
		}
		if err != nil {
			rep.add(func(rep *Report) { rep.Failed++ })
			log.Warn("usage scoring failed", "user_plan_id", p.ID, "error", err)
			continue
		}

		rec := &store.ScoreRecord{
			UserPlanID: p.ID,
			Score:      int(a.Score),
			RecentMA:   a.RecentMA,
			OlderMA:    a.OlderMA,
			ComputedAt: time.Now().UTC(),
		}
		if err := r.store.RecordScore(rec); err != nil {
			rep.add(func(rep *Report) { rep.Failed++ })
			log.Warn("failed to store usage score", "user_plan_id", p.ID, "error", err)
			continue
		}
		rep.add(func(rep *Report) { rep.Processed++ })
		r.publish(Event{Type: EventUsageScored, Job: JobUsage, UserID: u.ID, UserPlanID: p.ID, Data: a})

		if !u.AllowNotifications || int(a.Score) >= threshold {
			continue
		}
		r.notify(ctx, log, JobUsage,
			notify.UnusedNotice(u.ID, p.ID, p.SubscriptionName, p.PlanName, int(a.Score), threshold), rep)
	}
	return nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
