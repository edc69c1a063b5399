package jobs

import (
	"context"
	"fmt"

	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/spending"
	"github.com/subtrack/subtrack/internal/store"
)

// PaymentReminders rolls every plan's payment date forward to its next
// billing date and reminds users who allow notifications about payments
// due within the configured number of days.
func (r *Runner) PaymentReminders(ctx context.Context) (*Report, error) {
	users, err := r.store.ListUsers(store.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return r.run(ctx, JobPayments, users, r.remindUser)
}

func (r *Runner) remindUser(ctx context.Context, u *store.User, rep *Report) error {
	plans, err := r.store.ListUserPlans(store.UserPlanFilter{UserID: u.ID})
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}

	opts := r.options()
	today := r.now().UTC()
	log := r.logger.With("job", JobPayments, "user_id", u.ID)

	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := spending.NextPaymentDate(p.PaymentDate, p.PeriodDays, today)
		if !next.Equal(p.PaymentDate) {
			if err := r.store.UpdatePaymentDate(p.ID, next); err != nil {
				rep.add(func(rep *Report) { rep.Failed++ })
				log.Warn("failed to roll payment date", "user_plan_id", p.ID, "error", err)
				continue
			}
			r.publish(Event{Type: EventPaymentRolled, Job: JobPayments, UserID: u.ID, UserPlanID: p.ID,
				Data: map[string]string{"payment_date": next.Format("2006-01-02")}})
		}
		rep.add(func(rep *Report) { rep.Processed++ })

		daysLeft := int(next.Sub(dayOf(today)).Hours() / 24)
		if !u.AllowNotifications || daysLeft > opts.ReminderDays {
			continue
		}

		r.notify(ctx, log, JobPayments, notify.Notification{
			Kind:    notify.KindPaymentDue,
			Title:   "Upcoming payment",
			Message: fmt.Sprintf("%s (%s) renews %s for %s.", p.SubscriptionName, p.PlanName, dueIn(daysLeft), p.Cost.StringFixed(2)),
			UserID:  u.ID,
			Subject: p.ID + "@" + next.Format("2006-01-02"),
			Details: map[string]interface{}{
				"subscription": p.SubscriptionName,
				"plan":         p.PlanName,
				"cost":         p.Cost.StringFixed(2),
				"payment_date": next.Format("2006-01-02"),
				"days_left":    daysLeft,
			},
		}, rep)
	}
	return nil
}

func dueIn(days int) string {
	switch days {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	default:
		return fmt.Sprintf("in %d days", days)
	}
}
