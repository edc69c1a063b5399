package spending

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/store"
)

// Calculator totals actual payments made within trailing windows ending
// today.
type Calculator struct {
	plans []*store.UserPlanView
	today time.Time
}

// NewCalculator creates a Calculator over a user's plans.
func NewCalculator(plans []*store.UserPlanView, today time.Time) *Calculator {
	return &Calculator{plans: plans, today: day(today)}
}

// Totals returns the amount paid in the last Days of each period, keyed by
// label and rounded to cents.
func (c *Calculator) Totals(periods []Period) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(periods))
	for _, p := range periods {
		out[p.Label] = c.Custom(p.Days)
	}
	return out
}

// Custom returns the amount paid in the last days days, rounded to cents.
func (c *Calculator) Custom(days int) decimal.Decimal {
	start := c.today.AddDate(0, 0, -days)
	return c.rangeTotal(start, c.today).Round(2)
}

func (c *Calculator) rangeTotal(start, end time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.plans {
		if p.PeriodDays <= 0 {
			continue
		}

		last := day(p.PaymentDate)
		if last.After(end) {
			last = rollBack(last, end, p.PeriodDays)
		}
		if last.Before(start) {
			continue
		}

		payments := daysBetween(start, last)/p.PeriodDays + 1
		total = total.Add(p.Cost.Mul(decimal.NewFromInt(int64(payments))))
	}
	return total
}

// rollBack moves a future payment date back by whole periods to the last
// billing date on or before end.
func rollBack(paymentDate, end time.Time, periodDays int) time.Time {
	over := daysBetween(end, paymentDate)
	periods := (over + periodDays - 1) / periodDays
	return paymentDate.AddDate(0, 0, -periods*periodDays)
}

// Averages returns the mean per-plan cost normalized to each period,
// rounded to cents. A user without plans averages zero.
func Averages(plans []*store.UserPlanView, periods []Period) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(periods))
	for _, period := range periods {
		if len(plans) == 0 {
			out[period.Label] = decimal.Zero
			continue
		}
		sum := decimal.Zero
		for _, p := range plans {
			sum = sum.Add(Normalize(p.Cost, p.PeriodDays, period.Days))
		}
		out[period.Label] = sum.Div(decimal.NewFromInt(int64(len(plans)))).Round(2)
	}
	return out
}
