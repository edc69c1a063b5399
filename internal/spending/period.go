// Package spending computes what a user pays for their subscriptions over
// calendar periods, per category and on average.
package spending

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownPeriod is returned for a period label not in Periods.
var ErrUnknownPeriod = errors.New("unknown period")

// Period is a named span of days.
type Period struct {
	Label string `json:"label"`
	Days  int    `json:"days"`
}

// Periods are the supported billing and reporting periods, shortest first.
var Periods = []Period{
	{Label: "day", Days: 1},
	{Label: "week", Days: 7},
	{Label: "month", Days: 30},
	{Label: "quarter", Days: 90},
	{Label: "year", Days: 365},
}

// PeriodDays resolves a label such as "month" to its length in days.
func PeriodDays(label string) (int, error) {
	for _, p := range Periods {
		if p.Label == label {
			return p.Days, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownPeriod, label)
}

// Normalize converts a cost billed every periodDays into the cost of
// targetDays. A non-positive periodDays yields zero.
func Normalize(cost decimal.Decimal, periodDays, targetDays int) decimal.Decimal {
	if periodDays <= 0 {
		return decimal.Zero
	}
	return cost.Mul(decimal.NewFromInt(int64(targetDays))).Div(decimal.NewFromInt(int64(periodDays)))
}

// NextPaymentDate returns the first billing date on or after today for a
// plan last billed (or first due) on paymentDate.
func NextPaymentDate(paymentDate time.Time, periodDays int, today time.Time) time.Time {
	pd, now := day(paymentDate), day(today)
	if periodDays <= 0 || !pd.Before(now) {
		return pd
	}
	behind := daysBetween(pd, now)
	periods := (behind + periodDays - 1) / periodDays
	return pd.AddDate(0, 0, periods*periodDays)
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween returns the whole days from a to b on day-truncated dates.
func daysBetween(a, b time.Time) int {
	return int(day(b).Sub(day(a)).Hours() / 24)
}
