package spending

import (
	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/store"
)

var hundred = decimal.NewFromInt(100)

// CategorySpending is one category's normalized cost per period label and
// its share of the user's total for that period.
type CategorySpending struct {
	Icon        string                     `json:"icon,omitempty"`
	Costs       map[string]decimal.Decimal `json:"costs"`
	Percentages map[string]decimal.Decimal `json:"percentages"`
}

// ByCategory breaks normalized spending down by category name for every
// period in Periods. Costs and percentages are rounded to two places.
func ByCategory(plans []*store.UserPlanView) map[string]*CategorySpending {
	totals := make(map[string]decimal.Decimal, len(Periods))
	out := make(map[string]*CategorySpending)

	for _, p := range plans {
		if p.PeriodDays <= 0 {
			continue
		}
		cs, ok := out[p.CategoryName]
		if !ok {
			cs = &CategorySpending{
				Icon:        p.CategoryIcon,
				Costs:       make(map[string]decimal.Decimal, len(Periods)),
				Percentages: make(map[string]decimal.Decimal, len(Periods)),
			}
			out[p.CategoryName] = cs
		}
		for _, period := range Periods {
			cost := Normalize(p.Cost, p.PeriodDays, period.Days)
			cs.Costs[period.Label] = cs.Costs[period.Label].Add(cost)
			totals[period.Label] = totals[period.Label].Add(cost)
		}
	}

	for _, cs := range out {
		for _, period := range Periods {
			cost := cs.Costs[period.Label]
			pct := decimal.Zero
			if total := totals[period.Label]; !total.IsZero() {
				pct = cost.Div(total).Mul(hundred)
			}
			cs.Percentages[period.Label] = pct.Round(2)
			cs.Costs[period.Label] = cost.Round(2)
		}
	}
	return out
}

// UsageByCategory sums usage scores per category name. Plans that have not
// been scored yet count as zero.
func UsageByCategory(plans []*store.UserPlanView) map[string]int {
	out := make(map[string]int)
	for _, p := range plans {
		score := 0
		if p.UsageScore != nil {
			score = *p.UsageScore
		}
		out[p.CategoryName] += score
	}
	return out
}
