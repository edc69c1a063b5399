package optimize

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// DefaultDenseCellLimit is the largest memo table allocated as a flat slice.
// Bigger problems fall back to a map keyed by (index, remaining budget).
const DefaultDenseCellLimit = 1 << 21

// Limits caps the size of a single optimization. Zero values disable the
// corresponding check.
type Limits struct {
	MaxBudgetUnits int64
	MaxItems       int
	DenseCellLimit int64
}

func (l Limits) check(items int, units int64) error {
	if l.MaxItems > 0 && items > l.MaxItems {
		return fmt.Errorf("%w: %d items, limit %d", ErrTooLarge, items, l.MaxItems)
	}
	if l.MaxBudgetUnits > 0 && units > l.MaxBudgetUnits {
		return fmt.Errorf("%w: budget of %d units, limit %d", ErrTooLarge, units, l.MaxBudgetUnits)
	}
	return nil
}

func (l Limits) denseCellLimit() int64 {
	if l.DenseCellLimit <= 0 {
		return DefaultDenseCellLimit
	}
	return l.DenseCellLimit
}

// Optimizer runs budget selections under fixed limits. It holds no per-run
// state and is safe for concurrent use.
type Optimizer struct {
	limits Limits
	logger *slog.Logger
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(limits Limits, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		limits: limits,
		logger: logger.With("component", "optimize.Optimizer"),
	}
}

// Limits returns the limits the optimizer enforces.
func (o *Optimizer) Limits() Limits {
	return o.limits
}

// Plan selects the best subset of items under budget and reports both the
// selected and the excluded IDs.
func (o *Optimizer) Plan(items []Item, budget decimal.Decimal) (Selection, error) {
	sel, err := solve(items, budget, o.limits)
	if err != nil {
		o.logger.Warn("budget plan rejected",
			"items", len(items),
			"budget", budget.String(),
			"error", err,
		)
		return Selection{}, err
	}

	o.logger.Debug("budget plan computed",
		"items", len(items),
		"budget_units", sel.BudgetUnits,
		"selected", len(sel.IDs),
		"total_score", sel.TotalScore,
		"total_cost", sel.TotalCost.StringFixed(2),
		"memo", sel.Memo,
	)
	return sel, nil
}
