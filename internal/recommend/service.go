// Package recommend picks which of a user's subscriptions to keep under a
// budget for a billing period.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/filter"
	"github.com/subtrack/subtrack/internal/optimize"
	"github.com/subtrack/subtrack/internal/spending"
	"github.com/subtrack/subtrack/internal/store"
)

// ErrInvalidRequest wraps problems with the caller's parameters.
var ErrInvalidRequest = errors.New("invalid request")

// PlanLister is the part of store.Store the service reads from.
type PlanLister interface {
	ListUserPlans(filter store.UserPlanFilter) ([]*store.UserPlanView, error)
}

// Request describes a budget to fit the user's plans into.
type Request struct {
	Budget     decimal.Decimal `json:"budget"`
	Period     string          `json:"period"`
	CategoryID string          `json:"category_id,omitempty"`
	// Filter is an optional CEL condition over plan.* variables.
	Filter string `json:"filter,omitempty"`
}

// Entry is a user plan with its cost normalized to the requested period.
type Entry struct {
	*store.UserPlanView
	PeriodCost decimal.Decimal `json:"period_cost"`
}

// Recommendation splits the candidate plans into the ones to keep and the
// ones to drop. Both lists keep the store's order.
type Recommendation struct {
	Included   []Entry         `json:"included_plans"`
	Excluded   []Entry         `json:"excluded_plans"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	TotalScore int             `json:"total_score"`
	Budget     decimal.Decimal `json:"budget"`
	Period     string          `json:"period"`
}

// Service builds recommendations from stored plans.
type Service struct {
	plans         PlanLister
	optimizer     *optimize.Optimizer
	filters       *filter.Evaluator
	defaultPeriod string
	logger        *slog.Logger
}

// NewService creates a recommendation service. filters may be nil, in which
// case requests carrying a filter expression are rejected.
func NewService(plans PlanLister, optimizer *optimize.Optimizer, filters *filter.Evaluator, defaultPeriod string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPeriod == "" {
		defaultPeriod = "month"
	}
	return &Service{
		plans:         plans,
		optimizer:     optimizer,
		filters:       filters,
		defaultPeriod: defaultPeriod,
		logger:        logger.With("component", "recommend.Service"),
	}
}

// Recommend returns the highest total usage subset of the user's plans whose
// period cost fits the budget.
func (s *Service) Recommend(ctx context.Context, userID string, req Request) (*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	period := req.Period
	if period == "" {
		period = s.defaultPeriod
	}
	days, err := spending.PeriodDays(period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Budget.IsNegative() {
		return nil, fmt.Errorf("%w: budget must not be negative", ErrInvalidRequest)
	}

	plans, err := s.plans.ListUserPlans(store.UserPlanFilter{UserID: userID, CategoryID: req.CategoryID})
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	if req.Filter != "" {
		if s.filters == nil {
			return nil, fmt.Errorf("%w: filters are not enabled", ErrInvalidRequest)
		}
		plans, err = s.filters.Apply(req.Filter, plans)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	entries := make([]Entry, len(plans))
	items := make([]optimize.Item, len(plans))
	for i, p := range plans {
		entries[i] = Entry{UserPlanView: p, PeriodCost: spending.Normalize(p.Cost, p.PeriodDays, days).Round(2)}
		score := 0
		if p.UsageScore != nil {
			score = *p.UsageScore
		}
		items[i] = optimize.Item{ID: p.ID, Cost: entries[i].PeriodCost, UsageScore: score}
	}

	sel, err := s.optimizer.Plan(items, req.Budget)
	if err != nil {
		return nil, err
	}

	chosen := make(map[string]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		chosen[id] = true
	}

	rec := &Recommendation{
		Included:   []Entry{},
		Excluded:   []Entry{},
		TotalCost:  sel.TotalCost,
		TotalScore: sel.TotalScore,
		Budget:     req.Budget,
		Period:     period,
	}
	for _, e := range entries {
		if chosen[e.ID] {
			rec.Included = append(rec.Included, e)
		} else {
			rec.Excluded = append(rec.Excluded, e)
		}
	}

	s.logger.Debug("recommendation built",
		"user_id", userID,
		"period", period,
		"candidates", len(entries),
		"included", len(rec.Included),
		"total_score", rec.TotalScore,
	)
	return rec, nil
}
