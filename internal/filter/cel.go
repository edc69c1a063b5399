// Package filter narrows the plans considered for a budget recommendation
// with user supplied CEL conditions such as
//
//	plan.category == "Streaming" && plan.score >= 3
package filter

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/subtrack/subtrack/internal/store"
)

// Condition is a pre-compiled CEL program.
type Condition struct {
	Expression string
	program    cel.Program
}

// Evaluator compiles and evaluates plan conditions. Evaluation is safe for
// concurrent use.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator with the plan.* variables declared.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("plan.id", cel.StringType),
		cel.Variable("plan.name", cel.StringType),
		cel.Variable("plan.subscription", cel.StringType),
		cel.Variable("plan.category", cel.StringType),
		cel.Variable("plan.cost", cel.DoubleType),
		cel.Variable("plan.period_days", cel.IntType),
		cel.Variable("plan.score", cel.IntType),
		cel.Variable("plan.scored", cel.BoolType),
		cel.Variable("plan.track_usage", cel.BoolType),
		cel.Variable("plan.average_usage", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:    env,
		logger: logger.With("component", "filter.Evaluator"),
	}, nil
}

// Compile parses and type-checks expr, which must evaluate to bool.
func (e *Evaluator) Compile(expr string) (Condition, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Condition{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return Condition{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return Condition{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	e.logger.Debug("compiled CEL expression", "expression", expr)
	return Condition{Expression: expr, program: prg}, nil
}

// Match reports whether the plan satisfies cond. Unscored plans expose
// plan.score as 0 and plan.scored as false.
func (e *Evaluator) Match(cond Condition, p *store.UserPlanView) (bool, error) {
	score := 0
	if p.UsageScore != nil {
		score = *p.UsageScore
	}
	cost, _ := p.Cost.Float64()

	vars := map[string]interface{}{
		"plan.id":            p.ID,
		"plan.name":          p.PlanName,
		"plan.subscription":  p.SubscriptionName,
		"plan.category":      p.CategoryName,
		"plan.cost":          cost,
		"plan.period_days":   int64(p.PeriodDays),
		"plan.score":         int64(score),
		"plan.scored":        p.UsageScore != nil,
		"plan.track_usage":   p.TrackUsage,
		"plan.average_usage": int64(p.AverageUsage),
	}

	out, _, err := cond.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", cond.Expression, out.Value())
	}
	return result, nil
}

// Apply returns the plans matching expr in their original order. An empty
// expression matches everything.
func (e *Evaluator) Apply(expr string, plans []*store.UserPlanView) ([]*store.UserPlanView, error) {
	if expr == "" {
		return plans, nil
	}
	cond, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}

	out := make([]*store.UserPlanView, 0, len(plans))
	for _, p := range plans {
		ok, err := e.Match(cond, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
