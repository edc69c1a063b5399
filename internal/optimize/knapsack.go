// Package optimize picks the subset of a user's subscriptions that maximizes
// total usage score without exceeding a spending budget.
//
// The solver is an exact 0/1 knapsack over whole currency units: costs and
// the budget are rounded to the nearest unit before indexing the memo table,
// so fractions below one unit are not distinguished.
package optimize

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for negative costs, scores or budgets and
	// for missing or duplicate item IDs.
	ErrInvalidInput = errors.New("invalid optimizer input")

	// ErrTooLarge is returned when the input exceeds the configured limits.
	ErrTooLarge = errors.New("optimizer input too large")
)

// densityEpsilon stands in for a zero cost when computing value density.
const densityEpsilon = 1e-9

// maxBudgetUnits bounds the remaining budget so it packs into the low half
// of a sparse memo key.
const maxBudgetUnits = math.MaxUint32

var (
	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// Item is one candidate subscription plan. Cost must already be normalized
// to the billing period the budget refers to.
type Item struct {
	ID         string          `json:"id"`
	Cost       decimal.Decimal `json:"cost"`
	UsageScore int             `json:"usage_score"`
}

// Selection is the outcome of a budget optimization.
type Selection struct {
	// IDs lists the selected items in tie-break order.
	IDs []string `json:"ids"`
	// Excluded lists the remaining items in input order.
	Excluded    []string        `json:"excluded"`
	BudgetUnits int64           `json:"budget_units"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	TotalScore  int             `json:"total_score"`
	// Memo reports which memo table backed the run: "dense" or "sparse".
	Memo string `json:"memo"`
}

// Select returns the IDs of the subset of items with the highest total usage
// score whose rounded cost fits in the rounded budget. When several subsets
// tie, the one containing the higher density items is returned.
func Select(items []Item, budget decimal.Decimal) ([]string, error) {
	sel, err := solve(items, budget, Limits{})
	if err != nil {
		return nil, err
	}
	return sel.IDs, nil
}

// Units rounds an amount to the nearest whole currency unit, halves away
// from zero. Amounts outside the int64 range saturate.
func Units(d decimal.Decimal) int64 {
	r := d.Round(0)
	switch {
	case r.GreaterThan(maxUnits):
		return math.MaxInt64
	case r.LessThan(minUnits):
		return math.MinInt64
	}
	return r.IntPart()
}

// unitsAtMost is Units capped at limit.
func unitsAtMost(d decimal.Decimal, limit int64) int64 {
	if d.Round(0).GreaterThan(decimal.NewFromInt(limit)) {
		return limit
	}
	return Units(d)
}

func validate(items []Item, budget decimal.Decimal) error {
	if budget.IsNegative() {
		return fmt.Errorf("%w: budget %s is negative", ErrInvalidInput, budget)
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ID == "" {
			return fmt.Errorf("%w: item %d has no id", ErrInvalidInput, i)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: duplicate item id %q", ErrInvalidInput, it.ID)
		}
		seen[it.ID] = struct{}{}
		if it.Cost.IsNegative() {
			return fmt.Errorf("%w: item %q has negative cost %s", ErrInvalidInput, it.ID, it.Cost)
		}
		if it.UsageScore < 0 {
			return fmt.Errorf("%w: item %q has negative usage score %d", ErrInvalidInput, it.ID, it.UsageScore)
		}
	}
	return nil
}

// candidate is an item scaled to integer units plus its input position.
type candidate struct {
	pos   int
	cost  int64
	score int
}

func (c candidate) density() float64 {
	return float64(c.score) / math.Max(float64(c.cost), densityEpsilon)
}

// order sorts candidates by descending density, then ascending scaled cost,
// then input position. Costs above budget units are capped at budget+1 so
// they stay unaffordable without leaving the int64 range.
func order(items []Item, budget int64) []candidate {
	cands := make([]candidate, len(items))
	for i, it := range items {
		cands[i] = candidate{pos: i, cost: unitsAtMost(it.Cost, budget+1), score: it.UsageScore}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		da, db := cands[a].density(), cands[b].density()
		if da != db {
			return da > db
		}
		if cands[a].cost != cands[b].cost {
			return cands[a].cost < cands[b].cost
		}
		return cands[a].pos < cands[b].pos
	})
	return cands
}

func solve(items []Item, budget decimal.Decimal, limits Limits) (Selection, error) {
	if err := validate(items, budget); err != nil {
		return Selection{}, err
	}

	if budget.Round(0).GreaterThan(decimal.NewFromInt(maxBudgetUnits)) {
		return Selection{}, fmt.Errorf("%w: budget of %s", ErrTooLarge, budget)
	}
	units := Units(budget)
	if err := limits.check(len(items), units); err != nil {
		return Selection{}, err
	}

	sel := Selection{BudgetUnits: units, TotalCost: decimal.Zero, IDs: []string{}, Excluded: []string{}}
	cands := order(items, units)

	// Budget beyond the total cost of all items cannot change the answer.
	// Every capped cost is at most units+1, so stopping once the sum
	// reaches units keeps it from overflowing.
	var total int64
	for _, c := range cands {
		total += c.cost
		if total >= units {
			break
		}
	}
	capacity := min(units, total)

	s := newSolver(cands, capacity, limits.denseCellLimit())
	sel.Memo = s.kind()

	picked := make([]bool, len(items))
	b := capacity
	for i, c := range cands {
		if c.score == 0 || c.cost > b {
			continue
		}
		if c.score+s.best(i+1, b-c.cost) == s.best(i, b) {
			picked[c.pos] = true
			sel.IDs = append(sel.IDs, items[c.pos].ID)
			sel.TotalScore += c.score
			sel.TotalCost = sel.TotalCost.Add(items[c.pos].Cost)
			b -= c.cost
		}
	}

	for i, it := range items {
		if !picked[i] {
			sel.Excluded = append(sel.Excluded, it.ID)
		}
	}
	return sel, nil
}

// solver memoizes best(i, b): the highest score reachable using candidates
// i..n-1 with b units left.
type solver struct {
	cands  []candidate
	width  int64
	dense  []int
	sparse map[uint64]int
}

func newSolver(cands []candidate, capacity int64, denseLimit int64) *solver {
	s := &solver{cands: cands, width: capacity + 1}
	cells := int64(len(cands)) * s.width
	if cells <= denseLimit {
		s.dense = make([]int, cells)
		for i := range s.dense {
			s.dense[i] = -1
		}
	} else {
		s.sparse = make(map[uint64]int)
	}
	return s
}

func (s *solver) kind() string {
	if s.sparse != nil {
		return "sparse"
	}
	return "dense"
}

func (s *solver) lookup(i int, b int64) (int, bool) {
	if s.sparse != nil {
		v, ok := s.sparse[uint64(i)<<32|uint64(b)]
		return v, ok
	}
	v := s.dense[int64(i)*s.width+b]
	return v, v >= 0
}

func (s *solver) remember(i int, b int64, v int) {
	if s.sparse != nil {
		s.sparse[uint64(i)<<32|uint64(b)] = v
		return
	}
	s.dense[int64(i)*s.width+b] = v
}

func (s *solver) best(i int, b int64) int {
	if i == len(s.cands) {
		return 0
	}
	if v, ok := s.lookup(i, b); ok {
		return v
	}
	c := s.cands[i]
	v := s.best(i+1, b)
	if c.cost <= b {
		if with := c.score + s.best(i+1, b-c.cost); with > v {
			v = with
		}
	}
	s.remember(i, b, v)
	return v
}
