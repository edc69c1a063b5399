package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/jobs"
	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/screentime"
	"github.com/subtrack/subtrack/internal/spending"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
	defaultOrdering = "-payment_date"
	maxChartDays    = 366
)

var orderingFields = map[string]bool{
	"payment_date": true,
	"plan__name":   true,
	"track_usage":  true,
	"cost":         true,
}

// listOptions are the query parameters of GET /api/user-plans.
type listOptions struct {
	filter     store.UserPlanFilter
	periodDays int
	costMin    *decimal.Decimal
	costMax    *decimal.Decimal
	ordering   string
	page       int
	pageSize   int
}

func parseListOptions(q url.Values, userID string, today time.Time) (listOptions, error) {
	opts := listOptions{
		filter:   store.UserPlanFilter{UserID: userID, CategoryID: q.Get("category_id")},
		ordering: defaultOrdering,
		page:     1,
		pageSize: defaultPageSize,
	}

	if raw := q.Get("track_usage"); raw != "" {
		track := strings.EqualFold(raw, "true")
		if !track && !strings.EqualFold(raw, "false") {
			return opts, errors.New("track_usage must be 'true' or 'false'")
		}
		opts.filter.TrackUsage = &track
	}

	if label := q.Get("period"); label != "" {
		days, err := spending.PeriodDays(label)
		if err != nil {
			return opts, err
		}
		opts.periodDays = days
	}

	for _, p := range []struct {
		key string
		dst **decimal.Decimal
	}{{"cost_min", &opts.costMin}, {"cost_max", &opts.costMax}} {
		if raw := q.Get(p.key); raw != "" {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return opts, fmt.Errorf("%s must be a decimal number", p.key)
			}
			*p.dst = &d
		}
	}

	// Both windows end or start today, so together they narrow to their
	// overlap.
	if raw := q.Get("days_until_payment"); raw != "" {
		n, err := nonNegative("days_until_payment", raw)
		if err != nil {
			return opts, err
		}
		opts.filter.PaymentFrom = today
		opts.filter.PaymentTo = today.AddDate(0, 0, n)
	}
	if raw := q.Get("recently_paid"); raw != "" {
		n, err := nonNegative("recently_paid", raw)
		if err != nil {
			return opts, err
		}
		if opts.filter.PaymentFrom.IsZero() {
			opts.filter.PaymentFrom = today.AddDate(0, 0, -n)
		}
		opts.filter.PaymentTo = today
	}

	if raw := q.Get("ordering"); raw != "" {
		field := strings.TrimPrefix(raw, "-")
		if !orderingFields[field] {
			return opts, fmt.Errorf("invalid ordering field: %s", field)
		}
		if field == "cost" && opts.periodDays == 0 {
			return opts, errors.New("cannot order by 'cost' without a period parameter")
		}
		opts.ordering = raw
	}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return opts, errors.New("page must be a positive integer")
		}
		opts.page = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return opts, errors.New("page_size must be a positive integer")
		}
		opts.pageSize = min(n, maxPageSize)
	}
	return opts, nil
}

func nonNegative(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// userPlanEntry is a listed user plan. PeriodCost is set when the list was
// requested for a billing period.
type userPlanEntry struct {
	*store.UserPlanView
	PeriodCost *decimal.Decimal `json:"period_cost,omitempty"`
}

// cost is what cost_min, cost_max and cost ordering compare.
func (e userPlanEntry) cost() decimal.Decimal {
	if e.PeriodCost != nil {
		return *e.PeriodCost
	}
	return e.Cost
}

type userPlanPage struct {
	Count    int             `json:"count"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Results  []userPlanEntry `json:"results"`
}

func (s *Server) handleListUserPlans(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r.URL.Query(), userFrom(r).ID, dayOf(s.now()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plans, err := s.store.ListUserPlans(opts.filter)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	entries := make([]userPlanEntry, 0, len(plans))
	for _, p := range plans {
		e := userPlanEntry{UserPlanView: p}
		if opts.periodDays > 0 {
			c := spending.Normalize(p.Cost, p.PeriodDays, opts.periodDays).Round(2)
			e.PeriodCost = &c
		}
		if opts.costMin != nil && e.cost().LessThan(*opts.costMin) {
			continue
		}
		if opts.costMax != nil && e.cost().GreaterThan(*opts.costMax) {
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries, opts.ordering)

	page := userPlanPage{Count: len(entries), Page: opts.page, PageSize: opts.pageSize, Results: []userPlanEntry{}}
	if start := (opts.page - 1) * opts.pageSize; start < len(entries) {
		page.Results = entries[start:min(start+opts.pageSize, len(entries))]
	}
	writeJSON(w, page)
}

// sortEntries orders by one field, "-" prefixed for descending, with the
// ID as the final tie-break.
func sortEntries(entries []userPlanEntry, ordering string) {
	desc := strings.HasPrefix(ordering, "-")
	field := strings.TrimPrefix(ordering, "-")
	compare := func(a, b userPlanEntry) int {
		switch field {
		case "payment_date":
			return a.PaymentDate.Compare(b.PaymentDate)
		case "plan__name":
			return strings.Compare(a.PlanName, b.PlanName)
		case "track_usage":
			return boolCompare(a.TrackUsage, b.TrackUsage)
		case "cost":
			return a.cost().Cmp(b.cost())
		}
		return 0
	}
	slices.SortStableFunc(entries, func(a, b userPlanEntry) int {
		c := compare(a, b)
		if desc {
			c = -c
		}
		if c == 0 {
			return strings.Compare(a.ID, b.ID)
		}
		return c
	})
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// ownedPlan loads the user plan named in the path. Plans of other users
// answer 404 like missing ones.
func (s *Server) ownedPlan(w http.ResponseWriter, r *http.Request) (*store.UserPlanView, bool) {
	id := r.PathValue("id")
	view, err := s.store.GetUserPlan(id)
	if err == nil && view.UserID != userFrom(r).ID {
		err = fmt.Errorf("user plan %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return nil, false
	}
	return view, true
}

type toggleUsageRequest struct {
	TrackUsage *bool `json:"track_usage"`
}

func (s *Server) handleToggleUsage(w http.ResponseWriter, r *http.Request) {
	var req toggleUsageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TrackUsage == nil {
		writeError(w, http.StatusBadRequest, "track_usage is required")
		return
	}
	if err := s.store.SetTrackUsage(userFrom(r).ID, r.PathValue("id"), *req.TrackUsage); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"track_usage": *req.TrackUsage})
}

// activitySeries downloads the user's activity for the last days days and
// returns the plan's subscription series. It writes the error response
// itself.
func (s *Server) activitySeries(w http.ResponseWriter, r *http.Request, view *store.UserPlanView, days int) (usage.Series, bool) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "time tracking is not configured")
		return nil, false
	}
	key := userFrom(r).TimeTrackingKey
	if key == "" {
		writeError(w, http.StatusConflict, "no time tracking key set")
		return nil, false
	}

	end := dayOf(s.now())
	start := end.AddDate(0, 0, -(days - 1))
	activity, err := s.fetcher.Fetch(r.Context(), key, start, end)
	if err != nil {
		s.logger.Warn("activity fetch failed", "user_plan_id", view.ID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch activity")
		return nil, false
	}
	series, err := activity.Series(view.SubscriptionName)
	if errors.Is(err, screentime.ErrActivityNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return nil, false
	}
	return series, true
}

type usagePoint struct {
	Date          string  `json:"date"`
	Seconds       float64 `json:"seconds"`
	MovingAverage float64 `json:"moving_average"`
}

type usageChart struct {
	UserPlanID   string       `json:"user_plan_id"`
	Subscription string       `json:"subscription"`
	WindowSize   int          `json:"window_size"`
	Points       []usagePoint `json:"points"`
}

func (s *Server) handleUsageChart(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgLoader.Get().Usage
	days := queryInt(r, "days", cfg.LookbackDays)
	window := queryInt(r, "window", cfg.WindowSize)
	if days < 1 || days > maxChartDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxChartDays))
		return
	}
	if window < 1 {
		writeError(w, http.StatusBadRequest, "window must be positive")
		return
	}

	view, ok := s.ownedPlan(w, r)
	if !ok {
		return
	}
	series, ok := s.activitySeries(w, r, view, days)
	if !ok {
		return
	}

	ma := usage.MovingAverage(series, window)
	chart := usageChart{
		UserPlanID:   view.ID,
		Subscription: view.SubscriptionName,
		WindowSize:   window,
		Points:       make([]usagePoint, len(series)),
	}
	for i, d := range series {
		chart.Points[i] = usagePoint{Date: d.Date.Format(time.DateOnly), Seconds: d.Seconds, MovingAverage: ma[i]}
	}
	writeJSON(w, chart)
}

type planScore struct {
	usage.Assessment
	ComputedAt time.Time `json:"computed_at"`
	// Notified reports whether an unused-subscription warning was queued.
	Notified bool `json:"notified"`
}

// handleScoreUserPlan rescores one tracked plan now, the same way the
// usage job does, and queues a warning when it falls below the user's
// threshold.
func (s *Server) handleScoreUserPlan(w http.ResponseWriter, r *http.Request) {
	view, ok := s.ownedPlan(w, r)
	if !ok {
		return
	}
	cfg := s.cfgLoader.Get().Usage
	series, ok := s.activitySeries(w, r, view, cfg.LookbackDays)
	if !ok {
		return
	}

	a, err := usage.Evaluate(series, cfg.Params())
	switch {
	case errors.Is(err, usage.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	rec := &store.ScoreRecord{
		UserPlanID: view.ID,
		Score:      int(a.Score),
		RecentMA:   a.RecentMA,
		OlderMA:    a.OlderMA,
		ComputedAt: s.now().UTC(),
	}
	if err := s.store.RecordScore(rec); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	user := userFrom(r)
	s.wsHub.Publish(jobs.Event{Type: jobs.EventUsageScored, Job: jobs.JobUsage, UserID: user.ID,
		UserPlanID: view.ID, Data: a, Timestamp: rec.ComputedAt})

	out := planScore{Assessment: a, ComputedAt: rec.ComputedAt}
	threshold := user.UnusedThreshold
	if threshold <= 0 {
		threshold = cfg.UnusedThreshold
	}
	if s.notifier != nil && user.AllowNotifications && int(a.Score) < threshold {
		s.notifier.Send(notify.UnusedNotice(user.ID, view.ID, view.SubscriptionName, view.PlanName, int(a.Score), threshold))
		out.Notified = true
	}
	writeJSON(w, out)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
