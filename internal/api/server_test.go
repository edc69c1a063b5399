package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/config"
	"github.com/subtrack/subtrack/internal/filter"
	"github.com/subtrack/subtrack/internal/jobs"
	"github.com/subtrack/subtrack/internal/optimize"
	"github.com/subtrack/subtrack/internal/recommend"
	"github.com/subtrack/subtrack/internal/store"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *store.SQLiteStore
	user    *store.User
	spotify *store.Plan
	netflix *store.Plan
}

func newTestEnv(t *testing.T, withRunner bool) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{store: st, user: &store.User{Username: "ana"}}
	if err := st.UpsertUser(env.user); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	music := &store.Category{Name: "Music"}
	video := &store.Category{Name: "Video"}
	for _, c := range []*store.Category{music, video} {
		if err := st.UpsertCategory(c); err != nil {
			t.Fatalf("UpsertCategory: %v", err)
		}
	}
	spotify := &store.Subscription{Name: "Spotify", CategoryID: music.ID}
	netflix := &store.Subscription{Name: "Netflix", CategoryID: video.ID}
	for _, sub := range []*store.Subscription{spotify, netflix} {
		if err := st.UpsertSubscription(sub); err != nil {
			t.Fatalf("UpsertSubscription: %v", err)
		}
	}
	env.spotify = &store.Plan{SubscriptionID: spotify.ID, Name: "Individual", Cost: decimal.RequireFromString("10.99"), PeriodDays: 30}
	env.netflix = &store.Plan{SubscriptionID: netflix.ID, Name: "Standard", Cost: decimal.RequireFromString("15.49"), PeriodDays: 30}
	for _, p := range []*store.Plan{env.spotify, env.netflix} {
		if err := st.UpsertPlan(p); err != nil {
			t.Fatalf("UpsertPlan: %v", err)
		}
	}

	loader := config.NewLoader()
	cfg := loader.Get()
	evaluator, err := filter.NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	rec := recommend.NewService(st, optimize.NewOptimizer(cfg.Budget.Limits(), nil), evaluator, cfg.Budget.DefaultPeriod, nil)

	var runner *jobs.Runner
	if withRunner {
		runner = jobs.NewRunner(st, nil, nil, jobs.Options{Concurrency: 2, ReminderDays: 3}, nil)
	}

	env.srv = NewServer(config.ServerConfig{}, st, loader, rec, runner, nil)
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) addPlan(t *testing.T, planID, paymentDate string) *store.UserPlanView {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/user-plans", e.user.ID, map[string]interface{}{
		"plan_id":      planID,
		"payment_date": paymentDate,
		"track_usage":  true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user plan: status %d, body %s", w.Code, w.Body.String())
	}
	var view store.UserPlanView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode user plan: %v", err)
	}
	return &view
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[map[string]interface{}](t, w)
	if got["status"] != "ok" {
		t.Errorf("status = %v", got["status"])
	}
}

func TestUserRequired(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		user string
	}{
		{"missing header", ""},
		{"unknown user", "nobody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/user-plans", tt.user, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, false)

	cats := decode[[]store.Category](t, env.do(t, http.MethodGet, "/api/categories", "", nil))
	if len(cats) != 2 {
		t.Errorf("categories = %d, want 2", len(cats))
	}

	plans := decode[[]store.Plan](t, env.do(t, http.MethodGet, "/api/plans?subscription_id="+env.spotify.SubscriptionID, "", nil))
	if len(plans) != 1 || !plans[0].Cost.Equal(decimal.RequireFromString("10.99")) {
		t.Errorf("plans = %+v", plans)
	}
}

func TestUserPlanLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	view := env.addPlan(t, env.spotify.ID, "2026-03-10")
	if view.SubscriptionName != "Spotify" || view.CategoryName != "Music" {
		t.Errorf("created view = %+v", view)
	}

	list := decode[listPage](t, env.do(t, http.MethodGet, "/api/user-plans", env.user.ID, nil))
	if list.Count != 1 || len(list.Results) != 1 || list.Results[0].ID != view.ID {
		t.Fatalf("list = %+v", list)
	}

	if w := env.do(t, http.MethodDelete, "/api/user-plans/"+view.ID, env.user.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/user-plans/"+view.ID, env.user.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestCreateUserPlan_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing plan", map[string]interface{}{"payment_date": "2026-03-10"}, http.StatusBadRequest},
		{"bad date", map[string]interface{}{"plan_id": env.spotify.ID, "payment_date": "10/03/2026"}, http.StatusBadRequest},
		{"unknown field", map[string]interface{}{"plan_id": env.spotify.ID, "price": 3}, http.StatusBadRequest},
		{"unknown plan", map[string]interface{}{"plan_id": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/user-plans", env.user.ID, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestListScores(t *testing.T) {
	env := newTestEnv(t, false)
	view := env.addPlan(t, env.spotify.ID, "2026-03-10")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, score := range []int{3, 8} {
		rec := &store.ScoreRecord{UserPlanID: view.ID, Score: score, RecentMA: 120, ComputedAt: start.AddDate(0, 0, i)}
		if err := env.store.RecordScore(rec); err != nil {
			t.Fatalf("RecordScore: %v", err)
		}
	}

	scores := decode[[]store.ScoreRecord](t, env.do(t, http.MethodGet, "/api/user-plans/"+view.ID+"/scores?limit=1", env.user.ID, nil))
	if len(scores) != 1 || scores[0].Score != 8 {
		t.Errorf("scores = %+v, want latest only", scores)
	}

	other := &store.User{Username: "bo"}
	if err := env.store.UpsertUser(other); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if w := env.do(t, http.MethodGet, "/api/user-plans/"+view.ID+"/scores", other.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign scores status = %d, want 404", w.Code)
	}
}

func TestSpendingEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	env.addPlan(t, env.spotify.ID, "2026-03-10")
	env.addPlan(t, env.netflix.ID, "2026-03-12")

	totals := decode[map[string]decimal.Decimal](t, env.do(t, http.MethodGet, "/api/spending/total", env.user.ID, nil))
	for _, label := range []string{"day", "week", "month", "quarter", "year"} {
		if _, ok := totals[label]; !ok {
			t.Errorf("totals missing %q: %v", label, totals)
		}
	}

	custom := decode[map[string]decimal.Decimal](t, env.do(t, http.MethodGet, "/api/spending/total?days=45", env.user.ID, nil))
	if _, ok := custom["past_45_days"]; !ok || len(custom) != 1 {
		t.Errorf("custom totals = %v", custom)
	}
	for _, bad := range []string{"0", "-3", "abc"} {
		if w := env.do(t, http.MethodGet, "/api/spending/total?days="+bad, env.user.ID, nil); w.Code != http.StatusBadRequest {
			t.Errorf("days=%s status = %d, want 400", bad, w.Code)
		}
	}

	avg := decode[map[string]decimal.Decimal](t, env.do(t, http.MethodGet, "/api/spending/average?period=month", env.user.ID, nil))
	if want := decimal.RequireFromString("13.24"); !avg["month"].Equal(want) || len(avg) != 1 {
		t.Errorf("average = %v, want month %s", avg, want)
	}
	if w := env.do(t, http.MethodGet, "/api/spending/average?period=fortnight", env.user.ID, nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown period status = %d, want 400", w.Code)
	}

	byCat := decode[map[string]json.RawMessage](t, env.do(t, http.MethodGet, "/api/spending/category", env.user.ID, nil))
	if _, ok := byCat["Music"]; !ok {
		t.Errorf("spending by category = %v", byCat)
	}

	usageByCat := decode[map[string]int](t, env.do(t, http.MethodGet, "/api/usage/category", env.user.ID, nil))
	if usageByCat["Music"] != 0 || usageByCat["Video"] != 0 || len(usageByCat) != 2 {
		t.Errorf("usage by category = %v", usageByCat)
	}
}

func TestBudget(t *testing.T) {
	env := newTestEnv(t, false)
	spotify := env.addPlan(t, env.spotify.ID, "2026-03-10")
	netflix := env.addPlan(t, env.netflix.ID, "2026-03-12")
	for id, score := range map[string]int{spotify.ID: 8, netflix.ID: 3} {
		if err := env.store.RecordScore(&store.ScoreRecord{UserPlanID: id, Score: score}); err != nil {
			t.Fatalf("RecordScore: %v", err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/budget?budget=20&period=month", env.user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	rec := decode[recommend.Recommendation](t, w)
	if len(rec.Included) != 1 || rec.Included[0].ID != spotify.ID {
		t.Fatalf("included = %+v, want spotify only", rec.Included)
	}
	if len(rec.Excluded) != 1 || rec.Excluded[0].ID != netflix.ID {
		t.Errorf("excluded = %+v, want netflix", rec.Excluded)
	}
	if !rec.TotalCost.Equal(decimal.RequireFromString("10.99")) || rec.TotalScore != 8 {
		t.Errorf("totals = %s / %d", rec.TotalCost, rec.TotalScore)
	}

	filtered := decode[recommend.Recommendation](t, env.do(t, http.MethodGet,
		"/api/budget?budget=20&filter="+url.QueryEscape(`plan.subscription == "Netflix"`), env.user.ID, nil))
	if len(filtered.Included) != 1 || filtered.Included[0].ID != netflix.ID {
		t.Errorf("filtered included = %+v, want netflix", filtered.Included)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"missing budget", ""},
		{"bad budget", "budget=ten"},
		{"negative budget", "budget=-1"},
		{"unknown period", "budget=10&period=decade"},
		{"bad filter", "budget=10&filter=plan.cost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/budget?"+tt.query, env.user.ID, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestScoreUsage(t *testing.T) {
	env := newTestEnv(t, false)

	series := func(days int, seconds float64) []map[string]interface{} {
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		out := make([]map[string]interface{}, days)
		for i := range out {
			out[i] = map[string]interface{}{"date": start.AddDate(0, 0, i).Format(time.DateOnly), "seconds": seconds}
		}
		return out
	}

	w := env.do(t, http.MethodPost, "/api/usage/score", "", map[string]interface{}{"series": series(14, 600)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decode[map[string]interface{}](t, w)
	if got["score"] != float64(10) || got["declined"] != false {
		t.Errorf("assessment = %v, want score 10", got)
	}

	// Only the threshold is overridden; the window and trend knobs keep
	// their configured values.
	w = env.do(t, http.MethodPost, "/api/usage/score", "", map[string]interface{}{
		"series": series(14, 600),
		"params": map[string]interface{}{"threshold": 1200},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("partial params: status = %d, body %s", w.Code, w.Body.String())
	}
	got = decode[map[string]interface{}](t, w)
	if got["score"] != float64(5) || got["recent_ma"] != float64(600) || got["declined"] != false {
		t.Errorf("partial params assessment = %v, want score 5", got)
	}

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"insufficient data", map[string]interface{}{"series": series(3, 600)}, http.StatusUnprocessableEntity},
		{"bad date", map[string]interface{}{"series": []map[string]interface{}{{"date": "March 1", "seconds": 1}}}, http.StatusBadRequest},
		{"negative seconds", map[string]interface{}{"series": series(14, -1)}, http.StatusBadRequest},
		{"bad params", map[string]interface{}{"series": series(14, 600), "params": map[string]interface{}{"threshold": 0}}, http.StatusBadRequest},
		{"unknown param", map[string]interface{}{"series": series(14, 600), "params": map[string]interface{}{"windw": 3}}, http.StatusBadRequest},
		{"trend period longer than series", map[string]interface{}{"series": series(14, 600), "params": map[string]interface{}{"trend_period": 30}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/usage/score", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRunJobs(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, false)
		if w := env.do(t, http.MethodPost, "/api/jobs/payments", "", nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("payments", func(t *testing.T) {
		env := newTestEnv(t, true)
		view := env.addPlan(t, env.spotify.ID, "2020-01-01")

		w := env.do(t, http.MethodPost, "/api/jobs/payments", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		rep := decode[map[string]interface{}](t, w)
		if rep["job"] != jobs.JobPayments || rep["processed"] != float64(1) || rep["failed"] != float64(0) {
			t.Errorf("report = %v", rep)
		}

		got, err := env.store.GetUserPlan(view.ID)
		if err != nil {
			t.Fatalf("GetUserPlan: %v", err)
		}
		if got.PaymentDate.Before(time.Now().UTC().Truncate(24 * time.Hour)) {
			t.Errorf("payment date %s not rolled forward", got.PaymentDate)
		}
	})

	t.Run("usage without fetcher", func(t *testing.T) {
		env := newTestEnv(t, true)
		if w := env.do(t, http.MethodPost, "/api/jobs/usage", "", nil); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}
