package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/optimize"
	"github.com/subtrack/subtrack/internal/recommend"
	"github.com/subtrack/subtrack/internal/spending"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

type ctxKey struct{}

// userRequired resolves the caller from the user header and rejects
// requests without a known user.
func (s *Server) userRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		user, err := s.store.GetUser(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		if err != nil {
			s.writeInternal(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	}
}

func userFrom(r *http.Request) *store.User {
	u, _ := r.Context().Value(ctxKey{}).(*store.User)
	return u
}

// --- Catalog ---

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories()
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, nonNil(cats))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, nonNil(subs))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.URL.Query().Get("subscription_id"))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, nonNil(plans))
}

// --- User plans ---

type createUserPlanRequest struct {
	PlanID      string `json:"plan_id"`
	PaymentDate string `json:"payment_date"`
	TrackUsage  bool   `json:"track_usage"`
}

func (s *Server) handleCreateUserPlan(w http.ResponseWriter, r *http.Request) {
	var req createUserPlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	payment := s.now().UTC()
	if req.PaymentDate != "" {
		d, err := time.Parse(time.DateOnly, req.PaymentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payment_date must be YYYY-MM-DD")
			return
		}
		payment = d
	}

	up := &store.UserPlan{
		UserID:      userFrom(r).ID,
		PlanID:      req.PlanID,
		PaymentDate: payment,
		TrackUsage:  req.TrackUsage,
	}
	if err := s.store.InsertUserPlan(up); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	view, err := s.store.GetUserPlan(up.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeCreated(w, view)
}

func (s *Server) handleDeleteUserPlan(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUserPlan(userFrom(r).ID, r.PathValue("id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListScores(w http.ResponseWriter, r *http.Request) {
	view, ok := s.ownedPlan(w, r)
	if !ok {
		return
	}
	scores, err := s.store.ListScores(view.ID, queryInt(r, "limit", 30))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, nonNil(scores))
}

// --- Analytics ---

func (s *Server) userPlans(w http.ResponseWriter, r *http.Request) ([]*store.UserPlanView, bool) {
	plans, err := s.store.ListUserPlans(store.UserPlanFilter{UserID: userFrom(r).ID})
	if err != nil {
		s.writeInternal(w, r, err)
		return nil, false
	}
	return plans, true
}

func (s *Server) handleTotalSpending(w http.ResponseWriter, r *http.Request) {
	plans, ok := s.userPlans(w, r)
	if !ok {
		return
	}
	calc := spending.NewCalculator(plans, s.now().UTC())

	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		writeJSON(w, map[string]decimal.Decimal{fmt.Sprintf("past_%d_days", days): calc.Custom(days)})
		return
	}
	writeJSON(w, calc.Totals(spending.Periods))
}

func (s *Server) handleAverageSpending(w http.ResponseWriter, r *http.Request) {
	plans, ok := s.userPlans(w, r)
	if !ok {
		return
	}
	periods := spending.Periods
	if label := r.URL.Query().Get("period"); label != "" {
		days, err := spending.PeriodDays(label)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		periods = []spending.Period{{Label: label, Days: days}}
	}
	writeJSON(w, spending.Averages(plans, periods))
}

func (s *Server) handleSpendingByCategory(w http.ResponseWriter, r *http.Request) {
	plans, ok := s.userPlans(w, r)
	if !ok {
		return
	}
	writeJSON(w, spending.ByCategory(plans))
}

func (s *Server) handleUsageByCategory(w http.ResponseWriter, r *http.Request) {
	plans, ok := s.userPlans(w, r)
	if !ok {
		return
	}
	writeJSON(w, spending.UsageByCategory(plans))
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("budget")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "budget is required")
		return
	}
	budget, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid budget value")
		return
	}

	rec, err := s.recommender.Recommend(r.Context(), userFrom(r).ID, recommend.Request{
		Budget:     budget,
		Period:     q.Get("period"),
		CategoryID: q.Get("category_id"),
		Filter:     q.Get("filter"),
	})
	switch {
	case errors.Is(err, recommend.ErrInvalidRequest), errors.Is(err, optimize.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, optimize.ErrTooLarge):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.writeInternal(w, r, err)
	default:
		writeJSON(w, rec)
	}
}

type scoreRequest struct {
	Series []struct {
		Date    string  `json:"date"`
		Seconds float64 `json:"seconds"`
	} `json:"series"`
	// Params overrides individual knobs. Omitted knobs keep the
	// configured values.
	Params json.RawMessage `json:"params,omitempty"`
	// FillGaps inserts zero days for dates missing from the series.
	FillGaps bool `json:"fill_gaps"`
}

func (s *Server) handleScoreUsage(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series := make(usage.Series, 0, len(req.Series))
	for i, d := range req.Series {
		date, err := time.Parse(time.DateOnly, d.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("series[%d].date must be YYYY-MM-DD", i))
			return
		}
		series = append(series, usage.Day{Date: date, Seconds: d.Seconds})
	}
	if req.FillGaps {
		if err := series.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		series = usage.FillGaps(series)
	}

	params := s.cfgLoader.Get().Usage.Params()
	if len(req.Params) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
			return
		}
	}

	a, err := usage.Evaluate(series, params)
	switch {
	case errors.Is(err, usage.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, usage.ErrInvalidSeries):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.writeInternal(w, r, err)
	default:
		writeJSON(w, a)
	}
}

// --- Jobs ---

func (s *Server) handleRunPayments(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs are disabled")
		return
	}
	rep, err := s.runner.PaymentReminders(r.Context())
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleRunUsage(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs are disabled")
		return
	}
	rep, err := s.runner.UsageRefresh(r.Context())
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, rep)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":     "ok",
		"ws_clients": s.wsHub.ClientCount(),
	})
}

// --- Helpers ---

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeInternal(w, r, err)
	}
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeCreated(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
