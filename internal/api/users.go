package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/store"
)

// maxUnusedThreshold is the top of the usage score scale.
const maxUnusedThreshold = 10

type createUserRequest struct {
	Username           string `json:"username"`
	AllowNotifications bool   `json:"allow_notifications"`
	UnusedThreshold    int    `json:"unused_threshold"`
	TimeTrackingKey    string `json:"time_tracking_key"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := checkThreshold(req.UnusedThreshold); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u := &store.User{
		Username:           req.Username,
		AllowNotifications: req.AllowNotifications,
		UnusedThreshold:    req.UnusedThreshold,
		TimeTrackingKey:    req.TimeTrackingKey,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.UpsertUser(u); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("user created", "user_id", u.ID, "username", u.Username)
	writeCreated(w, u)
}

// settings is the user-editable part of an account. The time tracking key
// is write-only.
type settings struct {
	AllowNotifications bool `json:"allow_notifications"`
	UnusedThreshold    int  `json:"unused_threshold"`
	HasTimeTrackingKey bool `json:"has_time_tracking_key"`
}

func settingsOf(u *store.User) settings {
	return settings{
		AllowNotifications: u.AllowNotifications,
		UnusedThreshold:    u.UnusedThreshold,
		HasTimeTrackingKey: u.TimeTrackingKey != "",
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, settingsOf(userFrom(r)))
}

// updateSettingsRequest applies only the fields present. An empty
// time_tracking_key clears the key.
type updateSettingsRequest struct {
	AllowNotifications *bool   `json:"allow_notifications"`
	UnusedThreshold    *int    `json:"unused_threshold"`
	TimeTrackingKey    *string `json:"time_tracking_key"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u := *userFrom(r)
	if req.AllowNotifications != nil {
		u.AllowNotifications = *req.AllowNotifications
	}
	if req.UnusedThreshold != nil {
		if err := checkThreshold(*req.UnusedThreshold); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		u.UnusedThreshold = *req.UnusedThreshold
	}
	if req.TimeTrackingKey != nil {
		u.TimeTrackingKey = strings.TrimSpace(*req.TimeTrackingKey)
	}

	if err := s.store.UpsertUser(&u); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, settingsOf(&u))
}

func checkThreshold(v int) error {
	if v < 0 || v > maxUnusedThreshold {
		return fmt.Errorf("unused_threshold must be between 0 and %d", maxUnusedThreshold)
	}
	return nil
}

// --- Catalog writes ---

// A POST creates a row with a new ID. A PUT creates or replaces the row
// named in the path.

type categoryRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

func (s *Server) handleSaveCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	c := &store.Category{ID: r.PathValue("id"), Name: strings.TrimSpace(req.Name), Icon: req.Icon}
	if err := s.store.UpsertCategory(c); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeSaved(w, r, c)
}

type subscriptionRequest struct {
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
}

func (s *Server) handleSaveSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !exists(s, w, r, "category_id", req.CategoryID, s.store.GetCategory) {
		return
	}
	sub := &store.Subscription{ID: r.PathValue("id"), Name: strings.TrimSpace(req.Name), CategoryID: req.CategoryID}
	if err := s.store.UpsertSubscription(sub); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeSaved(w, r, sub)
}

type planRequest struct {
	SubscriptionID string           `json:"subscription_id"`
	Name           string           `json:"name"`
	Cost           *decimal.Decimal `json:"cost"`
	PeriodDays     int              `json:"period_days"`
}

func (s *Server) handleSavePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case strings.TrimSpace(req.Name) == "":
		writeError(w, http.StatusBadRequest, "name is required")
		return
	case req.Cost == nil:
		writeError(w, http.StatusBadRequest, "cost is required")
		return
	case req.Cost.IsNegative():
		writeError(w, http.StatusBadRequest, "cost must not be negative")
		return
	case req.PeriodDays <= 0:
		writeError(w, http.StatusBadRequest, "period_days must be positive")
		return
	}
	if !exists(s, w, r, "subscription_id", req.SubscriptionID, s.store.GetSubscription) {
		return
	}
	p := &store.Plan{
		ID:             r.PathValue("id"),
		SubscriptionID: req.SubscriptionID,
		Name:           strings.TrimSpace(req.Name),
		Cost:           *req.Cost,
		PeriodDays:     req.PeriodDays,
	}
	if err := s.store.UpsertPlan(p); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeSaved(w, r, p)
}

// exists checks that a referenced catalog row is present and writes a 400
// when it is not.
func exists[T any](s *Server, w http.ResponseWriter, r *http.Request, field, id string, get func(string) (T, error)) bool {
	if id == "" {
		writeError(w, http.StatusBadRequest, field+" is required")
		return false
	}
	_, err := get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s %q does not exist", field, id))
		return false
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return false
	}
	return true
}

// writeSaved answers 201 for a POST and 200 for a PUT.
func writeSaved(w http.ResponseWriter, r *http.Request, v interface{}) {
	if r.Method == http.MethodPost {
		writeCreated(w, v)
		return
	}
	writeJSON(w, v)
}
