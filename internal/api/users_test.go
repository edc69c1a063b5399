package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/store"
)

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/users", "", map[string]interface{}{
		"username":            "bo",
		"allow_notifications": true,
		"unused_threshold":    4,
		"time_tracking_key":   "rt-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	created := decode[map[string]interface{}](t, w)
	id, _ := created["id"].(string)
	if id == "" || created["username"] != "bo" {
		t.Fatalf("created = %v", created)
	}
	if _, leaked := created["time_tracking_key"]; leaked {
		t.Error("response exposes the time tracking key")
	}

	stored, err := env.store.GetUser(id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !stored.AllowNotifications || stored.UnusedThreshold != 4 || stored.TimeTrackingKey != "rt-secret" {
		t.Errorf("stored user = %+v", stored)
	}

	// The new ID authenticates right away.
	if w := env.do(t, http.MethodGet, "/api/user-plans", id, nil); w.Code != http.StatusOK {
		t.Errorf("list as new user status = %d, want 200", w.Code)
	}

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"taken username", map[string]interface{}{"username": "ana"}, http.StatusConflict},
		{"blank username", map[string]interface{}{"username": "  "}, http.StatusBadRequest},
		{"threshold above scale", map[string]interface{}{"username": "cy", "unused_threshold": 11}, http.StatusBadRequest},
		{"unknown field", map[string]interface{}{"username": "cy", "password": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/users", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestUserSettings(t *testing.T) {
	env := newTestEnv(t, false)

	got := decode[settings](t, env.do(t, http.MethodGet, "/api/user/settings", env.user.ID, nil))
	if got != (settings{}) {
		t.Errorf("initial settings = %+v, want zero", got)
	}

	w := env.do(t, http.MethodPatch, "/api/user/settings", env.user.ID, map[string]interface{}{
		"allow_notifications": true,
		"time_tracking_key":   "rt-key",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", w.Code, w.Body.String())
	}
	got = decode[settings](t, w)
	if !got.AllowNotifications || !got.HasTimeTrackingKey || got.UnusedThreshold != 0 {
		t.Errorf("after first patch = %+v", got)
	}

	// A partial update leaves the other fields alone.
	got = decode[settings](t, env.do(t, http.MethodPatch, "/api/user/settings", env.user.ID, map[string]interface{}{
		"unused_threshold": 6,
	}))
	if !got.AllowNotifications || !got.HasTimeTrackingKey || got.UnusedThreshold != 6 {
		t.Errorf("after partial patch = %+v", got)
	}

	stored, err := env.store.GetUser(env.user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if stored.TimeTrackingKey != "rt-key" || stored.UnusedThreshold != 6 || stored.Username != "ana" {
		t.Errorf("stored user = %+v", stored)
	}

	got = decode[settings](t, env.do(t, http.MethodPatch, "/api/user/settings", env.user.ID, map[string]interface{}{
		"time_tracking_key": "",
	}))
	if got.HasTimeTrackingKey {
		t.Error("empty key should clear it")
	}

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"negative threshold", map[string]interface{}{"unused_threshold": -1}, http.StatusBadRequest},
		{"wrong type", map[string]interface{}{"allow_notifications": "yes"}, http.StatusBadRequest},
		{"unknown field", map[string]interface{}{"username": "eve"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPatch, "/api/user/settings", env.user.ID, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := env.do(t, http.MethodGet, "/api/user/settings", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous settings status = %d, want 401", w.Code)
	}
}

func TestCatalogWrites(t *testing.T) {
	env := newTestEnv(t, false)
	uid := env.user.ID

	w := env.do(t, http.MethodPost, "/api/categories", uid, map[string]interface{}{"name": "Fitness", "icon": "dumbbell"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create category status = %d, body %s", w.Code, w.Body.String())
	}
	fitness := decode[store.Category](t, w)
	if fitness.ID == "" || fitness.Name != "Fitness" {
		t.Fatalf("category = %+v", fitness)
	}

	w = env.do(t, http.MethodPut, "/api/categories/"+fitness.ID, uid, map[string]interface{}{"name": "Health"})
	if w.Code != http.StatusOK {
		t.Fatalf("replace category status = %d, body %s", w.Code, w.Body.String())
	}
	if c, _ := env.store.GetCategory(fitness.ID); c == nil || c.Name != "Health" || c.Icon != "" {
		t.Errorf("replaced category = %+v", c)
	}

	w = env.do(t, http.MethodPost, "/api/subscriptions", uid, map[string]interface{}{"name": "Strava", "category_id": fitness.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("create subscription status = %d, body %s", w.Code, w.Body.String())
	}
	strava := decode[store.Subscription](t, w)

	w = env.do(t, http.MethodPost, "/api/plans", uid, map[string]interface{}{
		"subscription_id": strava.ID,
		"name":            "Summit",
		"cost":            "7.50",
		"period_days":     30,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create plan status = %d, body %s", w.Code, w.Body.String())
	}
	summit := decode[store.Plan](t, w)
	if !summit.Cost.Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("plan cost = %s, want 7.50", summit.Cost)
	}

	w = env.do(t, http.MethodPut, "/api/plans/"+summit.ID, uid, map[string]interface{}{
		"subscription_id": strava.ID,
		"name":            "Summit Annual",
		"cost":            59.99,
		"period_days":     365,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("replace plan status = %d, body %s", w.Code, w.Body.String())
	}
	p, err := env.store.GetPlan(summit.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if p.Name != "Summit Annual" || p.PeriodDays != 365 || !p.Cost.Equal(decimal.RequireFromString("59.99")) {
		t.Errorf("replaced plan = %+v", p)
	}

	// The new plan can be added straight away.
	if view := env.addPlan(t, summit.ID, "2026-04-01"); view.CategoryName != "Health" {
		t.Errorf("user plan category = %q, want Health", view.CategoryName)
	}

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		want   int
	}{
		{"anonymous", http.MethodPost, "/api/categories", "", map[string]interface{}{"name": "X"}, http.StatusUnauthorized},
		{"category without name", http.MethodPost, "/api/categories", uid, map[string]interface{}{"icon": "x"}, http.StatusBadRequest},
		{"subscription unknown category", http.MethodPost, "/api/subscriptions", uid, map[string]interface{}{"name": "X", "category_id": "nope"}, http.StatusBadRequest},
		{"subscription missing category", http.MethodPost, "/api/subscriptions", uid, map[string]interface{}{"name": "X"}, http.StatusBadRequest},
		{"plan bad cost", http.MethodPost, "/api/plans", uid, map[string]interface{}{"subscription_id": strava.ID, "name": "X", "cost": "abc", "period_days": 30}, http.StatusBadRequest},
		{"plan negative cost", http.MethodPost, "/api/plans", uid, map[string]interface{}{"subscription_id": strava.ID, "name": "X", "cost": "-1", "period_days": 30}, http.StatusBadRequest},
		{"plan missing cost", http.MethodPost, "/api/plans", uid, map[string]interface{}{"subscription_id": strava.ID, "name": "X", "period_days": 30}, http.StatusBadRequest},
		{"plan zero period", http.MethodPost, "/api/plans", uid, map[string]interface{}{"subscription_id": strava.ID, "name": "X", "cost": "1"}, http.StatusBadRequest},
		{"plan unknown subscription", http.MethodPost, "/api/plans", uid, map[string]interface{}{"subscription_id": "nope", "name": "X", "cost": "1", "period_days": 30}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.user, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	cats := decode[[]store.Category](t, env.do(t, http.MethodGet, "/api/categories", "", nil))
	if len(cats) != 3 {
		t.Errorf("categories = %d, want 3", len(cats))
	}
}
