package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/screentime"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

var today = time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

func date(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

type fakeStore struct {
	mu         sync.Mutex
	users      []*store.User
	plans      []*store.UserPlanView
	updates    map[string]time.Time
	scores     map[string]*store.ScoreRecord
	listCalls  int
	updateFail string
}

func newFakeStore() *fakeStore {
	return &fakeStore{updates: map[string]time.Time{}, scores: map[string]*store.ScoreRecord{}}
}

func (f *fakeStore) ListUsers(filter store.UserFilter) ([]*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []*store.User
	for _, u := range f.users {
		if filter.HasTimeTrackingKey && u.TimeTrackingKey == "" {
			continue
		}
		if filter.AllowNotifications && !u.AllowNotifications {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) ListUserPlans(filter store.UserPlanFilter) ([]*store.UserPlanView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.UserPlanView
	for _, p := range f.plans {
		if p.UserID != filter.UserID {
			continue
		}
		if filter.TrackUsage != nil && p.TrackUsage != *filter.TrackUsage {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpdatePaymentDate(id string, d time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.updateFail {
		return errors.New("database is locked")
	}
	f.updates[id] = d
	return nil
}

func (f *fakeStore) RecordScore(rec *store.ScoreRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[rec.UserPlanID] = rec
	return nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) SendSync(_ context.Context, n notify.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return true, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakePublisher) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// fakeFetcher serves a CSV report per API key.
type fakeFetcher struct {
	reports map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, apiKey string, _, _ time.Time) (*screentime.Activity, error) {
	report, ok := f.reports[apiKey]
	if !ok {
		return nil, errors.New("screentime: unexpected status 401")
	}
	return screentime.Parse(strings.NewReader(report))
}

// csvReport builds a report with days consecutive rows per activity.
func csvReport(days int, secondsByActivity map[string]float64) string {
	var b strings.Builder
	b.WriteString("Date,Time Spent (seconds),Activity\n")
	start := date(time.February, 20)
	for i := 0; i < days; i++ {
		for name, secs := range secondsByActivity {
			fmt.Fprintf(&b, "%s,%v,%s\n", start.AddDate(0, 0, i).Format(time.DateOnly), secs, name)
		}
	}
	return b.String()
}

func view(id, userID, name string, cost string, periodDays int, paymentDate time.Time, track bool) *store.UserPlanView {
	return &store.UserPlanView{
		UserPlan:         store.UserPlan{ID: id, UserID: userID, PaymentDate: paymentDate, TrackUsage: track},
		PlanName:         "Standard",
		Cost:             decimal.RequireFromString(cost),
		PeriodDays:       periodDays,
		SubscriptionName: name,
	}
}

func testOptions() Options {
	return Options{
		Concurrency:     2,
		ReminderDays:    3,
		LookbackDays:    30,
		UnusedThreshold: 3,
		Params:          usage.DefaultParams(),
	}
}

func newTestRunner(s *fakeStore, f Fetcher, n Notifier) *Runner {
	r := NewRunner(s, f, n, testOptions(), nil)
	r.now = func() time.Time { return today }
	return r
}

func TestPaymentReminders(t *testing.T) {
	s := newFakeStore()
	s.users = []*store.User{
		{ID: "u1", AllowNotifications: true},
		{ID: "u2"},
	}
	s.plans = []*store.UserPlanView{
		view("p1", "u1", "Spotify", "10.99", 30, date(time.February, 16), false),
		view("p2", "u1", "Gym", "40", 7, date(time.March, 25), false),
		view("p3", "u2", "Netflix", "15.49", 30, date(time.March, 1), false),
	}
	n := &fakeNotifier{}
	pub := &fakePublisher{}
	r := newTestRunner(s, nil, n)
	r.SetPublisher(pub)

	rep, err := r.PaymentReminders(context.Background())
	if err != nil {
		t.Fatalf("PaymentReminders: %v", err)
	}

	if rep.Users != 2 || rep.Processed != 3 || rep.Notified != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.RunID == "" {
		t.Error("RunID should be set")
	}

	if got := s.updates["p1"]; !got.Equal(date(time.March, 18)) {
		t.Errorf("p1 rolled to %v, want 2026-03-18", got)
	}
	if got := s.updates["p3"]; !got.Equal(date(time.March, 31)) {
		t.Errorf("p3 rolled to %v, want 2026-03-31", got)
	}
	if _, ok := s.updates["p2"]; ok {
		t.Error("future payment date should not be rewritten")
	}

	if len(n.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(n.sent))
	}
	got := n.sent[0]
	if got.Kind != notify.KindPaymentDue || got.UserID != "u1" || !strings.Contains(got.Message, "in 3 days") {
		t.Errorf("notification = %+v", got)
	}

	if pub.count(EventJobStarted) != 1 || pub.count(EventJobFinished) != 1 || pub.count(EventPaymentRolled) != 2 {
		t.Errorf("events = %+v", pub.events)
	}
}

func TestPaymentRemindersStoreFailureIsolated(t *testing.T) {
	s := newFakeStore()
	s.users = []*store.User{{ID: "u1"}, {ID: "u2"}}
	s.plans = []*store.UserPlanView{
		view("p1", "u1", "Spotify", "10.99", 30, date(time.January, 1), false),
		view("p2", "u2", "Netflix", "15.49", 30, date(time.January, 1), false),
	}
	s.updateFail = "p1"
	r := newTestRunner(s, nil, nil)

	rep, err := r.PaymentReminders(context.Background())
	if err != nil {
		t.Fatalf("PaymentReminders: %v", err)
	}
	if rep.Failed != 1 || rep.Processed != 1 {
		t.Errorf("report = %+v, want 1 failed and 1 processed", rep)
	}
	if _, ok := s.updates["p2"]; !ok {
		t.Error("u2's plan should still be updated")
	}
}

func TestDueIn(t *testing.T) {
	for days, want := range map[int]string{0: "today", 1: "tomorrow", 5: "in 5 days"} {
		if got := dueIn(days); got != want {
			t.Errorf("dueIn(%d) = %q, want %q", days, got, want)
		}
	}
}

func TestUsageRefresh(t *testing.T) {
	s := newFakeStore()
	s.users = []*store.User{
		{ID: "u1", AllowNotifications: true, TimeTrackingKey: "k1"},
		{ID: "u2", AllowNotifications: true, TimeTrackingKey: "k2"},
		{ID: "u3", TimeTrackingKey: "revoked"},
		{ID: "u4"},
	}
	s.plans = []*store.UserPlanView{
		view("p-netflix", "u1", "Netflix", "15.49", 30, today, true),
		view("p-spotify", "u1", "Spotify", "10.99", 30, today, true),
		view("p-hulu", "u1", "Hulu", "7.99", 30, today, true),
		view("p-gym", "u1", "Gym", "40", 30, today, false),
		view("p-short", "u2", "Netflix", "15.49", 30, today, true),
		view("p-u3", "u3", "Netflix", "15.49", 30, today, true),
		view("p-u4", "u4", "Netflix", "15.49", 30, today, true),
	}
	fetcher := &fakeFetcher{reports: map[string]string{
		"k1": csvReport(20, map[string]float64{"Netflix": 30, "Spotify": 400}),
		"k2": csvReport(5, map[string]float64{"Netflix": 400}),
	}}
	n := &fakeNotifier{}
	pub := &fakePublisher{}
	r := newTestRunner(s, fetcher, n)
	r.SetPublisher(pub)

	rep, err := r.UsageRefresh(context.Background())
	if err != nil {
		t.Fatalf("UsageRefresh: %v", err)
	}

	if rep.Users != 3 {
		t.Errorf("Users = %d, want 3 with a tracking key", rep.Users)
	}
	if rep.Processed != 2 || rep.Skipped != 2 || rep.Failed != 1 || rep.Notified != 1 {
		t.Errorf("report = %+v, want processed 2, skipped 2, failed 1, notified 1", rep)
	}

	if rec := s.scores["p-netflix"]; rec == nil || rec.Score != 1 {
		t.Errorf("netflix score = %+v, want 1", rec)
	}
	if rec := s.scores["p-spotify"]; rec == nil || rec.Score != 10 {
		t.Errorf("spotify score = %+v, want 10", rec)
	}
	for _, id := range []string{"p-hulu", "p-gym", "p-short", "p-u3"} {
		if _, ok := s.scores[id]; ok {
			t.Errorf("%s should keep its previous score", id)
		}
	}

	if len(n.sent) != 1 || n.sent[0].Kind != notify.KindUnusedSubscription || n.sent[0].Subject != "p-netflix" {
		t.Errorf("notifications = %+v", n.sent)
	}
	if pub.count(EventUsageScored) != 2 || pub.count(EventNotified) != 1 {
		t.Errorf("events = %+v", pub.events)
	}
}

func TestUsageRefreshUserThreshold(t *testing.T) {
	s := newFakeStore()
	s.users = []*store.User{{ID: "u1", AllowNotifications: true, TimeTrackingKey: "k1", UnusedThreshold: 10}}
	s.plans = []*store.UserPlanView{view("p1", "u1", "Spotify", "10.99", 30, today, true)}
	fetcher := &fakeFetcher{reports: map[string]string{
		"k1": csvReport(20, map[string]float64{"Spotify": 240}),
	}}
	n := &fakeNotifier{}
	r := newTestRunner(s, fetcher, n)

	if _, err := r.UsageRefresh(context.Background()); err != nil {
		t.Fatalf("UsageRefresh: %v", err)
	}
	// 240s/day scores 8, below the user's own threshold of 10.
	if len(n.sent) != 1 {
		t.Errorf("sent %d notifications, want 1", len(n.sent))
	}
}

func TestUsageRefreshWithoutFetcher(t *testing.T) {
	r := newTestRunner(newFakeStore(), nil, nil)
	if _, err := r.UsageRefresh(context.Background()); err == nil {
		t.Error("expected error without a fetcher")
	}
}

func TestRunCancelled(t *testing.T) {
	s := newFakeStore()
	s.users = []*store.User{{ID: "u1"}}
	r := newTestRunner(s, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.PaymentReminders(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSetOptions(t *testing.T) {
	r := newTestRunner(newFakeStore(), nil, nil)
	opts := testOptions()
	opts.ReminderDays = 7
	r.SetOptions(opts)
	if r.options().ReminderDays != 7 {
		t.Errorf("ReminderDays = %d, want 7", r.options().ReminderDays)
	}
}

func TestSchedulerRuns(t *testing.T) {
	s := newFakeStore()
	r := newTestRunner(s, nil, nil)

	var pruned sync.WaitGroup
	pruned.Add(1)
	var once sync.Once
	sched := NewScheduler(r, time.Hour, func() { once.Do(pruned.Done) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	sched.SetInterval(10 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for s.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if s.calls() < 2 {
		t.Errorf("expected at least 2 rounds, ListUsers called %d times", s.calls())
	}
	pruned.Wait()
}
