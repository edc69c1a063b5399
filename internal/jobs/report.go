package jobs

import (
	"sync"
	"time"
)

const (
	JobPayments = "payments"
	JobUsage    = "usage"
)

// Event types published while jobs run.
const (
	EventJobStarted    = "job.started"
	EventJobFinished   = "job.finished"
	EventPaymentRolled = "payment.rolled"
	EventUsageScored   = "usage.scored"
	EventNotified      = "notification.sent"
)

// Event is a progress update from a job run.
type Event struct {
	Type       string      `json:"type"`
	Job        string      `json:"job,omitempty"`
	RunID      string      `json:"run_id,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	UserPlanID string      `json:"user_plan_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Report summarizes one job run. Processed, Skipped and Failed count plans,
// except that a user whose data could not be loaded counts once in Failed.
type Report struct {
	mu sync.Mutex

	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Users      int       `json:"users"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Notified   int       `json:"notified"`
}

func newReport(job string) *Report {
	return &Report{RunID: newRunID(), Job: job, StartedAt: time.Now()}
}

func (r *Report) add(f func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// snapshot copies the counters for publishing.
func (r *Report) snapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"users":     r.Users,
		"processed": r.Processed,
		"skipped":   r.Skipped,
		"failed":    r.Failed,
		"notified":  r.Notified,
	}
}
