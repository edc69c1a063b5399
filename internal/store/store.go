// Package store persists users, the subscription catalog, user plans and
// usage score history.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with a unique value,
	// such as a taken username.
	ErrConflict = errors.New("conflict")
)

// Store defines the interface for persistence backends.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Users
	UpsertUser(u *User) error
	GetUser(id string) (*User, error)
	ListUsers(filter UserFilter) ([]*User, error)

	// Catalog
	UpsertCategory(c *Category) error
	GetCategory(id string) (*Category, error)
	ListCategories() ([]*Category, error)
	UpsertSubscription(s *Subscription) error
	GetSubscription(id string) (*Subscription, error)
	ListSubscriptions() ([]*Subscription, error)
	UpsertPlan(p *Plan) error
	GetPlan(id string) (*Plan, error)
	ListPlans(subscriptionID string) ([]*Plan, error)

	// User plans
	InsertUserPlan(up *UserPlan) error
	GetUserPlan(id string) (*UserPlanView, error)
	ListUserPlans(filter UserPlanFilter) ([]*UserPlanView, error)
	DeleteUserPlan(userID, id string) error
	UpdatePaymentDate(id string, date time.Time) error
	SetTrackUsage(userID, id string, track bool) error

	// Usage scores
	RecordScore(rec *ScoreRecord) error
	ListScores(userPlanID string, limit int) ([]*ScoreRecord, error)
}
