package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is an account whose subscriptions are tracked.
type User struct {
	ID                 string    `json:"id" db:"id"`
	Username           string    `json:"username" db:"username"`
	AllowNotifications bool      `json:"allow_notifications" db:"allow_notifications"`
	UnusedThreshold    int       `json:"unused_threshold" db:"unused_threshold"`
	TimeTrackingKey    string    `json:"-" db:"time_tracking_key"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Category groups subscriptions (streaming, music, fitness, ...).
type Category struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Icon string `json:"icon,omitempty" db:"icon"`
}

// Subscription is a service shared by all users.
type Subscription struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	CategoryID string `json:"category_id" db:"category_id"`
}

// Plan is a priced billing option of a subscription.
type Plan struct {
	ID             string          `json:"id" db:"id"`
	SubscriptionID string          `json:"subscription_id" db:"subscription_id"`
	Name           string          `json:"name" db:"name"`
	Cost           decimal.Decimal `json:"cost" db:"cost"`
	PeriodDays     int             `json:"period_days" db:"period_days"`
}

// UserPlan links a user to the plan they pay for.
type UserPlan struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	PlanID       string     `json:"plan_id" db:"plan_id"`
	PaymentDate  time.Time  `json:"payment_date" db:"payment_date"`
	TrackUsage   bool       `json:"track_usage" db:"track_usage"`
	UsageScore   *int       `json:"usage_score,omitempty" db:"usage_score"`
	AverageUsage int        `json:"average_usage" db:"average_usage"`
	LastUpdated  *time.Time `json:"last_updated,omitempty" db:"last_updated"`
}

// UserPlanView is a user plan joined with its plan, subscription and category.
type UserPlanView struct {
	UserPlan
	PlanName         string          `json:"plan_name"`
	Cost             decimal.Decimal `json:"cost"`
	PeriodDays       int             `json:"period_days"`
	SubscriptionID   string          `json:"subscription_id"`
	SubscriptionName string          `json:"subscription_name"`
	CategoryID       string          `json:"category_id"`
	CategoryName     string          `json:"category_name"`
	CategoryIcon     string          `json:"category_icon,omitempty"`
}

// ScoreRecord is one computed usage score kept for history.
type ScoreRecord struct {
	ID         string    `json:"id" db:"id"`
	UserPlanID string    `json:"user_plan_id" db:"user_plan_id"`
	Score      int       `json:"score" db:"score"`
	RecentMA   float64   `json:"recent_ma" db:"recent_ma"`
	OlderMA    float64   `json:"older_ma" db:"older_ma"`
	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// UserFilter selects users for batch jobs.
type UserFilter struct {
	AllowNotifications bool
	HasTimeTrackingKey bool
}

// UserPlanFilter selects user plans. Zero payment bounds are open.
type UserPlanFilter struct {
	UserID     string
	CategoryID string
	TrackUsage *bool
	// PaymentFrom and PaymentTo bound the next payment date, inclusive.
	PaymentFrom time.Time
	PaymentTo   time.Time
}
