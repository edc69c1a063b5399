package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		username            TEXT NOT NULL UNIQUE,
		allow_notifications BOOLEAN NOT NULL DEFAULT 0,
		unused_threshold    INTEGER NOT NULL DEFAULT 0,
		time_tracking_key   TEXT,
		created_at          DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		icon TEXT
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		category_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		id              TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		cost            TEXT NOT NULL,
		period_days     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_plans (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		plan_id       TEXT NOT NULL,
		payment_date  DATETIME NOT NULL,
		track_usage   BOOLEAN NOT NULL DEFAULT 0,
		usage_score   INTEGER,
		average_usage INTEGER NOT NULL DEFAULT 0,
		last_updated  DATETIME
	);

	CREATE TABLE IF NOT EXISTS score_history (
		id           TEXT PRIMARY KEY,
		user_plan_id TEXT NOT NULL,
		score        INTEGER NOT NULL,
		recent_ma    REAL NOT NULL,
		older_ma     REAL NOT NULL,
		computed_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_category ON subscriptions(category_id);
	CREATE INDEX IF NOT EXISTS idx_plans_subscription ON plans(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_user_plans_user ON user_plans(user_id);
	CREATE INDEX IF NOT EXISTS idx_score_history_plan ON score_history(user_plan_id, computed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) UpsertUser(u *User) error {
	if u.ID == "" {
		u.ID = ulid.Make().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO users (id, username, allow_notifications, unused_threshold, time_tracking_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			allow_notifications = excluded.allow_notifications,
			unused_threshold = excluded.unused_threshold,
			time_tracking_key = excluded.time_tracking_key`,
		u.ID, u.Username, u.AllowNotifications, u.UnusedThreshold, nullStr(u.TimeTrackingKey), u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
	}
	return err
}

func (s *SQLiteStore) GetUser(id string) (*User, error) {
	u := &User{}
	var key sql.NullString
	err := s.db.QueryRow(`SELECT id, username, allow_notifications, unused_threshold, time_tracking_key, created_at
		FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Username, &u.AllowNotifications, &u.UnusedThreshold, &key, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.TimeTrackingKey = key.String
	return u, nil
}

func (s *SQLiteStore) ListUsers(filter UserFilter) ([]*User, error) {
	var conditions []string
	if filter.AllowNotifications {
		conditions = append(conditions, "allow_notifications = 1")
	}
	if filter.HasTimeTrackingKey {
		conditions = append(conditions, "time_tracking_key IS NOT NULL AND time_tracking_key != ''")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query(`SELECT id, username, allow_notifications, unused_threshold, time_tracking_key, created_at
		FROM users` + where + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var key sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.AllowNotifications, &u.UnusedThreshold, &key, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.TimeTrackingKey = key.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Catalog ---

func (s *SQLiteStore) UpsertCategory(c *Category) error {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	_, err := s.db.Exec(`INSERT INTO categories (id, name, icon) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon`,
		c.ID, c.Name, nullStr(c.Icon),
	)
	return err
}

func (s *SQLiteStore) GetCategory(id string) (*Category, error) {
	c := &Category{}
	var icon sql.NullString
	err := s.db.QueryRow(`SELECT id, name, icon FROM categories WHERE id = ?`, id).Scan(&c.ID, &c.Name, &icon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Icon = icon.String
	return c, nil
}

func (s *SQLiteStore) ListCategories() ([]*Category, error) {
	rows, err := s.db.Query(`SELECT id, name, icon FROM categories ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []*Category
	for rows.Next() {
		c := &Category{}
		var icon sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &icon); err != nil {
			return nil, err
		}
		c.Icon = icon.String
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (s *SQLiteStore) UpsertSubscription(sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	_, err := s.db.Exec(`INSERT INTO subscriptions (id, name, category_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, category_id = excluded.category_id`,
		sub.ID, sub.Name, sub.CategoryID,
	)
	return err
}

func (s *SQLiteStore) GetSubscription(id string) (*Subscription, error) {
	sub := &Subscription{}
	err := s.db.QueryRow(`SELECT id, name, category_id FROM subscriptions WHERE id = ?`, id).Scan(
		&sub.ID, &sub.Name, &sub.CategoryID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubscriptions() ([]*Subscription, error) {
	rows, err := s.db.Query(`SELECT id, name, category_id FROM subscriptions ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.CategoryID); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) UpsertPlan(p *Plan) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.Cost.IsNegative() {
		return fmt.Errorf("plan %s: negative cost %s", p.Name, p.Cost)
	}
	if p.PeriodDays <= 0 {
		return fmt.Errorf("plan %s: period_days must be positive", p.Name)
	}
	_, err := s.db.Exec(`INSERT INTO plans (id, subscription_id, name, cost, period_days) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			name = excluded.name,
			cost = excluded.cost,
			period_days = excluded.period_days`,
		p.ID, p.SubscriptionID, p.Name, p.Cost.String(), p.PeriodDays,
	)
	return err
}

func (s *SQLiteStore) GetPlan(id string) (*Plan, error) {
	p := &Plan{}
	err := s.db.QueryRow(`SELECT id, subscription_id, name, cost, period_days FROM plans WHERE id = ?`, id).Scan(
		&p.ID, &p.SubscriptionID, &p.Name, &p.Cost, &p.PeriodDays,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPlans(subscriptionID string) ([]*Plan, error) {
	query := `SELECT id, subscription_id, name, cost, period_days FROM plans`
	var args []interface{}
	if subscriptionID != "" {
		query += ` WHERE subscription_id = ?`
		args = append(args, subscriptionID)
	}
	query += ` ORDER BY period_days, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p := &Plan{}
		if err := rows.Scan(&p.ID, &p.SubscriptionID, &p.Name, &p.Cost, &p.PeriodDays); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// --- User plans ---

func (s *SQLiteStore) InsertUserPlan(up *UserPlan) error {
	if _, err := s.GetPlan(up.PlanID); err != nil {
		return err
	}
	if up.ID == "" {
		up.ID = ulid.Make().String()
	}
	up.PaymentDate = dateOnly(up.PaymentDate)

	var score sql.NullInt64
	if up.UsageScore != nil {
		score = sql.NullInt64{Int64: int64(*up.UsageScore), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO user_plans (id, user_id, plan_id, payment_date, track_usage, usage_score, average_usage, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		up.ID, up.UserID, up.PlanID, up.PaymentDate, up.TrackUsage, score, up.AverageUsage, nullTime(up.LastUpdated),
	)
	return err
}

const userPlanViewQuery = `SELECT up.id, up.user_id, up.plan_id, up.payment_date, up.track_usage,
		up.usage_score, up.average_usage, up.last_updated,
		p.name, p.cost, p.period_days, s.id, s.name, s.category_id, COALESCE(c.name, ''), COALESCE(c.icon, '')
	FROM user_plans up
	JOIN plans p ON p.id = up.plan_id
	JOIN subscriptions s ON s.id = p.subscription_id
	LEFT JOIN categories c ON c.id = s.category_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserPlanView(row rowScanner) (*UserPlanView, error) {
	v := &UserPlanView{}
	var score sql.NullInt64
	var updated sql.NullTime
	err := row.Scan(
		&v.ID, &v.UserID, &v.PlanID, &v.PaymentDate, &v.TrackUsage,
		&score, &v.AverageUsage, &updated,
		&v.PlanName, &v.Cost, &v.PeriodDays, &v.SubscriptionID, &v.SubscriptionName,
		&v.CategoryID, &v.CategoryName, &v.CategoryIcon,
	)
	if err != nil {
		return nil, err
	}
	if score.Valid {
		n := int(score.Int64)
		v.UsageScore = &n
	}
	if updated.Valid {
		t := updated.Time
		v.LastUpdated = &t
	}
	return v, nil
}

func (s *SQLiteStore) GetUserPlan(id string) (*UserPlanView, error) {
	v, err := scanUserPlanView(s.db.QueryRow(userPlanViewQuery+` WHERE up.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) ListUserPlans(filter UserPlanFilter) ([]*UserPlanView, error) {
	var conditions []string
	var args []interface{}
	if filter.UserID != "" {
		conditions = append(conditions, "up.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CategoryID != "" {
		conditions = append(conditions, "s.category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.TrackUsage != nil {
		conditions = append(conditions, "up.track_usage = ?")
		args = append(args, *filter.TrackUsage)
	}
	if !filter.PaymentFrom.IsZero() {
		conditions = append(conditions, "up.payment_date >= ?")
		args = append(args, dateOnly(filter.PaymentFrom))
	}
	if !filter.PaymentTo.IsZero() {
		conditions = append(conditions, "up.payment_date <= ?")
		args = append(args, dateOnly(filter.PaymentTo))
	}
	query := userPlanViewQuery
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY up.id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*UserPlanView
	for rows.Next() {
		v, err := scanUserPlanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *SQLiteStore) DeleteUserPlan(userID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM user_plans WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user plan %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(`DELETE FROM score_history WHERE user_plan_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdatePaymentDate(id string, date time.Time) error {
	res, err := s.db.Exec(`UPDATE user_plans SET payment_date = ? WHERE id = ?`, dateOnly(date), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTrackUsage switches usage tracking for one of the user's plans.
func (s *SQLiteStore) SetTrackUsage(userID, id string, track bool) error {
	res, err := s.db.Exec(`UPDATE user_plans SET track_usage = ? WHERE id = ? AND user_id = ?`, track, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Usage scores ---

// RecordScore appends rec to the score history and stores it as the user
// plan's current score in one transaction.
func (s *SQLiteStore) RecordScore(rec *ScoreRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE user_plans SET usage_score = ?, average_usage = ?, last_updated = ? WHERE id = ?`,
		rec.Score, int(math.Round(rec.RecentMA)), rec.ComputedAt, rec.UserPlanID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user plan %s: %w", rec.UserPlanID, ErrNotFound)
	}
	if _, err := tx.Exec(`INSERT INTO score_history (id, user_plan_id, score, recent_ma, older_ma, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserPlanID, rec.Score, rec.RecentMA, rec.OlderMA, rec.ComputedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListScores returns the newest records first. A non-positive limit
// returns the whole history.
func (s *SQLiteStore) ListScores(userPlanID string, limit int) ([]*ScoreRecord, error) {
	query := `SELECT id, user_plan_id, score, recent_ma, older_ma, computed_at
		FROM score_history WHERE user_plan_id = ? ORDER BY computed_at DESC, id DESC`
	args := []interface{}{userPlanID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ScoreRecord
	for rows.Next() {
		r := &ScoreRecord{}
		if err := rows.Scan(&r.ID, &r.UserPlanID, &r.Score, &r.RecentMA, &r.OlderMA, &r.ComputedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
