// Package sqlite reads subscriptions from a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	notifications_enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	variant_key TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, variant_key)
);
CREATE INDEX IF NOT EXISTS subscriptions_variant_key ON subscriptions(variant_key);
`

// Source wraps a SQLite connection.
type Source struct {
	db *sql.DB
}

var _ tracker.SubscriberSource = (*Source)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Source{db: db}, nil
}

// Close closes the database.
func (s *Source) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// SubscribersFor lists every user subscribed to key with their notification flag.
func (s *Source) SubscribersFor(ctx context.Context, key tracker.VariantKey) ([]tracker.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.notifications_enabled
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE s.variant_key = ?
ORDER BY u.id`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tracker.Subscriber
	for rows.Next() {
		var sub tracker.Subscriber
		if err := rows.Scan(&sub.UserID, &sub.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}

// Subscribe records a subscription, creating the user with notifications enabled if needed.
func (s *Source) Subscribe(ctx context.Context, userID string, key tracker.VariantKey) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin subscribe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users (id) VALUES (?)`, userID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (user_id, variant_key) VALUES (?, ?)`, userID, string(key)); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a subscription. Missing rows are not an error.
func (s *Source) Unsubscribe(ctx context.Context, userID string, key tracker.VariantKey) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND variant_key = ?`, userID, string(key)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// SetNotificationsEnabled toggles alerts for a user.
func (s *Source) SetNotificationsEnabled(ctx context.Context, userID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET notifications_enabled = ? WHERE id = ?`, enabled, userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q not found", userID)
	}
	return nil
}
