package notify

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/livebell/live"
)

// Subscription is a user's notification preference for one channel.
type Subscription struct {
	UserID    string        `json:"user_id"`
	Platform  live.Platform `json:"platform"`
	ChannelID string        `json:"channel_id"`
	Enabled   bool          `json:"enabled"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key returns the subscription's channel key.
func (s Subscription) Key() live.Key { return live.Key{Platform: s.Platform, ChannelID: s.ChannelID} }

// SubscriptionStore persists subscriptions in Postgres.
type SubscriptionStore struct{ DB *sql.DB }

// Upsert creates or updates s and returns the stored row.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub Subscription) (Subscription, error) {
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO subscriptions(user_id, platform, channel_id, enabled, updated_at) VALUES($1,$2,$3,$4,NOW())
		 ON CONFLICT (user_id, platform, channel_id) DO UPDATE SET enabled=EXCLUDED.enabled, updated_at=NOW()
		 RETURNING updated_at`,
		sub.UserID, string(sub.Platform), sub.ChannelID, sub.Enabled).Scan(&sub.UpdatedAt)
	if err != nil {
		return Subscription{}, &live.StorageError{Op: "upsert subscription", Err: err}
	}
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

// ListByUser returns every subscription of userID ordered by platform and channel.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, platform, channel_id, enabled, updated_at FROM subscriptions
		 WHERE user_id=$1 ORDER BY platform, channel_id`, userID)
	if err != nil {
		return nil, &live.StorageError{Op: "list subscriptions", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := []Subscription{}
	for rows.Next() {
		var (
			sub      Subscription
			platform string
			updated  sql.NullTime
		)
		if err := rows.Scan(&sub.UserID, &platform, &sub.ChannelID, &sub.Enabled, &updated); err != nil {
			return nil, &live.StorageError{Op: "scan subscription", Err: err}
		}
		sub.Platform = live.Platform(platform)
		sub.UpdatedAt = updated.Time.UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, &live.StorageError{Op: "list subscriptions", Err: err}
	}
	return out, nil
}

// EnabledUsers returns the users with an enabled subscription for k.
func (s *SubscriptionStore) EnabledUsers(ctx context.Context, k live.Key) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE platform=$1 AND channel_id=$2 AND enabled ORDER BY user_id`,
		string(k.Platform), k.ChannelID)
	if err != nil {
		return nil, &live.StorageError{Op: "subscribers", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, &live.StorageError{Op: "scan subscriber", Err: err}
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &live.StorageError{Op: "subscribers", Err: err}
	}
	return users, nil
}
