package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/livebell/live"
)

// DefaultRetention is how long notifications stay retrievable.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

// Log is the durable notification log backed by the notifications table.
type Log struct {
	DB        *sql.DB
	Retention time.Duration

	now func() time.Time
}

// NewLog returns a Log with the default retention.
func NewLog(db *sql.DB) *Log {
	return &Log{DB: db, Retention: DefaultRetention}
}

func (l *Log) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *Log) retention() time.Duration {
	if l.Retention > 0 {
		return l.Retention
	}
	return DefaultRetention
}

// Append records n and reports whether a new row was written. Appending an id
// that already exists is a no-op.
func (l *Log) Append(ctx context.Context, n Notification) (bool, error) {
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, platform, channel_id, channel_name, title, avatar_url, stream_url, ts)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, string(n.Platform), n.ChannelID, n.ChannelName, n.Title, n.AvatarURL, n.StreamURL, n.Timestamp)
	if err != nil {
		return false, &live.StorageError{Op: "append notification", Err: err}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, &live.StorageError{Op: "append notification", Err: err}
	}
	return rows > 0, nil
}

// List returns notifications newer than since and inside the retention window,
// newest first.
func (l *Log) List(ctx context.Context, since time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	floor := l.clock().Add(-l.retention())
	if since.After(floor) {
		floor = since
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id, user_id, platform, channel_id, COALESCE(channel_name,''), COALESCE(title,''),
		        COALESCE(avatar_url,''), COALESCE(stream_url,''), ts
		 FROM notifications WHERE ts > $1 ORDER BY ts DESC, id LIMIT $2`, floor, limit)
	if err != nil {
		return nil, &live.StorageError{Op: "list notifications", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := []Notification{}
	for rows.Next() {
		var (
			n        Notification
			platform string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &platform, &n.ChannelID, &n.ChannelName, &n.Title,
			&n.AvatarURL, &n.StreamURL, &n.Timestamp); err != nil {
			return nil, &live.StorageError{Op: "scan notification", Err: err}
		}
		n.Platform = live.Platform(platform)
		n.Timestamp = n.Timestamp.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &live.StorageError{Op: "list notifications", Err: err}
	}
	return out, nil
}

// Purge deletes notifications older than the retention window.
func (l *Log) Purge(ctx context.Context) (int64, error) {
	cutoff := l.clock().Add(-l.retention())
	res, err := l.DB.ExecContext(ctx, `DELETE FROM notifications WHERE ts <= $1`, cutoff)
	if err != nil {
		return 0, &live.StorageError{Op: "purge notifications", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// StartRetentionJob purges expired notifications now and then every interval
// until ctx ends.
func (l *Log) StartRetentionJob(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	logger := slog.Default().With(slog.String("component", "notification_retention"))
	logger.Info("retention job starting", slog.Duration("retention", l.retention()), slog.Duration("interval", interval))

	purge := func() {
		n, err := l.Purge(ctx)
		if err != nil {
			logger.Warn("retention purge failed", slog.Any("err", err))
			return
		}
		if n > 0 {
			logger.Info("purged expired notifications", slog.Int64("count", n))
		}
	}
	purge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention job stopped")
			return
		case <-ticker.C:
			purge()
		}
	}
}
