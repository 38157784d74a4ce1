package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/livebell/live"
)

// LiveStore persists the live snapshot in the live_items table.
type LiveStore struct{ DB *sql.DB }

// ReplaceLive swaps every row of platform for items inside one transaction.
func (s *LiveStore) ReplaceLive(ctx context.Context, platform live.Platform, items []live.Item) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM live_items WHERE platform=$1`, string(platform)); err != nil {
		return fmt.Errorf("delete live items: %w", err)
	}
	for _, it := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO live_items(platform, channel_id, channel_name, title, thumbnail_url, avatar_url, viewer_count, started_at, category, stream_url, observed_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			string(it.Platform), it.ChannelID, it.ChannelName, it.Title, it.ThumbnailURL, it.AvatarURL,
			it.ViewerCount, it.StartedAt, it.Category, it.StreamURL, it.ObservedAt)
		if err != nil {
			return fmt.Errorf("insert live item %s: %w", it.Key(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadLive returns every persisted live item.
func (s *LiveStore) LoadLive(ctx context.Context) ([]live.Item, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT platform, channel_id, COALESCE(channel_name,''), COALESCE(title,''), COALESCE(thumbnail_url,''),
		        COALESCE(avatar_url,''), COALESCE(viewer_count,0), started_at, COALESCE(category,''),
		        COALESCE(stream_url,''), observed_at
		 FROM live_items ORDER BY platform, channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []live.Item
	for rows.Next() {
		var (
			it                  live.Item
			platform            string
			started, observedAt sql.NullTime
		)
		if err := rows.Scan(&platform, &it.ChannelID, &it.ChannelName, &it.Title, &it.ThumbnailURL,
			&it.AvatarURL, &it.ViewerCount, &started, &it.Category, &it.StreamURL, &observedAt); err != nil {
			return nil, err
		}
		it.Platform = live.Platform(platform)
		it.StartedAt, it.ObservedAt = started.Time.UTC(), observedAt.Time.UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}
