package youtubeapi

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livebell/avatar"
	"github.com/onnwee/livebell/live"
)

// LiveFetcher walks the user's subscriptions one page at a time and probes
// each channel on the page for a live broadcast. It implements
// poller.PageFetcher.
type LiveFetcher struct {
	Data        *DataClient
	Prober      *Prober
	Avatars     *avatar.Cache
	Concurrency int // parallel probes per page, default 8
}

// Platform reports live.YouTube.
func (f *LiveFetcher) Platform() live.Platform { return live.YouTube }

// FetchPage lists one subscriptions page and returns a record per live channel.
// Any probe that still fails after its retries fails the page.
func (f *LiveFetcher) FetchPage(ctx context.Context, token, cursor string) ([]live.RawRecord, string, error) {
	channels, next, err := f.Data.SubscriptionsPage(ctx, token, cursor)
	if err != nil {
		return nil, "", err
	}
	if f.Avatars != nil {
		for _, ch := range channels {
			f.Avatars.Set(live.YouTube, ch.ID, ch.Thumbnail)
		}
	}

	limit := f.Concurrency
	if limit <= 0 {
		limit = 8
	}
	found := make([]*live.YouTubeBroadcast, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ch := range channels {
		g.Go(func() error {
			b, isLive, err := f.Prober.Probe(gctx, ch)
			if err != nil {
				return err
			}
			if isLive {
				found[i] = &b
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	var recs []live.RawRecord
	for _, b := range found {
		if b == nil {
			continue
		}
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		rec := live.RawRecord{Platform: live.YouTube, Payload: payload, ObservedAt: now}
		if f.Avatars != nil {
			rec.AvatarURL, _ = f.Avatars.Get(live.YouTube, b.ChannelID)
		}
		recs = append(recs, rec)
	}
	return recs, next, nil
}
