package twitchapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livebell/avatar"
	"github.com/onnwee/livebell/live"
)

// LiveFetcher pages through the authorized user's followed live streams and
// attaches cached avatars. It implements poller.PageFetcher.
type LiveFetcher struct {
	Client   *HelixClient
	Avatars  *avatar.Cache
	AppToken *AppTokenSource // optional; avatar lookups fall back to the user token

	mu     sync.Mutex
	self   string // user id of the current token
	selfOf string // token the id was resolved with
}

// Platform reports live.Twitch.
func (f *LiveFetcher) Platform() live.Platform { return live.Twitch }

// FetchPage returns the records on the page at cursor and the next cursor.
func (f *LiveFetcher) FetchPage(ctx context.Context, token, cursor string) ([]live.RawRecord, string, error) {
	userID, err := f.userID(ctx, token)
	if err != nil {
		return nil, "", err
	}
	page, err := f.Client.FollowedStreams(ctx, token, userID, cursor, maxStreamsPage)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()

	// ids[i] is stream i's broadcaster, empty when the payload is unreadable;
	// the normalizer reports those.
	ids := make([]string, len(page.Streams))
	for i, raw := range page.Streams {
		var s struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(raw, &s) == nil {
			ids[i] = s.UserID
		}
	}
	f.fillAvatars(ctx, token, ids)

	recs := make([]live.RawRecord, 0, len(page.Streams))
	for i, raw := range page.Streams {
		rec := live.RawRecord{Platform: live.Twitch, Payload: raw, ObservedAt: now}
		if ids[i] != "" && f.Avatars != nil {
			rec.AvatarURL, _ = f.Avatars.Get(live.Twitch, ids[i])
		}
		recs = append(recs, rec)
	}
	return recs, page.Cursor, nil
}

// userID resolves the token owner once per token.
func (f *LiveFetcher) userID(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	if f.self != "" && f.selfOf == token {
		id := f.self
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()
	u, err := f.Client.GetSelf(ctx, token)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.self, f.selfOf = u.ID, token
	f.mu.Unlock()
	return u.ID, nil
}

// fillAvatars looks up cache misses in one batched call. Failures only cost
// the avatar, never the page.
func (f *LiveFetcher) fillAvatars(ctx context.Context, userToken string, ids []string) {
	if f.Avatars == nil {
		return
	}
	known := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			known = append(known, id)
		}
	}
	missing := f.Avatars.Missing(live.Twitch, known)
	if len(missing) == 0 {
		return
	}
	token := userToken
	if f.AppToken != nil {
		if t, err := f.AppToken.Get(ctx); err == nil {
			token = t
		}
	}
	users, err := f.Client.GetUsers(ctx, token, missing)
	if err != nil {
		slog.Warn("twitch avatar lookup failed", slog.String("component", "twitch_fetcher"), slog.Int("ids", len(missing)), slog.Any("err", err))
		if f.AppToken != nil && live.IsStatus(err, 401) {
			f.AppToken.Invalidate()
		}
	}
	for _, u := range users {
		f.Avatars.Set(live.Twitch, u.ID, u.ProfileImageURL)
	}
}
