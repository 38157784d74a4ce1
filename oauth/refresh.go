// Package oauth schedules proactive credential refreshes so access tokens are
// renewed before they expire instead of on the first rejected poll.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/livebell/live"
)

// Refresher is the part of credential.Store the scheduler drives.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, p live.Platform, window time.Duration) (bool, error)
}

// StartRefresher launches a goroutine that checks p every interval (with
// jitter) and refreshes its token when the remaining lifetime is within window.
// Refreshes go through the store so they coalesce with poll-triggered ones.
func StartRefresher(ctx context.Context, store Refresher, p live.Platform, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "token_refresher"), slog.String("platform", string(p)))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if ctx.Err() != nil {
				return
			}
			checkOnce(ctx, store, p, window, logger)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep(interval)):
			}
		}
	}()
}

// nextSleep returns interval with ±20% jitter, never below interval/2.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	next := interval + jitter
	if next < interval/2 {
		next = interval / 2
	}
	return next
}

func checkOnce(ctx context.Context, store Refresher, p live.Platform, window time.Duration, logger *slog.Logger) {
	refreshed, err := store.RefreshIfExpiring(ctx, p, window)
	switch {
	case err == nil && refreshed:
		logger.Info("token refreshed ahead of expiry")
	case errors.Is(err, live.ErrAuth):
		logger.Warn("proactive refresh rejected; account needs reconnect", slog.Any("err", err))
	case errors.Is(err, live.ErrStorage):
		logger.Warn("refreshed token kept in memory only", slog.Any("err", err))
	case err != nil:
		logger.Warn("token refresh failed", slog.Any("err", err))
	}
}
