// Package poller drives a platform's paginated "currently live" endpoint to
// exhaustion, handling credential refresh, upstream rate limits and runaway
// pagination uniformly for every platform.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/telemetry"
)

const (
	DefaultMaxPages          = 50
	DefaultMaxRateLimitWaits = 5
	defaultRateLimitWait     = time.Second
)

// PageFetcher fetches one page of live records for a platform. Upstream HTTP
// failures are reported as *live.StatusError so the adapter can react to 401
// and 429.
type PageFetcher interface {
	Platform() live.Platform
	FetchPage(ctx context.Context, token, cursor string) ([]live.RawRecord, string, error)
}

// Credentials is the slice of credential.Store the adapter needs.
type Credentials interface {
	Get(p live.Platform) (credential.Credential, bool)
	Refresh(ctx context.Context, p live.Platform) (credential.Credential, error)
}

// Adapter is the PlatformAdapter for one platform.
type Adapter struct {
	Fetcher           PageFetcher
	Creds             Credentials
	Limiter           *rate.Limiter // paces page requests; nil means unpaced
	MaxPages          int
	MaxRateLimitWaits int
	Timeout           time.Duration // bounds one Poll; 0 leaves the caller's deadline

	sleep func(ctx context.Context, d time.Duration) error
}

// Platform reports the fetcher's platform.
func (a *Adapter) Platform() live.Platform { return a.Fetcher.Platform() }

// Poll returns every record currently reported live, following the cursor
// until it is exhausted. A partial result is never returned.
func (a *Adapter) Poll(ctx context.Context) ([]live.RawRecord, error) {
	p := a.Fetcher.Platform()
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	cred, ok := a.Creds.Get(p)
	if !ok || cred.AccessToken == "" {
		return nil, &live.AuthError{Platform: p, Reason: "no credential"}
	}

	maxPages := a.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	maxWaits := a.MaxRateLimitWaits
	if maxWaits <= 0 {
		maxWaits = DefaultMaxRateLimitWaits
	}
	logger := slog.Default().With(slog.String("component", "poller"), slog.String("platform", string(p)))

	var (
		out       []live.RawRecord
		token     = cred.AccessToken
		cursor    string
		seen      = map[string]struct{}{}
		pages     int
		waits     int
		refreshed bool
	)
	for {
		if pages >= maxPages {
			return nil, &live.ProtocolError{Platform: p, Msg: fmt.Sprintf("more than %d pages", maxPages)}
		}
		if a.Limiter != nil {
			if err := a.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%s pacing: %w", p, err)
			}
		}
		recs, next, err := a.Fetcher.FetchPage(ctx, token, cursor)
		if err != nil {
			var se *live.StatusError
			switch {
			case errors.As(err, &se) && se.Code == http.StatusUnauthorized:
				if refreshed {
					return nil, &live.AuthError{Platform: p, Reason: "token rejected after refresh", Err: err}
				}
				refreshed = true
				logger.Info("access token rejected, refreshing")
				c, rerr := a.Creds.Refresh(ctx, p)
				if rerr != nil && (c.AccessToken == "" || !errors.Is(rerr, live.ErrStorage)) {
					var ae *live.AuthError
					if errors.As(rerr, &ae) {
						return nil, ae
					}
					return nil, &live.AuthError{Platform: p, Reason: "refresh failed", Err: rerr}
				}
				token = c.AccessToken
				continue
			case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
				waits++
				wait := se.RetryAfter
				if wait <= 0 {
					wait = defaultRateLimitWait
				}
				telemetry.ObserveRateLimited(string(p))
				if waits > maxWaits {
					return nil, &live.RateLimitedError{Platform: p, RetryAfter: wait}
				}
				if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
					return nil, &live.RateLimitedError{Platform: p, RetryAfter: wait}
				}
				logger.Warn("rate limited, waiting", slog.Duration("wait", wait), slog.Int("wait_no", waits))
				if err := a.wait(ctx, wait); err != nil {
					return nil, fmt.Errorf("%s rate-limit wait: %w", p, err)
				}
				continue
			default:
				return nil, fmt.Errorf("%s page %d: %w", p, pages+1, err)
			}
		}
		pages++
		out = append(out, recs...)
		if next == "" {
			logger.Debug("poll complete", slog.Int("pages", pages), slog.Int("records", len(out)))
			return out, nil
		}
		if _, dup := seen[next]; dup || next == cursor {
			return nil, &live.ProtocolError{Platform: p, Msg: "repeated page cursor " + next}
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

func (a *Adapter) wait(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		return a.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
