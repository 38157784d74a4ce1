package twitchapi

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"
)

// AppTokenSource fetches and caches an app access (client credentials) token.
// It is used for profile lookups so avatars keep resolving while the user
// token is being refreshed.
type AppTokenSource struct {
	OAuth *OAuth

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

const appTokenSkew = 60 * time.Second

// Get returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenSkew {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.fetch(ctx)
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *AppTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func (ts *AppTokenSource) fetch(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenSkew {
		return ts.token, nil
	}
	if ts.OAuth == nil || ts.OAuth.ClientID == "" || ts.OAuth.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	res, err := ts.OAuth.token(ctx, form)
	if err != nil {
		return "", err
	}
	ts.token = res.AccessToken
	ts.expiresAt = ComputeExpiry(res.ExpiresIn)
	return ts.token, nil
}
