// Package credential owns each platform's OAuth token pair: loading it at
// startup, refreshing it with at most one upstream call in flight per
// platform, and surfacing a terminal needs-reconnect state when the refresh
// token itself is rejected.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/livebell/db"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/telemetry"
)

// Credential is a platform's current token pair.
type Credential struct {
	Platform     live.Platform
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Persister is the durable record behind the store; db.TokenStore implements it.
type Persister interface {
	Save(ctx context.Context, tok db.OAuthToken) error
	Load(ctx context.Context, provider string) (db.OAuthToken, bool, error)
	MarkNeedsReauth(ctx context.Context, provider, reason string) error
	Clear(ctx context.Context, provider string) error
}

// RefreshFunc exchanges a refresh token for a new credential. It should
// return a *live.StatusError for a non-2xx token endpoint response so that
// rejections can be told apart from transport failures.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credential, error)

// Status is the account state reported to the settings layer.
type Status struct {
	Connected      bool      `json:"connected"`
	NeedsReconnect bool      `json:"needs_reconnect"`
	Reason         string    `json:"reason,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

const defaultRefreshTimeout = 15 * time.Second

// Store is safe for concurrent use.
type Store struct {
	persist    Persister
	refreshers map[live.Platform]RefreshFunc
	timeout    time.Duration

	mu     sync.RWMutex
	creds  map[live.Platform]Credential
	reauth map[live.Platform]string // platform -> reason, present when reconnect is required
	gen    map[live.Platform]uint64 // bumped by Save and Invalidate

	group singleflight.Group
}

// NewStore returns an empty store. Call Load to restore persisted credentials.
func NewStore(persist Persister, refreshers map[live.Platform]RefreshFunc) *Store {
	return &Store{
		persist:    persist,
		refreshers: refreshers,
		timeout:    defaultRefreshTimeout,
		creds:      map[live.Platform]Credential{},
		reauth:     map[live.Platform]string{},
		gen:        map[live.Platform]uint64{},
	}
}

// SetRefreshTimeout bounds each upstream refresh call.
func (s *Store) SetRefreshTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Load restores every platform's credential and reconnect flag.
func (s *Store) Load(ctx context.Context) error {
	for _, p := range live.Platforms {
		tok, found, err := s.persist.Load(ctx, string(p))
		if err != nil {
			return &live.StorageError{Op: "load credential " + string(p), Err: err}
		}
		if !found {
			continue
		}
		s.mu.Lock()
		if tok.AccessToken != "" || tok.RefreshToken != "" {
			s.creds[p] = Credential{Platform: p, AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.ExpiresAt, Scope: tok.Scope}
		}
		if tok.NeedsReauth {
			s.reauth[p] = tok.ReauthReason
		}
		s.mu.Unlock()
		telemetry.SetNeedsReconnect(string(p), tok.NeedsReauth)
	}
	return nil
}

// Get returns the cached credential for p.
func (s *Store) Get(p live.Platform) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[p]
	return c, ok && c.AccessToken != ""
}

// Status reports whether p is usable or needs the user to reconnect.
func (s *Store) Status(p live.Platform) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[p]
	reason, needs := s.reauth[p]
	return Status{Connected: ok && c.AccessToken != "" && !needs, NeedsReconnect: needs, Reason: reason, ExpiresAt: c.ExpiresAt}
}

// Save stores a freshly authorized credential and clears any reconnect flag.
func (s *Store) Save(ctx context.Context, c Credential) error {
	if err := s.persist.Save(ctx, toRow(c)); err != nil {
		return &live.StorageError{Op: "save credential " + string(c.Platform), Err: err}
	}
	s.mu.Lock()
	s.creds[c.Platform] = c
	delete(s.reauth, c.Platform)
	s.gen[c.Platform]++
	s.mu.Unlock()
	telemetry.SetNeedsReconnect(string(c.Platform), false)
	return nil
}

// Invalidate clears both tokens for p in memory and in persistence.
func (s *Store) Invalidate(ctx context.Context, p live.Platform) error {
	s.mu.Lock()
	delete(s.creds, p)
	delete(s.reauth, p)
	s.gen[p]++
	s.mu.Unlock()
	telemetry.SetNeedsReconnect(string(p), false)
	if err := s.persist.Clear(ctx, string(p)); err != nil {
		return &live.StorageError{Op: "clear credential " + string(p), Err: err}
	}
	return nil
}

// Refresh exchanges p's refresh token for a new pair. Concurrent callers
// share one upstream call, which runs detached from any single caller's
// cancellation and is bounded by the refresh timeout.
//
// A *live.AuthError means there is no refresh token or upstream rejected it;
// the latter also puts p into the needs-reconnect state. A *live.StorageError
// is returned together with a usable credential when persisting failed.
func (s *Store) Refresh(ctx context.Context, p live.Platform) (Credential, error) {
	ch := s.group.DoChan(string(p), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.refresh(rctx, p)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case r := <-ch:
		c, _ := r.Val.(Credential)
		return c, r.Err
	}
}

// RefreshIfExpiring refreshes p when its access token expires within window.
func (s *Store) RefreshIfExpiring(ctx context.Context, p live.Platform, window time.Duration) (bool, error) {
	s.mu.RLock()
	c, ok := s.creds[p]
	_, needs := s.reauth[p]
	s.mu.RUnlock()
	if !ok || needs || c.RefreshToken == "" || c.ExpiresAt.IsZero() || time.Until(c.ExpiresAt) > window {
		return false, nil
	}
	_, err := s.Refresh(ctx, p)
	return err == nil, err
}

func (s *Store) refresh(ctx context.Context, p live.Platform) (Credential, error) {
	s.mu.RLock()
	cur, ok := s.creds[p]
	gen := s.gen[p]
	reason, needs := s.reauth[p]
	s.mu.RUnlock()

	if needs {
		// Upstream already refused this refresh token; only a new authorization helps.
		telemetry.ObserveRefresh(string(p), "needs_reconnect")
		return Credential{}, &live.AuthError{Platform: p, Reason: reason}
	}
	if !ok || cur.RefreshToken == "" {
		telemetry.ObserveRefresh(string(p), "no_token")
		return Credential{}, &live.AuthError{Platform: p, Reason: "no refresh token held"}
	}
	fn := s.refreshers[p]
	if fn == nil {
		return Credential{}, &live.AuthError{Platform: p, Reason: "refresh not configured"}
	}

	next, err := fn(ctx, cur.RefreshToken)
	if err != nil {
		if rejected(err) {
			telemetry.ObserveRefresh(string(p), "rejected")
			s.markNeedsReconnect(ctx, p, gen, "refresh token rejected")
			return Credential{}, &live.AuthError{Platform: p, Reason: "refresh token rejected", Err: err}
		}
		telemetry.ObserveRefresh(string(p), "error")
		return Credential{}, fmt.Errorf("refresh %s: %w", p, err)
	}
	next.Platform = p
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}

	s.mu.Lock()
	if s.gen[p] != gen {
		// Logged out or re-authorized while the call was in flight.
		s.mu.Unlock()
		return Credential{}, &live.AuthError{Platform: p, Reason: "credential replaced during refresh"}
	}
	s.creds[p] = next
	s.mu.Unlock()

	if err := s.persist.Save(ctx, toRow(next)); err != nil {
		telemetry.ObserveRefresh(string(p), "persist_error")
		slog.Error("refreshed credential not persisted; keeping it in memory",
			slog.String("component", "credential"), slog.String("platform", string(p)), slog.Any("err", err))
		return next, &live.StorageError{Op: "persist refreshed credential", Err: err}
	}
	telemetry.ObserveRefresh(string(p), "ok")
	slog.Info("credential refreshed", slog.String("component", "credential"), slog.String("platform", string(p)),
		slog.Time("expires_at", next.ExpiresAt))
	return next, nil
}

func (s *Store) markNeedsReconnect(ctx context.Context, p live.Platform, gen uint64, reason string) {
	s.mu.Lock()
	if s.gen[p] != gen {
		s.mu.Unlock()
		return
	}
	s.reauth[p] = reason
	s.mu.Unlock()
	telemetry.SetNeedsReconnect(string(p), true)
	slog.Warn("account needs reconnect", slog.String("component", "credential"), slog.String("platform", string(p)), slog.String("reason", reason))
	if err := s.persist.MarkNeedsReauth(ctx, string(p), reason); err != nil {
		slog.Error("persist reconnect flag failed", slog.String("component", "credential"), slog.String("platform", string(p)), slog.Any("err", err))
	}
}

// rejected reports whether the token endpoint refused the refresh token.
func rejected(err error) bool {
	var se *live.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusBadRequest || se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

func toRow(c Credential) db.OAuthToken {
	return db.OAuthToken{
		Provider:     string(c.Platform),
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Scope:        c.Scope,
	}
}
