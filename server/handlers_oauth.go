package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/pipeline"
	"github.com/onnwee/livebell/telemetry"
)

const (
	oauthStateTTL = 10 * time.Minute
	revokeTimeout = 5 * time.Second
)

// HandleOAuthStart redirects to the platform's consent page.
func (h *Handlers) HandleOAuthStart(p live.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prov, ok := h.Providers[p]
		if !ok {
			writeError(w, http.StatusBadRequest, string(p)+" oauth not configured")
			return
		}
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			writeError(w, http.StatusInternalServerError, "state gen error")
			return
		}
		st := hex.EncodeToString(b)
		authURL, err := prov.AuthURL(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
			writeError(w, http.StatusServiceUnavailable, "too many pending oauth flows")
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// HandleOAuthCallback completes the code flow, stores the credential and
// starts a cycle so live state is available without waiting for the schedule.
func (h *Handlers) HandleOAuthCallback(p live.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth"), slog.String("platform", string(p)))
		prov, ok := h.Providers[p]
		if !ok {
			writeError(w, http.StatusBadRequest, string(p)+" oauth not configured")
			return
		}
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			writeError(w, http.StatusBadRequest, "authorization denied: "+e)
			return
		}
		code, st := q.Get("code"), q.Get("state")
		if code == "" || st == "" {
			writeError(w, http.StatusBadRequest, "missing code/state")
			return
		}
		if !h.consumeOAuthState(st) {
			writeError(w, http.StatusBadRequest, "invalid state")
			return
		}
		cred, err := prov.ExchangeCredential(r.Context(), code)
		if err != nil {
			logger.Warn("code exchange failed", slog.Any("err", err))
			writeError(w, http.StatusBadGateway, "code exchange failed")
			return
		}
		cred.Platform = p
		if err := h.Creds.Save(r.Context(), cred); err != nil {
			logger.Error("save credential failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "could not store credential")
			return
		}
		logger.Info("account connected", slog.Time("expires_at", cred.ExpiresAt))

		if h.Cycles != nil {
			go func() {
				if _, err := h.Cycles.Cycle(h.ctx, p); err != nil && !errors.Is(err, pipeline.ErrCycleInFlight) {
					logger.Warn("post-connect cycle failed", slog.Any("err", err))
				}
			}()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"platform":   p,
			"scope":      cred.Scope,
			"expires_at": cred.ExpiresAt,
		})
	}
}

// HandleLogout revokes and forgets every stored credential. Revocation is
// best-effort; local state is cleared regardless.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth"))
	cleared := []live.Platform{}
	for _, p := range live.Platforms {
		if c, ok := h.Creds.Get(p); ok {
			if prov, ok := h.Providers[p]; ok {
				ctx, cancel := context.WithTimeout(r.Context(), revokeTimeout)
				if err := prov.Revoke(ctx, c.AccessToken); err != nil {
					logger.Warn("token revoke failed", slog.String("platform", string(p)), slog.Any("err", err))
				}
				cancel()
			}
		}
		if err := h.Creds.Invalidate(r.Context(), p); err != nil {
			logger.Error("invalidate credential failed", slog.String("platform", string(p)), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "could not clear credentials")
			return
		}
		cleared = append(cleared, p)
	}
	logger.Info("logged out")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": cleared})
}
