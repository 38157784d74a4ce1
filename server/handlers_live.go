package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/telemetry"
)

const maxNotificationsLimit = 500

// HandleLive returns the current snapshot, optionally for one platform.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	var platform live.Platform
	if v := r.URL.Query().Get("platform"); v != "" {
		p, err := live.ParsePlatform(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		platform = p
	}
	items := h.Live.Snapshot().List(platform)
	if items == nil {
		items = []live.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// HandleNotifications returns retained notifications newest first.
func (h *Handlers) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := parseIntQuery(r, "limit", notify.DefaultListLimit)
	if limit <= 0 {
		limit = notify.DefaultListLimit
	}
	if limit > maxNotificationsLimit {
		limit = maxNotificationsLimit
	}
	list, err := h.Log.List(r.Context(), since, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list notifications failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not list notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
}

type subscriptionRequest struct {
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	Enabled   *bool  `json:"enabled"`
}

// HandleSubscriptions lists (GET) or upserts (PUT) a user's subscriptions.
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSubscriptions(w, r)
	case http.MethodPut:
		h.putSubscription(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (h *Handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	subs, err := h.Subscriptions.ListByUser(r.Context(), user)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list subscriptions failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (h *Handlers) putSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := live.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if req.UserID == "" || req.ChannelID == "" || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "user_id, channel_id and enabled are required")
		return
	}
	sub, err := h.Subscriptions.Upsert(r.Context(), notify.Subscription{
		UserID:    req.UserID,
		Platform:  p,
		ChannelID: req.ChannelID,
		Enabled:   *req.Enabled,
	})
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("upsert subscription failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not store subscription")
		return
	}
	notified := false
	if sub.Enabled && h.Cycles != nil {
		notified = h.Cycles.SubscriptionEnabled(r.Context(), sub.UserID, sub.Key())
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub, "notified": notified})
}
