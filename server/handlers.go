package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/pipeline"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	platformTwitch  = live.Twitch
	platformYouTube = live.YouTube
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Credentials is the account state the API reads and mutates.
type Credentials interface {
	Get(p live.Platform) (credential.Credential, bool)
	Status(p live.Platform) credential.Status
	Save(ctx context.Context, c credential.Credential) error
	Invalidate(ctx context.Context, p live.Platform) error
}

// Cycles runs and reports reconciliation cycles.
type Cycles interface {
	Platforms() []live.Platform
	Cycle(ctx context.Context, p live.Platform) (pipeline.CycleStatus, error)
	Status() map[live.Platform]pipeline.CycleStatus
	SubscriptionEnabled(ctx context.Context, userID string, k live.Key) bool
}

// NotificationLog serves log retrieval.
type NotificationLog interface {
	List(ctx context.Context, since time.Time, limit int) ([]notify.Notification, error)
}

// Subscriptions stores user preferences.
type Subscriptions interface {
	Upsert(ctx context.Context, sub notify.Subscription) (notify.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]notify.Subscription, error)
}

// Provider is one platform's OAuth code flow.
type Provider interface {
	AuthURL(state string) (string, error)
	ExchangeCredential(ctx context.Context, code string) (credential.Credential, error)
	Revoke(ctx context.Context, token string) error
}

// Deps are the collaborators the handlers need. Providers may omit platforms
// that are not configured.
type Deps struct {
	DB            Pinger
	Creds         Credentials
	Live          *live.Store
	Cycles        Cycles
	Log           NotificationLog
	Subscriptions Subscriptions
	Bus           *notify.Bus
	Providers     map[live.Platform]Provider
	Heartbeat     time.Duration
	PushBuffer    int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
	sessions   atomic.Int64
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	if deps.PushBuffer <= 0 {
		deps.PushBuffer = notify.DefaultBuffer
	}
	return &Handlers{
		Deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state until expiry. It reports false when the store
// is full, which fails that connect attempt rather than growing without bound.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState validates and removes state.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
