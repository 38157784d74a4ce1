package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/pipeline"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeCreds struct {
	mu          sync.Mutex
	creds       map[live.Platform]credential.Credential
	status      map[live.Platform]credential.Status
	saved       []credential.Credential
	invalidated []live.Platform
}

func (f *fakeCreds) Get(p live.Platform) (credential.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[p]
	return c, ok
}

func (f *fakeCreds) Status(p live.Platform) credential.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[p]
}

func (f *fakeCreds) Save(_ context.Context, c credential.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, c)
	return nil
}

func (f *fakeCreds) Invalidate(_ context.Context, p live.Platform) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creds, p)
	f.invalidated = append(f.invalidated, p)
	return nil
}

type fakeCycles struct {
	platforms []live.Platform
	st        pipeline.CycleStatus
	err       error
	cycled    chan live.Platform
	notify    bool

	mu      sync.Mutex
	enabled []live.Key
}

func (f *fakeCycles) Platforms() []live.Platform { return f.platforms }

func (f *fakeCycles) Cycle(_ context.Context, p live.Platform) (pipeline.CycleStatus, error) {
	if f.cycled != nil {
		f.cycled <- p
	}
	return f.st, f.err
}

func (f *fakeCycles) Status() map[live.Platform]pipeline.CycleStatus {
	return map[live.Platform]pipeline.CycleStatus{live.Twitch: f.st}
}

func (f *fakeCycles) SubscriptionEnabled(_ context.Context, _ string, k live.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, k)
	return f.notify
}

type fakeLog struct {
	list  []notify.Notification
	err   error
	since time.Time
	limit int
}

func (f *fakeLog) List(_ context.Context, since time.Time, limit int) ([]notify.Notification, error) {
	f.since, f.limit = since, limit
	return f.list, f.err
}

type fakeSubs struct {
	upserts []notify.Subscription
}

func (f *fakeSubs) Upsert(_ context.Context, s notify.Subscription) (notify.Subscription, error) {
	f.upserts = append(f.upserts, s)
	s.UpdatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return s, nil
}

func (f *fakeSubs) ListByUser(_ context.Context, user string) ([]notify.Subscription, error) {
	var out []notify.Subscription
	for _, s := range f.upserts {
		if s.UserID == user {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeProvider struct {
	base    string
	cred    credential.Credential
	err     error
	revoked []string
}

func (f *fakeProvider) AuthURL(state string) (string, error) {
	return f.base + "?state=" + url.QueryEscape(state), nil
}

func (f *fakeProvider) ExchangeCredential(_ context.Context, code string) (credential.Credential, error) {
	if code != "good" {
		return credential.Credential{}, errors.New("bad code")
	}
	return f.cred, f.err
}

func (f *fakeProvider) Revoke(_ context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

type testEnv struct {
	h        *Handlers
	creds    *fakeCreds
	cycles   *fakeCycles
	log      *fakeLog
	subs     *fakeSubs
	provider *fakeProvider
	store    *live.Store
	bus      *notify.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := live.NewStore(nil)
	started := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	_, err := store.Apply(context.Background(), live.Twitch, []live.Item{
		{Platform: live.Twitch, ChannelID: "1", ChannelName: "one", StartedAt: started, StreamURL: "https://www.twitch.tv/one"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Apply(context.Background(), live.YouTube, []live.Item{
		{Platform: live.YouTube, ChannelID: "UCx", ChannelName: "yt", StartedAt: started, StreamURL: "https://www.youtube.com/watch?v=abc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		creds: &fakeCreds{
			creds:  map[live.Platform]credential.Credential{live.Twitch: {Platform: live.Twitch, AccessToken: "tw-access"}},
			status: map[live.Platform]credential.Status{live.Twitch: {Connected: true}},
		},
		cycles:   &fakeCycles{platforms: []live.Platform{live.Twitch}, st: pipeline.CycleStatus{Result: "ok", Live: 1}},
		log:      &fakeLog{},
		subs:     &fakeSubs{},
		provider: &fakeProvider{base: "https://id.example/authorize", cred: credential.Credential{AccessToken: "new", RefreshToken: "r", Scope: "user:read:follows"}},
		store:    store,
		bus:      notify.NewBus(),
	}
	env.h = NewHandlers(t.Context(), Deps{
		DB:            fakePinger{},
		Creds:         env.creds,
		Live:          store,
		Cycles:        env.cycles,
		Log:           env.log,
		Subscriptions: env.subs,
		Bus:           env.bus,
		Providers:     map[live.Platform]Provider{live.Twitch: env.provider},
		Heartbeat:     20 * time.Millisecond,
	})
	return env
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.HandleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.h.HandleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rr.Code)
	}

	env.creds.status[live.Twitch] = credential.Status{NeedsReconnect: true, Reason: "refresh rejected"}
	rr = httptest.NewRecorder()
	env.h.HandleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]string
	decode(t, rr, &body)
	if rr.Code != http.StatusServiceUnavailable || body["failed_check"] != "credentials" {
		t.Fatalf("readyz = %d %v", rr.Code, body)
	}

	env.h.DB = fakePinger{err: errors.New("down")}
	rr = httptest.NewRecorder()
	env.h.HandleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with db down = %d", rr.Code)
	}
}

func TestHandleLive(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		query     string
		wantCode  int
		wantCount int
	}{
		{"", http.StatusOK, 2},
		{"?platform=twitch", http.StatusOK, 1},
		{"?platform=youtube", http.StatusOK, 1},
		{"?platform=kick", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.h.HandleLive(rr, httptest.NewRequest(http.MethodGet, "/live"+tt.query, nil))
			if rr.Code != tt.wantCode {
				t.Fatalf("code = %d", rr.Code)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var body struct {
				Items []live.Item `json:"items"`
				Count int         `json:"count"`
			}
			decode(t, rr, &body)
			if body.Count != tt.wantCount || len(body.Items) != tt.wantCount {
				t.Fatalf("count = %d items = %d", body.Count, len(body.Items))
			}
		})
	}
}

func TestHandleNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.log.list = []notify.Notification{{ID: "a", UserID: "alice", Platform: live.Twitch, ChannelID: "1"}}

	rr := httptest.NewRecorder()
	env.h.HandleNotifications(rr, httptest.NewRequest(http.MethodGet, "/notifications?since=2026-01-02T15:00:00Z&limit=5000", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if !env.log.since.Equal(time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)) || env.log.limit != maxNotificationsLimit {
		t.Fatalf("since = %v limit = %d", env.log.since, env.log.limit)
	}
	var body struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	decode(t, rr, &body)
	if len(body.Notifications) != 1 || body.Notifications[0].ID != "a" {
		t.Fatalf("body = %+v", body)
	}

	rr = httptest.NewRecorder()
	env.h.HandleNotifications(rr, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	if !env.log.since.IsZero() || env.log.limit != notify.DefaultListLimit {
		t.Fatalf("defaults: since = %v limit = %d", env.log.since, env.log.limit)
	}

	rr = httptest.NewRecorder()
	env.h.HandleNotifications(rr, httptest.NewRequest(http.MethodGet, "/notifications?since=yesterday", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad since = %d", rr.Code)
	}

	env.log.err = &live.StorageError{Op: "list notifications", Err: errors.New("boom")}
	rr = httptest.NewRecorder()
	env.h.HandleNotifications(rr, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("storage error = %d", rr.Code)
	}
}

func TestHandleSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	env.cycles.notify = true

	put := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		env.h.HandleSubscriptions(rr, httptest.NewRequest(http.MethodPut, "/subscriptions", strings.NewReader(body)))
		return rr
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"unknown platform", `{"user_id":"alice","platform":"kick","channel_id":"1","enabled":true}`, http.StatusBadRequest},
		{"missing enabled", `{"user_id":"alice","platform":"twitch","channel_id":"1"}`, http.StatusBadRequest},
		{"unknown field", `{"user_id":"alice","platform":"twitch","channel_id":"1","enabled":true,"x":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := put(tt.body); rr.Code != tt.code {
				t.Fatalf("code = %d body = %s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := put(`{"user_id":"alice","platform":"twitch","channel_id":"1","enabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Subscription notify.Subscription `json:"subscription"`
		Notified     bool                `json:"notified"`
	}
	decode(t, rr, &resp)
	if !resp.Notified || !resp.Subscription.Enabled || resp.Subscription.UpdatedAt.IsZero() {
		t.Fatalf("resp = %+v", resp)
	}
	if len(env.cycles.enabled) != 1 || env.cycles.enabled[0] != (live.Key{Platform: live.Twitch, ChannelID: "1"}) {
		t.Fatalf("enabled calls = %v", env.cycles.enabled)
	}

	// Disabling never notifies.
	put(`{"user_id":"alice","platform":"twitch","channel_id":"1","enabled":false}`)
	if len(env.cycles.enabled) != 1 {
		t.Fatalf("disable triggered a notification")
	}

	rr = httptest.NewRecorder()
	env.h.HandleSubscriptions(rr, httptest.NewRequest(http.MethodGet, "/subscriptions?user_id=alice", nil))
	var list struct {
		Subscriptions []notify.Subscription `json:"subscriptions"`
	}
	decode(t, rr, &list)
	if len(list.Subscriptions) != 2 {
		t.Fatalf("list = %+v", list)
	}

	rr = httptest.NewRecorder()
	env.h.HandleSubscriptions(rr, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.h.HandleSubscriptions(rr, httptest.NewRequest(http.MethodDelete, "/subscriptions", nil))
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Values("Allow") == nil {
		t.Fatalf("delete = %d", rr.Code)
	}
}

func TestOAuthConnectFlow(t *testing.T) {
	env := newTestEnv(t)
	env.cycles.cycled = make(chan live.Platform, 1)

	rr := httptest.NewRecorder()
	env.h.HandleOAuthStart(live.Twitch)(rr, httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("no state in %s", loc)
	}

	rr = httptest.NewRecorder()
	env.h.HandleOAuthCallback(live.Twitch)(rr, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=good&state=forged", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("forged state = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.h.HandleOAuthCallback(live.Twitch)(rr, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=good&state="+state, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if len(env.creds.saved) != 1 || env.creds.saved[0].Platform != live.Twitch || env.creds.saved[0].AccessToken != "new" {
		t.Fatalf("saved = %+v", env.creds.saved)
	}
	select {
	case p := <-env.cycles.cycled:
		if p != live.Twitch {
			t.Fatalf("cycled %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no post-connect cycle")
	}

	// State is single use.
	rr = httptest.NewRecorder()
	env.h.HandleOAuthCallback(live.Twitch)(rr, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=good&state="+state, nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replayed state = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.h.HandleOAuthStart(live.YouTube)(rr, httptest.NewRequest(http.MethodGet, "/auth/youtube/start", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unconfigured provider = %d", rr.Code)
	}
}

func TestOAuthCallbackExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.h.addOAuthState("s1", time.Now().Add(time.Minute))

	rr := httptest.NewRecorder()
	env.h.HandleOAuthCallback(live.Twitch)(rr, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=bad&state=s1", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("code = %d", rr.Code)
	}
	if len(env.creds.saved) != 0 {
		t.Fatal("credential saved after failed exchange")
	}
}

func TestOAuthStateExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.h.addOAuthState("old", time.Now().Add(-time.Second))
	if env.h.consumeOAuthState("old") {
		t.Fatal("expired state accepted")
	}
	if env.h.consumeOAuthState("never") {
		t.Fatal("unknown state accepted")
	}
}

func TestHandleLogout(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.HandleLogout(rr, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET logout = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.h.HandleLogout(rr, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("logout = %d", rr.Code)
	}
	if len(env.provider.revoked) != 1 || env.provider.revoked[0] != "tw-access" {
		t.Fatalf("revoked = %v", env.provider.revoked)
	}
	if len(env.creds.invalidated) != 2 {
		t.Fatalf("invalidated = %v", env.creds.invalidated)
	}
}

func TestHandleAdminPoll(t *testing.T) {
	tests := []struct {
		name   string
		method string
		query  string
		err    error
		code   int
	}{
		{"ok", http.MethodPost, "?platform=twitch", nil, http.StatusOK},
		{"in flight", http.MethodPost, "?platform=twitch", pipeline.ErrCycleInFlight, http.StatusConflict},
		{"failed", http.MethodPost, "?platform=twitch", &live.AuthError{Platform: live.Twitch}, http.StatusBadGateway},
		{"not configured", http.MethodPost, "?platform=youtube", nil, http.StatusNotFound},
		{"unknown", http.MethodPost, "?platform=kick", nil, http.StatusBadRequest},
		{"get", http.MethodGet, "?platform=twitch", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.cycles.err = tt.err
			rr := httptest.NewRecorder()
			env.h.HandleAdminPoll(rr, httptest.NewRequest(tt.method, "/admin/poll"+tt.query, nil))
			if rr.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rr.Code, tt.code, rr.Body.String())
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	env.creds.status[live.YouTube] = credential.Status{NeedsReconnect: true, Reason: "revoked"}

	rr := httptest.NewRecorder()
	env.h.HandleStatus(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var body statusResponse
	decode(t, rr, &body)

	tw := body.Platforms[live.Twitch]
	if !tw.Account.Connected || tw.Live != 1 || tw.LastCycle == nil || tw.LastCycle.Result != "ok" {
		t.Fatalf("twitch = %+v", tw)
	}
	yt := body.Platforms[live.YouTube]
	if !yt.Account.NeedsReconnect || yt.Account.Reason != "revoked" || yt.LastCycle != nil {
		t.Fatalf("youtube = %+v", yt)
	}
}
