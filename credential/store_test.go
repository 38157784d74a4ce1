package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/livebell/db"
	"github.com/onnwee/livebell/live"
)

type fakePersister struct {
	mu      sync.Mutex
	rows    map[string]db.OAuthToken
	saveErr error
	saves   int
}

func newFakePersister() *fakePersister { return &fakePersister{rows: map[string]db.OAuthToken{}} }

func (f *fakePersister) Save(_ context.Context, tok db.OAuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.rows[tok.Provider] = tok
	return nil
}

func (f *fakePersister) Load(_ context.Context, provider string) (db.OAuthToken, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.rows[provider]
	return tok, ok, nil
}

func (f *fakePersister) MarkNeedsReauth(_ context.Context, provider, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := f.rows[provider]
	tok.Provider, tok.NeedsReauth, tok.ReauthReason = provider, true, reason
	f.rows[provider] = tok
	return nil
}

func (f *fakePersister) Clear(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, provider)
	return nil
}

func seeded(t *testing.T, p *fakePersister, fn RefreshFunc) *Store {
	t.Helper()
	p.rows["twitch"] = db.OAuthToken{Provider: "twitch", AccessToken: "old-at", RefreshToken: "old-rt", ExpiresAt: time.Now().Add(time.Minute)}
	s := NewStore(p, map[live.Platform]RefreshFunc{live.Twitch: fn})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, rt string) (Credential, error) {
		calls.Add(1)
		<-release
		return Credential{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	p := newFakePersister()
	s := seeded(t, p, fn)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan Credential, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Refresh(context.Background(), live.Twitch)
			if err != nil {
				t.Errorf("Refresh: %v", err)
			}
			results <- c
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream refresh calls = %d, want 1", got)
	}
	for c := range results {
		if c.AccessToken != "new-at" {
			t.Errorf("caller saw %q", c.AccessToken)
		}
	}
	if p.rows["twitch"].RefreshToken != "new-rt" {
		t.Errorf("rotated refresh token not persisted: %+v", p.rows["twitch"])
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	fn := func(ctx context.Context, rt string) (Credential, error) {
		return Credential{AccessToken: "new-at"}, nil
	}
	s := seeded(t, newFakePersister(), fn)
	c, err := s.Refresh(context.Background(), live.Twitch)
	if err != nil {
		t.Fatal(err)
	}
	if c.RefreshToken != "old-rt" {
		t.Errorf("refresh token = %q", c.RefreshToken)
	}
}

func TestRefreshRejectedNeedsReconnect(t *testing.T) {
	fn := func(ctx context.Context, rt string) (Credential, error) {
		return Credential{}, &live.StatusError{Code: 400, Body: `{"message":"Invalid refresh token"}`}
	}
	p := newFakePersister()
	s := seeded(t, p, fn)

	_, err := s.Refresh(context.Background(), live.Twitch)
	if !errors.Is(err, live.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	st := s.Status(live.Twitch)
	if !st.NeedsReconnect || st.Connected {
		t.Fatalf("status = %+v", st)
	}
	if !p.rows["twitch"].NeedsReauth {
		t.Errorf("reconnect flag not persisted")
	}

	// a new authorization clears the state
	if err := s.Save(context.Background(), Credential{Platform: live.Twitch, AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(live.Twitch); st.NeedsReconnect || !st.Connected {
		t.Fatalf("status after save = %+v", st)
	}
}

func TestRefreshAfterRejectionSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, rt string) (Credential, error) {
		if calls.Add(1) == 1 {
			return Credential{}, &live.StatusError{Code: 400, Body: "invalid refresh token"}
		}
		return Credential{AccessToken: "new-at", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	s := seeded(t, newFakePersister(), fn)

	for range 3 {
		if _, err := s.Refresh(context.Background(), live.Twitch); !errors.Is(err, live.ErrAuth) {
			t.Fatalf("err = %v, want auth error", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("token endpoint called %d times after rejection", n)
	}

	if err := s.Save(context.Background(), Credential{Platform: live.Twitch, AccessToken: "a", RefreshToken: "r2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Refresh(context.Background(), live.Twitch); err != nil {
		t.Fatalf("refresh after reconnect: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d", n)
	}
}

func TestRefreshTransportFailureIsNotTerminal(t *testing.T) {
	fn := func(ctx context.Context, rt string) (Credential, error) {
		return Credential{}, errors.New("dial tcp: connection refused")
	}
	s := seeded(t, newFakePersister(), fn)
	_, err := s.Refresh(context.Background(), live.Twitch)
	if err == nil || errors.Is(err, live.ErrAuth) {
		t.Fatalf("err = %v", err)
	}
	if s.Status(live.Twitch).NeedsReconnect {
		t.Fatal("transport failure marked account for reconnect")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	s := NewStore(newFakePersister(), map[live.Platform]RefreshFunc{})
	if _, err := s.Refresh(context.Background(), live.YouTube); !errors.Is(err, live.ErrAuth) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefreshPersistFailureKeepsNewPairInMemory(t *testing.T) {
	fn := func(ctx context.Context, rt string) (Credential, error) {
		return Credential{AccessToken: "new-at", RefreshToken: "new-rt"}, nil
	}
	p := newFakePersister()
	s := seeded(t, p, fn)
	p.saveErr = errors.New("db down")

	c, err := s.Refresh(context.Background(), live.Twitch)
	if !errors.Is(err, live.ErrStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if c.AccessToken != "new-at" {
		t.Fatalf("credential not returned with storage error")
	}
	if got, _ := s.Get(live.Twitch); got.RefreshToken != "new-rt" {
		t.Errorf("in-memory refresh token = %q", got.RefreshToken)
	}
}

func TestInvalidateDuringRefreshDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context, rt string) (Credential, error) {
		close(started)
		<-release
		return Credential{AccessToken: "new-at", RefreshToken: "new-rt"}, nil
	}
	s := seeded(t, newFakePersister(), fn)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background(), live.Twitch)
		errc <- err
	}()
	<-started
	if err := s.Invalidate(context.Background(), live.Twitch); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-errc; !errors.Is(err, live.ErrAuth) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := s.Get(live.Twitch); ok {
		t.Fatal("credential resurrected after logout")
	}
}

func TestRefreshCallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	release := make(chan struct{})
	var sawCancel atomic.Bool
	fn := func(ctx context.Context, rt string) (Credential, error) {
		<-release
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return Credential{AccessToken: "new-at"}, nil
	}
	s := seeded(t, newFakePersister(), fn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx, live.Twitch)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}

	second := make(chan Credential, 1)
	go func() {
		c, _ := s.Refresh(context.Background(), live.Twitch)
		second <- c
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	if c := <-second; c.AccessToken != "new-at" {
		t.Fatalf("second caller got %+v", c)
	}
	if sawCancel.Load() {
		t.Fatal("shared refresh observed caller cancellation")
	}
}

func TestRefreshIfExpiring(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, rt string) (Credential, error) {
		calls.Add(1)
		return Credential{AccessToken: "new-at", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	s := seeded(t, newFakePersister(), fn) // expires in one minute
	if did, err := s.RefreshIfExpiring(context.Background(), live.Twitch, time.Second); did || err != nil {
		t.Fatalf("refreshed outside window: %v %v", did, err)
	}
	if did, err := s.RefreshIfExpiring(context.Background(), live.Twitch, 5*time.Minute); !did || err != nil {
		t.Fatalf("did not refresh inside window: %v %v", did, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
