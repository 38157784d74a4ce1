// Package pipeline runs reconciliation cycles: poll a platform, normalize,
// apply to the live store, and notify subscribers about channels that went
// live.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/livebell/db"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/telemetry"
)

// ErrCycleInFlight is returned when a cycle for the platform is already running.
var ErrCycleInFlight = errors.New("cycle already in flight")

// Poller is a PlatformAdapter.
type Poller interface {
	Platform() live.Platform
	Poll(ctx context.Context) ([]live.RawRecord, error)
}

// Gate resolves the users to notify about a live item.
type Gate interface {
	Recipients(ctx context.Context, it live.Item) ([]string, error)
}

// Publisher fans a notification out to observers.
type Publisher interface {
	Publish(n notify.Notification) int
}

// Deferrer takes notifications whose append failed.
type Deferrer interface {
	Enqueue(n notify.Notification) bool
}

// PendingStore durably records the keys whose notifications are not settled
// yet, so a restart resumes them instead of treating the channel as already
// announced.
type PendingStore interface {
	LoadPending(ctx context.Context, p live.Platform) ([]live.Key, error)
	SavePending(ctx context.Context, p live.Platform, keys []live.Key) error
}

// CycleStatus describes the most recent cycle of one platform.
type CycleStatus struct {
	At       time.Time     `json:"at"`
	Result   string        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Joined   int           `json:"joined"`
	Left     int           `json:"left"`
	Live     int           `json:"live"`
	Pending  int           `json:"pending_gate"`
}

// Runner owns the reconciliation state shared by all platforms.
type Runner struct {
	Store        *live.Store
	Gate         Gate
	Log          notify.Appender
	Bus          Publisher
	Outbox       Deferrer
	DB           *sql.DB      // optional; records the last cycle in kv
	Pending      PendingStore // optional; without it unsettled keys live in memory only
	CycleTimeout time.Duration

	pollers  map[live.Platform]Poller
	inflight map[live.Platform]*atomic.Bool

	mu      sync.Mutex
	pending map[live.Platform]map[live.Key]struct{}
	status  map[live.Platform]CycleStatus

	now func() time.Time
}

// NewRunner wires a runner. Each poller serves the platform it reports.
func NewRunner(store *live.Store, gate Gate, log notify.Appender, bus Publisher, outbox Deferrer, pollers ...Poller) *Runner {
	r := &Runner{
		Store:    store,
		Gate:     gate,
		Log:      log,
		Bus:      bus,
		Outbox:   outbox,
		pollers:  make(map[live.Platform]Poller),
		inflight: make(map[live.Platform]*atomic.Bool),
		pending:  make(map[live.Platform]map[live.Key]struct{}),
		status:   make(map[live.Platform]CycleStatus),
	}
	for _, p := range pollers {
		r.pollers[p.Platform()] = p
		r.inflight[p.Platform()] = &atomic.Bool{}
	}
	return r
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Platforms lists the platforms with a poller, sorted.
func (r *Runner) Platforms() []live.Platform {
	out := make([]live.Platform, 0, len(r.pollers))
	for p := range r.pollers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status returns a copy of the last cycle status per platform.
func (r *Runner) Status() map[live.Platform]CycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[live.Platform]CycleStatus, len(r.status))
	for p, s := range r.status {
		out[p] = s
	}
	return out
}

// Cycle runs one reconciliation for platform p. A failed poll leaves the
// snapshot untouched. Overlapping cycles for the same platform are refused
// with ErrCycleInFlight.
func (r *Runner) Cycle(ctx context.Context, p live.Platform) (CycleStatus, error) {
	poller, ok := r.pollers[p]
	if !ok {
		return CycleStatus{}, fmt.Errorf("no poller for platform %q", p)
	}
	guard := r.inflight[p]
	if !guard.CompareAndSwap(false, true) {
		return CycleStatus{}, ErrCycleInFlight
	}
	defer guard.Store(false)

	if r.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CycleTimeout)
		defer cancel()
	}
	ctx, span := telemetry.StartSpan(ctx, "pipeline", "cycle", telemetry.PlatformAttr(string(p)))
	defer span.End()

	start := time.Now()
	logger := slog.Default().With(slog.String("component", "pipeline"), slog.String("platform", string(p)))
	st, err := r.cycle(ctx, p, poller, logger)
	st.At = r.clock()
	st.Duration = time.Since(start)
	st.Result = "ok"
	if err != nil {
		st.Result = resultOf(err)
		st.Error = err.Error()
		telemetry.RecordError(span, err)
		logger.Warn("cycle failed", slog.String("result", st.Result), slog.Any("err", err))
	} else {
		telemetry.SetSpanSuccess(span)
		logger.Debug("cycle complete", slog.Int("joined", st.Joined), slog.Int("left", st.Left),
			slog.Int("live", st.Live), slog.Duration("took", st.Duration))
	}
	telemetry.ObserveCycle(string(p), st.Result, st.Duration)
	r.recordStatus(ctx, p, st)
	return st, err
}

func (r *Runner) cycle(ctx context.Context, p live.Platform, poller Poller, logger *slog.Logger) (CycleStatus, error) {
	var st CycleStatus
	recs, err := poller.Poll(ctx)
	if err != nil {
		return st, err
	}
	items, err := live.NormalizeAll(recs)
	if err != nil {
		return st, err
	}
	// Newly live keys are recorded as unsettled before the snapshot commits.
	// Until every recipient has been handed its notification they stay
	// pending, so a crash or restart in between re-evaluates them; the
	// deterministic ids make any repeat append a no-op.
	ahead := live.Compute(r.Store.Snapshot().Platform(p), live.NewSnapshot(items))
	if len(ahead.Joined) > 0 {
		for _, it := range ahead.Joined {
			r.setPending(p, it.Key(), true)
		}
		if err := r.savePending(ctx, p); err != nil {
			return st, err
		}
	}
	diff, err := r.Store.Apply(ctx, p, items)
	if err != nil {
		return st, err
	}
	snap := r.Store.Snapshot()
	st.Joined, st.Left, st.Live = len(diff.Joined), len(diff.Left), len(items)
	telemetry.AddTransitions(string(p), st.Joined, st.Left)
	telemetry.SetLiveChannels(string(p), st.Live)
	for _, it := range diff.Left {
		logger.Info("channel went offline", slog.String("channel", it.ChannelID), slog.String("name", it.ChannelName))
	}

	joined := make(map[live.Key]struct{}, len(diff.Joined))
	for _, it := range diff.Joined {
		joined[it.Key()] = struct{}{}
		logger.Info("channel went live", slog.String("channel", it.ChannelID), slog.String("name", it.ChannelName))
	}
	for _, it := range r.candidates(p, snap) {
		if _, ok := joined[it.Key()]; !ok {
			logger.Info("re-evaluating withheld transition", slog.String("channel", it.ChannelID))
		}
		users, err := r.Gate.Recipients(ctx, it)
		if err != nil {
			continue
		}
		for _, u := range users {
			r.emit(ctx, u, it)
		}
		r.setPending(p, it.Key(), false)
	}
	if err := r.savePending(ctx, p); err != nil {
		// The stale set only causes a harmless re-evaluation after a restart.
		logger.Warn("failed to record pending transitions", slog.Any("err", err))
	}
	st.Pending = r.pendingLen(p)
	return st, nil
}

// candidates returns the pending items that are still live, ordered by
// channel. Pending keys that went offline are forgotten.
func (r *Runner) candidates(p live.Platform, snap *live.Snapshot) []live.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.pending[p]
	keys := make([]live.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ChannelID < keys[j].ChannelID })
	var out []live.Item
	for _, k := range keys {
		it, ok := snap.Get(k)
		if !ok {
			delete(set, k)
			continue
		}
		out = append(out, it)
	}
	return out
}

func (r *Runner) savePending(ctx context.Context, p live.Platform) error {
	if r.Pending == nil {
		return nil
	}
	r.mu.Lock()
	keys := make([]live.Key, 0, len(r.pending[p]))
	for k := range r.pending[p] {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].ChannelID < keys[j].ChannelID })
	if err := r.Pending.SavePending(context.WithoutCancel(ctx), p, keys); err != nil {
		return &live.StorageError{Op: "save pending", Err: err}
	}
	return nil
}

func (r *Runner) setPending(p live.Platform, k live.Key, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.pending[p]
	if set == nil {
		set = make(map[live.Key]struct{})
		r.pending[p] = set
	}
	if pending {
		set[k] = struct{}{}
	} else {
		delete(set, k)
	}
}

func (r *Runner) pendingLen(p live.Platform) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[p])
}

// emit appends then publishes. A failed append still publishes and hands the
// notification to the outbox; a duplicate append publishes nothing.
func (r *Runner) emit(ctx context.Context, userID string, it live.Item) bool {
	n := notify.New(userID, it, r.clock())
	inserted, err := r.Log.Append(ctx, n)
	switch {
	case err != nil:
		slog.Warn("notification append failed; publishing and deferring persistence",
			slog.String("component", "pipeline"), slog.String("id", n.ID), slog.Any("err", err))
		r.Bus.Publish(n)
		if r.Outbox != nil {
			r.Outbox.Enqueue(n)
		}
		telemetry.ObserveNotification(string(it.Platform), "deferred")
		return true
	case !inserted:
		telemetry.ObserveNotification(string(it.Platform), "duplicate")
		return false
	default:
		r.Bus.Publish(n)
		telemetry.ObserveNotification(string(it.Platform), "emitted")
		return true
	}
}

// SubscriptionEnabled notifies userID right away when the channel behind k is
// live at the moment the subscription is enabled. Repeated calls within one
// live session emit at most once.
func (r *Runner) SubscriptionEnabled(ctx context.Context, userID string, k live.Key) bool {
	it, ok := r.Store.Snapshot().Get(k)
	if !ok {
		return false
	}
	return r.emit(ctx, userID, it)
}

func (r *Runner) recordStatus(ctx context.Context, p live.Platform, st CycleStatus) {
	r.mu.Lock()
	r.status[p] = st
	r.mu.Unlock()
	if r.DB == nil {
		return
	}
	key := "last_cycle_" + string(p)
	val := st.At.Format(time.RFC3339) + " " + st.Result
	if err := db.SetKV(context.WithoutCancel(ctx), r.DB, key, val); err != nil {
		slog.Warn("failed to record last cycle", slog.String("component", "pipeline"), slog.Any("err", err))
	}
}

// Restore reloads what the previous process left behind: the last cycle per
// platform for /status and the unsettled transitions, which the next cycle
// evaluates again.
func (r *Runner) Restore(ctx context.Context) error {
	for _, p := range r.Platforms() {
		if r.Pending != nil {
			keys, err := r.Pending.LoadPending(ctx, p)
			if err != nil {
				return &live.StorageError{Op: "load pending", Err: err}
			}
			for _, k := range keys {
				r.setPending(p, k, true)
			}
		}
		if r.DB == nil {
			continue
		}
		val, err := db.GetKV(ctx, r.DB, "last_cycle_"+string(p))
		if err != nil {
			return &live.StorageError{Op: "load last cycle", Err: err}
		}
		at, result, ok := strings.Cut(val, " ")
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			continue
		}
		r.mu.Lock()
		if _, seen := r.status[p]; !seen {
			r.status[p] = CycleStatus{At: ts, Result: result}
		}
		r.mu.Unlock()
	}
	return nil
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, live.ErrAuth):
		return "auth_error"
	case errors.Is(err, live.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, live.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, live.ErrStorage):
		return "storage_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
