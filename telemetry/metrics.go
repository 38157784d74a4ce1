// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles           *prometheus.CounterVec // platform, result
	Transitions          *prometheus.CounterVec // platform, kind (joined|left)
	NotificationsEmitted *prometheus.CounterVec // platform, outcome
	GateFailures         *prometheus.CounterVec // platform
	UpstreamRateLimited  *prometheus.CounterVec // platform
	CredentialRefreshes  *prometheus.CounterVec // platform, result
	BusDropped           prometheus.Counter

	// Histograms (seconds)
	PollDuration *prometheus.HistogramVec // platform

	// Gauges
	LiveChannels          *prometheus.GaugeVec // platform
	AccountNeedsReconnect *prometheus.GaugeVec // platform; 1=needs reconnect
	PushSessions          prometheus.Gauge
	OutboxDepth           prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_poll_cycles_total", Help: "Poll cycles by platform and result"}, []string{"platform", "result"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_transitions_total", Help: "Joined/left transitions detected"}, []string{"platform", "kind"})
		NotificationsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_notifications_total", Help: "Notifications by outcome (logged, duplicate, persist_failed)"}, []string{"platform", "outcome"})
		GateFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_gate_failures_total", Help: "Subscription lookups that failed closed"}, []string{"platform"})
		UpstreamRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_upstream_rate_limited_total", Help: "429 responses honored by adapters"}, []string{"platform"})
		CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livebell_credential_refreshes_total", Help: "Credential refresh attempts by result"}, []string{"platform", "result"})
		BusDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "livebell_bus_dropped_total", Help: "Events dropped for slow subscribers"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "livebell_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets}, []string{"platform"})
		LiveChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "livebell_live_channels", Help: "Channels currently live"}, []string{"platform"})
		AccountNeedsReconnect = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "livebell_account_needs_reconnect", Help: "1 when the platform account must be reconnected"}, []string{"platform"})
		PushSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "livebell_push_sessions", Help: "Connected push sessions"})
		OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "livebell_outbox_depth", Help: "Notifications awaiting persistence retry"})
	})
}

// The helpers below are no-ops until Init runs, so packages can be tested
// without registering metrics.

// ObserveCycle records one poll cycle outcome and its duration.
func ObserveCycle(platform, result string, d time.Duration) {
	if PollCycles != nil {
		PollCycles.WithLabelValues(platform, result).Inc()
		PollDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// AddTransitions counts joined/left transitions.
func AddTransitions(platform string, joined, left int) {
	if Transitions != nil {
		Transitions.WithLabelValues(platform, "joined").Add(float64(joined))
		Transitions.WithLabelValues(platform, "left").Add(float64(left))
	}
}

// ObserveNotification counts a notification by outcome.
func ObserveNotification(platform, outcome string) {
	if NotificationsEmitted != nil {
		NotificationsEmitted.WithLabelValues(platform, outcome).Inc()
	}
}

// ObserveGateFailure counts a fail-closed gate evaluation.
func ObserveGateFailure(platform string) {
	if GateFailures != nil {
		GateFailures.WithLabelValues(platform).Inc()
	}
}

// ObserveRateLimited counts an honored upstream 429.
func ObserveRateLimited(platform string) {
	if UpstreamRateLimited != nil {
		UpstreamRateLimited.WithLabelValues(platform).Inc()
	}
}

// ObserveRefresh counts a credential refresh attempt.
func ObserveRefresh(platform, result string) {
	if CredentialRefreshes != nil {
		CredentialRefreshes.WithLabelValues(platform, result).Inc()
	}
}

// ObserveBusDrop counts one dropped event.
func ObserveBusDrop() {
	if BusDropped != nil {
		BusDropped.Inc()
	}
}

// SetLiveChannels records the number of live channels for a platform.
func SetLiveChannels(platform string, n int) {
	if LiveChannels != nil {
		LiveChannels.WithLabelValues(platform).Set(float64(n))
	}
}

// SetNeedsReconnect sets the reconnect gauge to 1 or 0.
func SetNeedsReconnect(platform string, needs bool) {
	if AccountNeedsReconnect != nil {
		v := 0.0
		if needs {
			v = 1
		}
		AccountNeedsReconnect.WithLabelValues(platform).Set(v)
	}
}

// AddPushSessions moves the session gauge by delta.
func AddPushSessions(delta int) {
	if PushSessions != nil {
		PushSessions.Add(float64(delta))
	}
}

// SetOutboxDepth records pending persistence retries.
func SetOutboxDepth(n int) {
	if OutboxDepth != nil {
		OutboxDepth.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
