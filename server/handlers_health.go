package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/pipeline"
	"github.com/onnwee/livebell/telemetry"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz fails when the database is unreachable or a configured
// platform's account needs to be reconnected.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.DB == nil {
				return nil
			}
			return h.DB.PingContext(r.Context())
		}},
		{"credentials", func() error {
			for _, p := range live.Platforms {
				if _, ok := h.Providers[p]; !ok {
					continue
				}
				if st := h.Creds.Status(p); st.NeedsReconnect {
					return fmt.Errorf("%s needs reconnect: %s", p, st.Reason)
				}
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type platformStatus struct {
	Account   credential.Status     `json:"account"`
	LastCycle *pipeline.CycleStatus `json:"last_cycle,omitempty"`
	Live      int                   `json:"live"`
}

type statusResponse struct {
	Platforms      map[live.Platform]platformStatus `json:"platforms"`
	PushSessions   int64                            `json:"push_sessions"`
	BusSubscribers int                              `json:"bus_subscribers"`
	Tracing        bool                             `json:"tracing"`
	GeneratedAt    time.Time                        `json:"generated_at"`
}

// HandleStatus reports per-platform account and cycle state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var cycles map[live.Platform]pipeline.CycleStatus
	if h.Cycles != nil {
		cycles = h.Cycles.Status()
	}
	snap := h.Live.Snapshot()
	resp := statusResponse{
		Platforms:    make(map[live.Platform]platformStatus, len(live.Platforms)),
		PushSessions: h.sessions.Load(),
		Tracing:      telemetry.TracingEnabled(),
		GeneratedAt:  time.Now().UTC(),
	}
	if h.Bus != nil {
		resp.BusSubscribers = h.Bus.Len()
	}
	for _, p := range live.Platforms {
		ps := platformStatus{
			Account: h.Creds.Status(p),
			Live:    len(snap.List(p)),
		}
		if c, ok := cycles[p]; ok {
			ps.LastCycle = &c
		}
		resp.Platforms[p] = ps
	}
	writeJSON(w, http.StatusOK, resp)
}
