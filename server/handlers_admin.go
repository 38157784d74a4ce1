package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/pipeline"
	"github.com/onnwee/livebell/telemetry"
)

// HandleAdminPoll runs one cycle for ?platform= synchronously and reports it.
func (h *Handlers) HandleAdminPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, err := live.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.Cycles == nil || !slices.Contains(h.Cycles.Platforms(), p) {
		writeError(w, http.StatusNotFound, string(p)+" is not configured")
		return
	}
	st, err := h.Cycles.Cycle(r.Context(), p)
	switch {
	case errors.Is(err, pipeline.ErrCycleInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Warn("manual cycle failed", slog.String("component", "admin"),
			slog.String("platform", string(p)), slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"platform": p, "cycle": st})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"platform": p, "cycle": st})
	}
}
