package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
	"github.com/onnwee/livebell/telemetry"
)

const (
	// pushWriteTimeout bounds each write so a stalled observer only ends its own session.
	pushWriteTimeout = 10 * time.Second
	pushRetryMillis  = 3000
)

// HandleNotificationStream is a push session: every notification published
// while the client is connected is written as an SSE frame. Comment
// heartbeats keep intermediaries from closing an idle connection.
func (h *Handlers) HandleNotificationStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "push"))
	rc := http.NewResponseController(w)

	sub := h.Bus.Subscribe(h.PushBuffer)
	defer sub.Close()
	h.sessions.Add(1)
	telemetry.AddPushSessions(1)
	defer func() {
		h.sessions.Add(-1)
		telemetry.AddPushSessions(-1)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(frame string) error {
		if err := rc.SetWriteDeadline(time.Now().Add(pushWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := io.WriteString(w, frame); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	if err := write(fmt.Sprintf("retry: %d\n\n", pushRetryMillis)); err != nil {
		logger.Debug("push session ended", slog.Any("err", &live.TransportError{Err: err}))
		return
	}
	logger.Debug("push session started")

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			logger.Debug("push session closed by client")
			return
		case <-h.ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			err = writeEvent(write, n)
		case <-ticker.C:
			err = write(": ping\n\n")
		}
		if err != nil {
			logger.Info("push session ended", slog.Any("err", &live.TransportError{Err: err}), slog.Int("dropped", sub.Dropped()))
			return
		}
	}
}

func writeEvent(write func(string) error, n notify.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return write("id: " + n.ID + "\ndata: " + string(b) + "\n\n")
}
