package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/livebell/telemetry"
)

// Appender persists one notification.
type Appender interface {
	Append(ctx context.Context, n Notification) (bool, error)
}

// Outbox retries log appends that failed on the hot path. Notifications are
// published before they reach the outbox, so a slow database delays only
// durability.
type Outbox struct {
	log      Appender
	queue    chan Notification
	attempts uint
	delay    time.Duration
	jitter   time.Duration
}

// NewOutbox returns an outbox holding at most capacity pending notifications.
func NewOutbox(log Appender, capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Outbox{log: log, queue: make(chan Notification, capacity), attempts: 8, delay: time.Second, jitter: 500 * time.Millisecond}
}

// Enqueue hands n over for retried persistence. It reports false when the
// outbox is full and n was dropped.
func (o *Outbox) Enqueue(n Notification) bool {
	select {
	case o.queue <- n:
		telemetry.SetOutboxDepth(len(o.queue))
		return true
	default:
		slog.Error("outbox full; notification will not be persisted",
			slog.String("component", "outbox"), slog.String("id", n.ID))
		return false
	}
}

// Len returns the number of pending notifications.
func (o *Outbox) Len() int { return len(o.queue) }

// Run drains the outbox until ctx ends.
func (o *Outbox) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "outbox"))
	for {
		select {
		case <-ctx.Done():
			if n := len(o.queue); n > 0 {
				logger.Warn("outbox stopped with pending notifications", slog.Int("pending", n))
			}
			return
		case n := <-o.queue:
			telemetry.SetOutboxDepth(len(o.queue))
			err := retry.Do(
				func() error {
					_, err := o.log.Append(ctx, n)
					return err
				},
				retry.Attempts(o.attempts),
				retry.Delay(o.delay),
				retry.MaxDelay(30*time.Second),
				retry.MaxJitter(o.jitter),
				retry.Context(ctx),
				retry.OnRetry(func(attempt uint, err error) {
					logger.Debug("retrying notification append", slog.String("id", n.ID),
						slog.Uint64("attempt", uint64(attempt)), slog.Any("err", err))
				}),
			)
			if err == nil {
				logger.Info("notification persisted from outbox", slog.String("id", n.ID))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("giving up on notification append; requeueing", slog.String("id", n.ID), slog.Any("err", err))
			o.Enqueue(n)
		}
	}
}
