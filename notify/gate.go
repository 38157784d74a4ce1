package notify

import (
	"context"
	"log/slog"
	"slices"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/telemetry"
)

// Subscribers looks up who wants notifications for a channel.
type Subscribers interface {
	EnabledUsers(ctx context.Context, k live.Key) ([]string, error)
}

// Gate decides which users are notified about a live item. Store errors fail
// closed: nobody is notified and the error is returned so the caller can
// re-evaluate later.
type Gate struct {
	Subs Subscribers
}

// Recipients returns the users subscribed to it with notifications enabled.
func (g *Gate) Recipients(ctx context.Context, it live.Item) ([]string, error) {
	users, err := g.Subs.EnabledUsers(ctx, it.Key())
	if err != nil {
		telemetry.ObserveGateFailure(string(it.Platform))
		slog.Warn("subscription lookup failed; withholding notification",
			slog.String("component", "gate"), slog.String("key", it.Key().String()), slog.Any("err", err))
		return nil, err
	}
	return users, nil
}

// ShouldNotify reports whether userID gets a notification for it.
func (g *Gate) ShouldNotify(ctx context.Context, userID string, it live.Item) bool {
	users, err := g.Recipients(ctx, it)
	if err != nil {
		return false
	}
	return slices.Contains(users, userID)
}
