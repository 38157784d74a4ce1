// Package notify turns live transitions into per-user notifications: it gates
// them on subscriptions, records them in a durable log and fans them out to
// connected observers.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/livebell/live"
)

// Notification is an immutable record that a channel went live for a user.
type Notification struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Platform    live.Platform `json:"platform"`
	ChannelID   string        `json:"channel_id"`
	ChannelName string        `json:"channel_name"`
	Title       string        `json:"title"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	StreamURL   string        `json:"stream_url"`
	Timestamp   time.Time     `json:"timestamp"`
}

var idSpace = uuid.MustParse("6f1f4b1e-4c3a-5d59-9a63-0c1b7e5d2a11")

// NewID derives the notification id for one user and one live session.
// Re-detecting the same session yields the same id.
func NewID(userID string, it live.Item) string {
	name := userID + "\x00" + string(it.Platform) + "\x00" + it.ChannelID + "\x00" + it.Session()
	return uuid.NewSHA1(idSpace, []byte(name)).String()
}

// New builds the notification for userID about it, stamped at now. The stamp
// keeps microsecond precision so it survives a round trip through Postgres.
func New(userID string, it live.Item, now time.Time) Notification {
	return Notification{
		ID:          NewID(userID, it),
		UserID:      userID,
		Platform:    it.Platform,
		ChannelID:   it.ChannelID,
		ChannelName: it.ChannelName,
		Title:       it.Title,
		AvatarURL:   it.AvatarURL,
		StreamURL:   it.StreamURL,
		Timestamp:   now.UTC().Truncate(time.Microsecond),
	}
}
