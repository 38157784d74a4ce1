// Package live holds the canonical live-stream model, the normalizer that maps
// upstream payloads onto it, the snapshot diff and the snapshot store.
package live

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Platform identifies an upstream streaming service.
type Platform string

const (
	Twitch  Platform = "twitch"
	YouTube Platform = "youtube"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{Twitch, YouTube}

// ParsePlatform validates s as a known platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case Twitch, YouTube:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Key is the natural identity of a live item.
type Key struct {
	Platform  Platform
	ChannelID string
}

func (k Key) String() string { return string(k.Platform) + "/" + k.ChannelID }

// Item is the canonical representation of one currently-live stream.
type Item struct {
	Platform     Platform  `json:"platform"`
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	Category     string    `json:"category,omitempty"`
	StreamURL    string    `json:"stream_url"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Key returns the item's natural key.
func (it Item) Key() Key { return Key{Platform: it.Platform, ChannelID: it.ChannelID} }

// Session identifies one broadcast of the channel. A YouTube broadcast is its
// watch URL, since the live page does not always carry a start time; Twitch
// sessions are told apart by start time.
func (it Item) Session() string {
	if it.Platform == YouTube && it.StreamURL != "" {
		return it.StreamURL
	}
	return it.StartedAt.UTC().Format(time.RFC3339)
}

// RawRecord is one upstream record as returned by a platform adapter.
type RawRecord struct {
	Platform   Platform
	Payload    json.RawMessage
	AvatarURL  string
	ObservedAt time.Time
}

// Snapshot is an immutable set of live items keyed by (platform, channel).
// Callers must not modify the map returned by Items.
type Snapshot struct {
	items map[Key]Item
}

// NewSnapshot builds a snapshot from items. Later duplicates replace earlier ones.
func NewSnapshot(items []Item) *Snapshot {
	m := make(map[Key]Item, len(items))
	for _, it := range items {
		m[it.Key()] = it
	}
	return &Snapshot{items: m}
}

// Len returns the number of live items.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Get looks up one item.
func (s *Snapshot) Get(k Key) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	it, ok := s.items[k]
	return it, ok
}

// Has reports whether k is live.
func (s *Snapshot) Has(k Key) bool {
	_, ok := s.Get(k)
	return ok
}

// List returns the items sorted by key, optionally limited to one platform.
func (s *Snapshot) List(platform Platform) []Item {
	if s == nil {
		return nil
	}
	out := make([]Item, 0, len(s.items))
	for k, it := range s.items {
		if platform != "" && k.Platform != platform {
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out
}

// Platform returns the portion of the snapshot belonging to p.
func (s *Snapshot) Platform(p Platform) *Snapshot {
	return NewSnapshot(s.List(p))
}

// withPlatform returns a new snapshot where p's items are replaced by fresh and
// other platforms are carried over.
func (s *Snapshot) withPlatform(p Platform, fresh []Item) *Snapshot {
	m := make(map[Key]Item, s.Len()+len(fresh))
	if s != nil {
		for k, it := range s.items {
			if k.Platform != p {
				m[k] = it
			}
		}
	}
	for _, it := range fresh {
		m[it.Key()] = it
	}
	return &Snapshot{items: m}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return lessKey(items[i].Key(), items[j].Key()) })
}

func lessKey(a, b Key) bool {
	if a.Platform != b.Platform {
		return a.Platform < b.Platform
	}
	return a.ChannelID < b.ChannelID
}
