// Package avatar caches channel profile-image URLs so adapters do not look
// them up on every poll. Entries expire after a TTL and the cache evicts the
// oldest entries once its memory budget is spent.
package avatar

import (
	"time"

	"github.com/coocood/freecache"

	"github.com/onnwee/livebell/live"
)

// Cache maps (platform, channel) to an avatar URL. Safe for concurrent use.
type Cache struct {
	c   *freecache.Cache
	ttl int
}

// New returns a cache holding at most sizeBytes of entries (freecache rounds
// small sizes up to its 512KB minimum). A non-positive ttl means one day.
func New(sizeBytes int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	secs := int(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	return &Cache{c: freecache.NewCache(sizeBytes), ttl: secs}
}

func key(p live.Platform, channelID string) []byte {
	return []byte(string(p) + "\x00" + channelID)
}

// Get returns the cached URL.
func (c *Cache) Get(p live.Platform, channelID string) (string, bool) {
	v, err := c.c.Get(key(p, channelID))
	if err != nil {
		return "", false
	}
	return string(v), true
}

// Set stores url for the channel. Empty URLs are ignored.
func (c *Cache) Set(p live.Platform, channelID, url string) {
	if url == "" {
		return
	}
	_ = c.c.Set(key(p, channelID), []byte(url), c.ttl)
}

// Missing returns the ids with no cached entry, preserving order and
// dropping duplicates.
func (c *Cache) Missing(p live.Platform, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := c.Get(p, id); !ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of live entries.
func (c *Cache) Len() int64 { return c.c.EntryCount() }
