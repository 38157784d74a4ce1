package live

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Persister durably records each platform's live set.
type Persister interface {
	// ReplaceLive atomically replaces every row for platform with items.
	ReplaceLive(ctx context.Context, platform Platform, items []Item) error
	// LoadLive returns all persisted live items.
	LoadLive(ctx context.Context) ([]Item, error)
}

// Store owns the single authoritative snapshot. Readers never block and
// always observe a complete snapshot.
type Store struct {
	mu      sync.Mutex // serializes Apply
	current atomic.Pointer[Snapshot]
	persist Persister
}

// NewStore returns an empty store. persist may be nil for an in-memory store.
func NewStore(persist Persister) *Store {
	s := &Store{persist: persist}
	s.current.Store(NewSnapshot(nil))
	return s
}

// Load restores the snapshot from persistence.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	items, err := s.persist.LoadLive(ctx)
	if err != nil {
		return &StorageError{Op: "load live", Err: err}
	}
	s.mu.Lock()
	s.current.Store(NewSnapshot(items))
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// Apply replaces platform's portion of the snapshot with fresh and returns the
// transitions. Items in fresh belonging to another platform are rejected.
// On persistence failure the snapshot is left unchanged.
func (s *Store) Apply(ctx context.Context, platform Platform, fresh []Item) (Diff, error) {
	for _, it := range fresh {
		if it.Platform != platform {
			return Diff{}, &ProtocolError{Platform: platform, Msg: fmt.Sprintf("item %s applied to %s", it.Key(), platform)}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	freshView := NewSnapshot(fresh)
	d := Compute(prev.Platform(platform), freshView)

	if s.persist != nil {
		if err := s.persist.ReplaceLive(ctx, platform, freshView.List(platform)); err != nil {
			return Diff{}, &StorageError{Op: "replace live", Err: err}
		}
	}
	s.current.Store(prev.withPlatform(platform, freshView.List(platform)))
	return d, nil
}
