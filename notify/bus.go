package notify

import (
	"sync"

	"github.com/onnwee/livebell/telemetry"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe gets 0.
const DefaultBuffer = 64

// Bus fans notifications out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event. There is no backlog for
// subscribers that join later.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Listener]struct{}
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Listener]struct{})}
}

// Listener is one observer's view of the bus.
type Listener struct {
	bus     *Bus
	ch      chan Notification
	once    sync.Once
	dropped int
}

// Subscribe registers a subscriber with a buffer of the given size. On a
// closed bus the returned listener's channel is already closed.
func (b *Bus) Subscribe(buffer int) *Listener {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Listener{bus: b, ch: make(chan Notification, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// C delivers events until Close.
func (s *Listener) C() <-chan Notification { return s.ch }

// Dropped reports how many events this subscriber missed on a full buffer.
func (s *Listener) Dropped() int {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

// Close unsubscribes. Buffered events are discarded so nothing is delivered
// after Close returns. Safe to call more than once.
func (s *Listener) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() {
		close(s.ch)
		for range s.ch {
		}
	})
}

// Publish offers n to every subscriber and returns how many accepted it.
func (b *Bus) Publish(n Notification) int {
	// The write lock guards dropped counters and excludes concurrent Close.
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for s := range b.subs {
		select {
		case s.ch <- n:
			delivered++
		default:
			s.dropped++
			telemetry.ObserveBusDrop()
		}
	}
	return delivered
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Listener]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
