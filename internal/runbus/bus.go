// Package runbus distributes acquisition progress events to decoupled
// subscribers (console reporters, telemetry bridges).
//
// Delivery is non-blocking with a drop-new policy: when a subscriber's
// buffer is full the event is dropped for that subscriber and counted,
// and the acquisition loop never stalls on a slow consumer. Events are
// low-rate (one per shot plus state transitions), so a modest buffer
// absorbs normal consumer latency.
package runbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
)

var (
	// ErrClosed is returned when subscribing to a closed bus.
	ErrClosed = errors.New("runbus: bus closed")
	// ErrDuplicateSubscriber is returned when a subscriber id is taken.
	ErrDuplicateSubscriber = errors.New("runbus: duplicate subscriber id")
	// ErrUnknownSubscriber is returned when unsubscribing an id that
	// was never subscribed.
	ErrUnknownSubscriber = errors.New("runbus: unknown subscriber id")
)

const defaultBufferSize = 64

// Kind tags what an event reports.
type Kind string

const (
	// KindShot reports one completed shot or scan.
	KindShot Kind = "shot"
	// KindState reports a session state transition.
	KindState Kind = "state"
	// KindResult reports run completion with results available.
	KindResult Kind = "result"
)

// Event is one progress notification.
type Event struct {
	RunID string
	Kind  Kind
	Label run.Label
	// Shot is the 1-based count of completed shots for KindShot.
	Shot  int
	Total int
	// State carries the session state name for KindState.
	State string
	At    time.Time
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Config configures a Bus.
type Config struct {
	// BufferSize is the per-subscriber channel buffer; defaults to 64.
	BufferSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Bus fans events out to named subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	size   int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64

	logger *slog.Logger
}

// New builds a Bus.
func New(cfg Config) *Bus {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		size:   size,
		logger: logger.With("component", "runbus"),
	}
}

// Subscribe registers a named subscriber and returns its receive
// channel. The channel is closed when the bus closes or the subscriber
// unsubscribes.
func (b *Bus) Subscribe(id string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, ErrDuplicateSubscriber
	}
	ch := make(chan Event, b.size)
	b.subs[id] = ch
	return ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	delete(b.subs, id)
	close(ch)
	return nil
}

// Publish delivers an event to every subscriber without blocking.
// Subscribers whose buffer is full lose the event (counted in Stats).
// Publishing to a closed bus is a no-op. A zero At is stamped with the
// current time.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				"subscriber", id,
				"kind", ev.Kind,
			)
		}
	}
}

// Close terminates all subscriber channels. Further Publish calls are
// no-ops, further Subscribe calls fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
