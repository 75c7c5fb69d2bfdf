// Package events is the append-only lifecycle stream. Every opportunity and
// portfolio transition is numbered, fanned out to in-process subscribers and
// mirrored to Redis for dashboards and other replicas.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

const (
	// StreamKey is the durable Redis stream.
	StreamKey = "mev:lifecycle"
	// Channel is the live pub/sub channel.
	Channel = "lifecycle"

	recentCap = 1024
)

// Stream implements domain.EventSink. Emit never blocks: slow subscribers and
// a backed-up Redis mirror lose events, which is counted.
type Stream struct {
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	subs   map[int]chan domain.LifecycleEvent
	nextID int
	recent []domain.LifecycleEvent
	head   int

	mirror  chan domain.LifecycleEvent
	dropped atomic.Uint64
}

var _ domain.EventSink = (*Stream)(nil)

// NewStream creates a Stream. bus may be nil, in which case nothing is
// mirrored and Run only waits for ctx.
func NewStream(bus domain.SignalBus, logger *slog.Logger) *Stream {
	return &Stream{
		bus:    bus,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
		subs:   map[int]chan domain.LifecycleEvent{},
		recent: make([]domain.LifecycleEvent, 0, recentCap),
		mirror: make(chan domain.LifecycleEvent, 4096),
	}
}

// Emit assigns the next sequence number and publishes ev.
func (s *Stream) Emit(ev domain.LifecycleEvent) {
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if len(s.recent) < recentCap {
		s.recent = append(s.recent, ev)
	} else {
		s.recent[s.head] = ev
		s.head = (s.head + 1) % recentCap
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	select {
	case s.mirror <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Subscribe returns a channel that receives every event emitted after the
// call, in sequence order. The cancel func must be called to unsubscribe.
func (s *Stream) Subscribe(buffer int) (<-chan domain.LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan domain.LifecycleEvent, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to limit of the latest events, oldest first.
func (s *Stream) Recent(limit int) []domain.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.LifecycleEvent, 0, limit)
	start := s.head
	if n < recentCap {
		start = 0
	}
	for i := n - limit; i < n; i++ {
		out = append(out, s.recent[(start+i)%n])
	}
	return out
}

// Seq returns the last assigned sequence number.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Dropped returns how many deliveries were skipped.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Run mirrors events to the Redis stream and channel until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.mirror:
			s.publish(ctx, ev)
		}
	}
}

func (s *Stream) publish(ctx context.Context, ev domain.LifecycleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("events: encode failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
		return
	}
	if err := s.bus.StreamAppend(ctx, StreamKey, payload); err != nil && ctx.Err() == nil {
		s.logger.Warn("events: stream append failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
	}
	if err := s.bus.Publish(ctx, Channel, payload); err != nil && ctx.Err() == nil {
		s.logger.Warn("events: publish failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
	}
}
