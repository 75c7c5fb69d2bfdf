package chainfeed

import (
	"context"
	"sync"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Queue is a bounded FIFO of chain events. When full, Push evicts the oldest
// event so a slow consumer never blocks the feed.
type Queue struct {
	mu      sync.Mutex
	buf     []domain.ChainEvent
	head    int
	size    int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewQueue returns a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]domain.ChainEvent, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends ev. It reports true when an older event was evicted to make
// room. Pushing to a closed queue is a no-op.
func (q *Queue) Push(ev domain.ChainEvent) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = domain.ChainEvent{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop blocks until an event is available, the queue is closed and drained,
// or ctx is done.
func (q *Queue) Pop(ctx context.Context) (domain.ChainEvent, bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			ev := q.buf[q.head]
			q.buf[q.head] = domain.ChainEvent{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			more := q.size > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.ChainEvent{}, false
		}

		select {
		case <-ctx.Done():
			return domain.ChainEvent{}, false
		case <-q.notify:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the number of evicted events since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes any blocked Pop. Remaining events can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
