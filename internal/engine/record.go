package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

var statusEvents = map[domain.OpportunityStatus]domain.LifecycleType{
	domain.OppDetected:   domain.EventDetected,
	domain.OppSuperseded: domain.EventSuperseded,
	domain.OppDiscarded:  domain.EventDiscarded,
	domain.OppApproved:   domain.EventApproved,
	domain.OppCapped:     domain.EventCapped,
	domain.OppRejected:   domain.EventRejected,
	domain.OppExecuting:  domain.EventExecuting,
	domain.OppExecuted:   domain.EventExecuted,
	domain.OppReverted:   domain.EventReverted,
	domain.OppExpired:    domain.EventExpired,
	domain.OppPreempted:  domain.EventPreempted,
}

// transition is one recorded opportunity status change.
type transition struct {
	status   domain.OpportunityStatus
	reason   string
	kind     domain.ErrorKind
	intentID string
	detail   map[string]any
}

// record sets opp's status, queues the store write and emits the lifecycle
// event. It never blocks on I/O.
func (e *Engine) record(opp domain.Opportunity, t transition) domain.Opportunity {
	opp.Status = t.status
	opp.StatusReason = t.reason
	e.recorder.push(opp)
	e.deps.Metrics.Opportunities.WithLabelValues(opp.Type.String(), string(t.status)).Inc()

	ev := domain.LifecycleEvent{
		Type:          statusEvents[t.status],
		OpportunityID: opp.ID,
		IntentID:      t.intentID,
		ChainID:       opp.ChainID,
		Reason:        t.reason,
		Detail:        t.detail,
		At:            e.now(),
	}
	if t.kind != domain.KindUnknown {
		ev.ErrorKind = t.kind.String()
	}
	e.deps.Events.Emit(ev)
	return opp
}

// failure converts a pipeline error into a terminal transition. Errors
// without an attached reason are recorded by kind.
func failure(err error) transition {
	reason := domain.ReasonOf(err)
	kind := domain.KindOf(err)
	if reason == "" {
		reason = kind.String()
	}
	status := domain.OppDiscarded
	if reason == domain.ReasonExpired {
		status = domain.OppExpired
	}
	return transition{status: status, reason: reason, kind: kind, detail: map[string]any{"error": err.Error()}}
}

// recorder serializes opportunity writes off the hot path. The queue is
// unbounded so a slow store delays visibility but never loses a status.
type recorder struct {
	store  domain.OpportunityStore
	logger *slog.Logger

	mu     sync.Mutex
	queue  []domain.Opportunity
	notify chan struct{}
}

func newRecorder(store domain.OpportunityStore, logger *slog.Logger) *recorder {
	return &recorder{store: store, logger: logger, notify: make(chan struct{}, 1)}
}

func (r *recorder) push(opp domain.Opportunity) {
	r.mu.Lock()
	r.queue = append(r.queue, opp.Clone())
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) take() []domain.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.queue
	r.queue = nil
	return batch
}

func (r *recorder) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// flush what is left with a short grace period
			flush, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.write(flush, r.take())
			cancel()
			return nil
		case <-r.notify:
			r.write(ctx, r.take())
		}
	}
}

func (r *recorder) write(ctx context.Context, batch []domain.Opportunity) {
	for _, opp := range batch {
		if err := r.store.Upsert(ctx, opp); err != nil {
			r.logger.Error("engine: record opportunity failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("status", string(opp.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
}
