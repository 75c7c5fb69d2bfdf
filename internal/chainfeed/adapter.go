// Package chainfeed turns per-chain block and mempool streams into
// normalized ChainEvents on a bounded, drop-oldest queue.
package chainfeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
)

// Sink receives a source's connection signal and its events.
type Sink interface {
	// Connected is called once the subscription is established.
	Connected()
	Emit(ev domain.ChainEvent)
}

// Source is one chain's block and pending-transaction subscription. Stream
// blocks until the connection fails (non-nil error) or ctx is done (nil).
type Source interface {
	Name() string
	Stream(ctx context.Context, sink Sink) error
}

// AdapterConfig tunes an Adapter.
type AdapterConfig struct {
	ChainID       uint64
	QueueSize     int
	Backoff       Backoff
	DegradedAfter int
}

// Adapter owns one chain's source, its reconnect policy and its queue.
// Connection errors never leave the adapter; they only change its status.
type Adapter struct {
	cfg     AdapterConfig
	source  Source
	queue   *Queue
	metrics *metrics.Metrics
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.RWMutex
	status domain.FeedStatus
}

// NewAdapter creates an Adapter for source.
func NewAdapter(cfg AdapterConfig, source Source, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 10
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Adapter{
		cfg:     cfg,
		source:  source,
		queue:   NewQueue(cfg.QueueSize),
		metrics: m,
		logger: logger.With(
			slog.String("component", "chainfeed"),
			slog.Uint64("chain_id", cfg.ChainID),
		),
		sleep: sleepCtx,
		now:   time.Now,
		status: domain.FeedStatus{
			ChainID: cfg.ChainID,
			Name:    source.Name(),
			State:   domain.FeedConnecting,
		},
	}
}

// ChainID returns the monitored chain.
func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

// Queue returns the adapter's output queue.
func (a *Adapter) Queue() *Queue { return a.queue }

// Status returns a copy of the current feed status.
func (a *Adapter) Status() domain.FeedStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.status
	st.DroppedEvents = a.queue.Dropped()
	return st
}

// Run keeps the source connected until ctx is done. It always returns nil on
// cancellation so one chain can never stop the others.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.queue.Close()
	label := metrics.ChainLabel(a.cfg.ChainID)

	for {
		if ctx.Err() != nil {
			a.setState(domain.FeedStopped)
			return nil
		}

		started := a.now()
		sink := &adapterSink{adapter: a, started: started, label: label}
		err := a.source.Stream(ctx, sink)
		if ctx.Err() != nil {
			a.setState(domain.FeedStopped)
			return nil
		}
		if err == nil {
			err = domain.ErrFeedDisconnected
		}

		failures := a.recordFailure(err)
		a.metrics.FeedReconnects.WithLabelValues(label).Inc()
		delay := a.cfg.Backoff.Delay(failures)

		a.logger.Warn("chainfeed: connection lost",
			slog.String("source", a.source.Name()),
			slog.Int("consecutive_failures", failures),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)

		if err := a.sleep(ctx, delay); err != nil {
			a.setState(domain.FeedStopped)
			return nil
		}
	}
}

// recordFailure bumps the consecutive failure count and flips the status to
// degraded once the threshold is reached.
func (a *Adapter) recordFailure(err error) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.ConsecutiveFailures++
	a.status.LastError = err.Error()
	n := a.status.ConsecutiveFailures
	if n >= a.cfg.DegradedAfter {
		if a.status.State != domain.FeedDegraded {
			a.logger.Error("chainfeed: chain degraded",
				slog.Int("consecutive_failures", n),
			)
		}
		a.status.State = domain.FeedDegraded
		a.metrics.FeedDegraded.WithLabelValues(metrics.ChainLabel(a.cfg.ChainID)).Set(1)
	} else {
		a.status.State = domain.FeedReconnecting
	}
	return n
}

func (a *Adapter) markConnected(latency time.Duration) {
	a.mu.Lock()
	prev := a.status.ConsecutiveFailures
	a.status.State = domain.FeedConnected
	a.status.ConsecutiveFailures = 0
	a.status.LastError = ""
	a.status.ConnectLatency = latency
	a.mu.Unlock()

	a.metrics.FeedDegraded.WithLabelValues(metrics.ChainLabel(a.cfg.ChainID)).Set(0)
	a.logger.Info("chainfeed: connected",
		slog.String("source", a.source.Name()),
		slog.Duration("latency", latency),
		slog.Int("after_failures", prev),
	)
}

func (a *Adapter) setState(s domain.FeedState) {
	a.mu.Lock()
	a.status.State = s
	a.mu.Unlock()
}

func (a *Adapter) accept(ev domain.ChainEvent, label string) {
	if ev.ChainID == 0 {
		ev.ChainID = a.cfg.ChainID
	}
	if ev.ChainID != a.cfg.ChainID {
		a.logger.Warn("chainfeed: discarding event for foreign chain",
			slog.Uint64("event_chain_id", ev.ChainID),
		)
		return
	}
	if a.queue.Push(ev) {
		a.metrics.DroppedEvents.WithLabelValues(label).Inc()
	}
	a.metrics.FeedEvents.WithLabelValues(label, string(ev.Kind)).Inc()

	a.mu.Lock()
	a.status.LastEventAt = ev.Timestamp
	a.mu.Unlock()
}

type adapterSink struct {
	adapter *Adapter
	started time.Time
	label   string
	once    sync.Once
}

func (s *adapterSink) Connected() {
	s.once.Do(func() {
		s.adapter.markConnected(s.adapter.now().Sub(s.started))
	})
}

func (s *adapterSink) Emit(ev domain.ChainEvent) {
	s.Connected()
	s.adapter.accept(ev, s.label)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
