package chainfeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingSource struct {
	calls atomic.Int32
}

func (s *failingSource) Name() string { return "failing" }

func (s *failingSource) Stream(ctx context.Context, _ Sink) error {
	s.calls.Add(1)
	return errors.New("dial tcp: connection refused")
}

type tickingSource struct {
	chainID uint64
	every   time.Duration
}

func (s *tickingSource) Name() string { return "ticking" }

func (s *tickingSource) Stream(ctx context.Context, sink Sink) error {
	sink.Connected()
	var n uint64
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			n++
			sink.Emit(domain.ChainEvent{ChainID: s.chainID, Kind: domain.EventBlock, BlockNumber: n, Timestamp: now})
		}
	}
}

func TestAdapterDegradesWithoutStarvingOtherChains(t *testing.T) {
	m := metrics.New(nil)
	failing := &failingSource{}
	down := NewAdapter(AdapterConfig{ChainID: 1, QueueSize: 16, Backoff: DefaultBackoff(), DegradedAfter: 10}, failing, m, discardLogger())

	var mu sync.Mutex
	var delays []time.Duration
	down.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		n := len(delays)
		mu.Unlock()
		if n >= 12 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	up := NewAdapter(AdapterConfig{ChainID: 2, QueueSize: 1024}, &tickingSource{chainID: 2, every: time.Millisecond}, m, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := NewManager([]*Adapter{up, down}, discardLogger())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool {
		return down.Status().State == domain.FeedDegraded
	}, 2*time.Second, 5*time.Millisecond)

	st := down.Status()
	assert.GreaterOrEqual(t, st.ConsecutiveFailures, 10)
	assert.NotEmpty(t, st.LastError)

	// chain 2 keeps producing while chain 1 is degraded
	seen := func() uint64 { return uint64(up.Queue().Len()) + up.Queue().Dropped() }
	before := seen()
	require.Eventually(t, func() bool { return seen() > before }, time.Second, 2*time.Millisecond)
	assert.Equal(t, domain.FeedConnected, up.Status().State)

	mu.Lock()
	require.GreaterOrEqual(t, len(delays), 10)
	assert.InDelta(t, float64(500*time.Millisecond), float64(delays[0]), float64(100*time.Millisecond))
	for _, d := range delays {
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	}
	assert.GreaterOrEqual(t, delays[9], 24*time.Second, "tenth retry is at the cap")
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, domain.FeedStopped, down.Status().State)
}

type flakySource struct {
	failFirst int
	calls     int
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) Stream(ctx context.Context, sink Sink) error {
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("timeout")
	}
	sink.Emit(domain.ChainEvent{Kind: domain.EventPending})
	<-ctx.Done()
	return nil
}

func TestAdapterRecoversAndResetsFailures(t *testing.T) {
	src := &flakySource{failFirst: 3}
	a := NewAdapter(AdapterConfig{ChainID: 5, QueueSize: 4, DegradedAfter: 2}, src, metrics.New(nil), discardLogger())
	a.sleep = func(context.Context, time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	e, ok := a.Queue().Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.ChainID, "chain id stamped by adapter")

	require.Eventually(t, func() bool { return a.Status().State == domain.FeedConnected }, time.Second, time.Millisecond)
	assert.Zero(t, a.Status().ConsecutiveFailures)
}

func TestAdapterCountsDroppedEvents(t *testing.T) {
	a := NewAdapter(AdapterConfig{ChainID: 1, QueueSize: 2}, &failingSource{}, metrics.New(nil), discardLogger())
	sink := &adapterSink{adapter: a, started: time.Now(), label: "1"}
	for range 5 {
		sink.Emit(domain.ChainEvent{ChainID: 1, Kind: domain.EventBlock})
	}
	assert.Equal(t, uint64(3), a.Status().DroppedEvents)

	sink.Emit(domain.ChainEvent{ChainID: 99})
	assert.Equal(t, 2, a.Queue().Len(), "foreign chain event discarded")
}
