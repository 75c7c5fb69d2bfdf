package chainfeed

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Manager runs one adapter per chain, each on its own goroutine.
type Manager struct {
	adapters []*Adapter
	logger   *slog.Logger
}

// NewManager wraps adapters. Chain ids must be unique.
func NewManager(adapters []*Adapter, logger *slog.Logger) *Manager {
	sorted := append([]*Adapter(nil), adapters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChainID() < sorted[j].ChainID() })
	return &Manager{adapters: sorted, logger: logger.With(slog.String("component", "chainfeed_manager"))}
}

// Adapters returns the managed adapters ordered by chain id.
func (m *Manager) Adapters() []*Adapter { return m.adapters }

// Run blocks until ctx is done. Adapters never return errors for connection
// problems, so the group only ends on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range m.adapters {
		g.Go(func() error { return a.Run(ctx) })
	}
	m.logger.Info("chainfeed: started", slog.Int("chains", len(m.adapters)))
	return g.Wait()
}

// Statuses returns every chain's current status ordered by chain id.
func (m *Manager) Statuses() []FeedStatusView {
	out := make([]FeedStatusView, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, FeedStatusView{FeedStatus: a.Status(), QueueDepth: a.Queue().Len()})
	}
	return out
}

// FeedStatusView adds the live queue depth to a feed status.
type FeedStatusView struct {
	domain.FeedStatus
	QueueDepth int `json:"queue_depth"`
}
