// Package oracle consolidates external price feeds into immutable snapshots.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
)

// PairSpec declares a tracked pair.
type PairSpec struct {
	ChainID       uint64
	Pair          string
	QuoteDecimals uint8
}

// Config tunes the Aggregator.
type Config struct {
	MaxDeviationBps int64
	StaleAfter      time.Duration
	// Weights per source name; unlisted sources weigh 1.
	Weights map[string]int64
	Pairs   []PairSpec
}

// Aggregator keeps the latest quote per (pair, source) and publishes a new
// snapshot after every change. Snapshot never blocks on writers.
type Aggregator struct {
	cfg     Config
	specs   map[string]PairSpec
	cache   domain.PriceCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	quotes map[string]map[string]domain.PriceQuote
	last   map[string]domain.PairPrice
	seq    uint64

	snap atomic.Pointer[domain.OracleSnapshot]
}

// New creates an Aggregator. cache may be nil.
func New(cfg Config, cache domain.PriceCache, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	a := &Aggregator{
		cfg:     cfg,
		specs:   make(map[string]PairSpec, len(cfg.Pairs)),
		cache:   cache,
		metrics: m,
		logger:  logger.With(slog.String("component", "oracle")),
		now:     time.Now,
		quotes:  map[string]map[string]domain.PriceQuote{},
		last:    map[string]domain.PairPrice{},
	}
	for _, p := range cfg.Pairs {
		a.specs[domain.PairKey(p.ChainID, p.Pair)] = p
	}
	a.snap.Store(domain.NewOracleSnapshot(0, a.now(), nil))
	return a
}

// Snapshot returns the current immutable view.
func (a *Aggregator) Snapshot() *domain.OracleSnapshot {
	return a.snap.Load()
}

// Update records q and republishes the snapshot. Quotes for undeclared
// pairs, non-positive values and out-of-order updates from a source are
// rejected as data integrity errors.
func (a *Aggregator) Update(q domain.PriceQuote) error {
	key := domain.PairKey(q.ChainID, q.Pair)
	spec, ok := a.specs[key]
	if !ok {
		return domain.E(domain.KindDataIntegrity, "oracle.update", fmt.Errorf("%w: undeclared pair %s", domain.ErrMalformedEvent, key))
	}
	if !q.Value.IsPositive() {
		return domain.E(domain.KindDataIntegrity, "oracle.update", fmt.Errorf("%w: non-positive price %s for %s", domain.ErrMalformedEvent, q.Value, key))
	}
	if q.Source == "" {
		q.Source = "unknown"
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = a.now()
	}

	a.mu.Lock()
	bySource := a.quotes[key]
	if bySource == nil {
		bySource = map[string]domain.PriceQuote{}
		a.quotes[key] = bySource
	}
	if prev, ok := bySource[q.Source]; ok && q.Timestamp.Before(prev.Timestamp) {
		a.mu.Unlock()
		return nil
	}
	bySource[q.Source] = q
	price := a.consolidateLocked(spec, a.now())
	a.publishLocked()
	a.mu.Unlock()

	a.mirror(price)
	return nil
}

// Refresh re-evaluates staleness for every pair. Run calls it periodically.
func (a *Aggregator) Refresh() {
	now := a.now()
	a.mu.Lock()
	for _, spec := range a.specs {
		if _, ok := a.quotes[domain.PairKey(spec.ChainID, spec.Pair)]; ok {
			a.consolidateLocked(spec, now)
		}
	}
	a.publishLocked()
	a.mu.Unlock()
}

// Run refreshes staleness until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.StaleAfter / 4)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.Refresh()
		}
	}
}

func (a *Aggregator) consolidateLocked(spec PairSpec, now time.Time) domain.PairPrice {
	key := domain.PairKey(spec.ChainID, spec.Pair)
	var fresh []domain.PriceQuote
	for _, q := range a.quotes[key] {
		if now.Sub(q.Timestamp) <= a.cfg.StaleAfter {
			fresh = append(fresh, q)
		}
	}

	prev, hadPrev := a.last[key]
	if len(fresh) == 0 {
		if hadPrev {
			prev.Stale = true
			prev.Sources = 0
			a.last[key] = prev
		}
		return prev
	}

	median := a.weightedMedian(fresh)
	var maxDev int64
	newest := fresh[0].Timestamp
	for _, q := range fresh {
		if d := deviationBps(q.Value, median); d > maxDev {
			maxDev = d
		}
		if q.Timestamp.After(newest) {
			newest = q.Timestamp
		}
	}

	p := domain.PairPrice{
		ChainID:       spec.ChainID,
		Pair:          spec.Pair,
		Value:         median,
		Scaled:        median.Shift(int32(spec.QuoteDecimals)).Truncate(0).BigInt(),
		QuoteDecimals: spec.QuoteDecimals,
		UpdatedAt:     newest,
		Sources:       len(fresh),
		DeviationBps:  maxDev,
		Unreliable:    maxDev > a.cfg.MaxDeviationBps,
	}
	if p.Unreliable && !(hadPrev && prev.Unreliable) {
		a.logger.Warn("oracle: feeds disagree, pair unreliable",
			slog.Uint64("chain_id", spec.ChainID),
			slog.String("pair", spec.Pair),
			slog.Int64("deviation_bps", maxDev),
			slog.Int("sources", len(fresh)),
		)
	}
	a.metrics.OracleUnreliable.WithLabelValues(metrics.ChainLabel(spec.ChainID), spec.Pair).Set(metrics.BoolGauge(p.Unreliable))
	a.last[key] = p
	return p
}

// weightedMedian returns the lower weighted median of quotes. Ties in value
// are broken by source name so the result is deterministic.
func (a *Aggregator) weightedMedian(quotes []domain.PriceQuote) decimal.Decimal {
	sort.Slice(quotes, func(i, j int) bool {
		if c := quotes[i].Value.Cmp(quotes[j].Value); c != 0 {
			return c < 0
		}
		return quotes[i].Source < quotes[j].Source
	})
	var total int64
	weights := make([]int64, len(quotes))
	for i, q := range quotes {
		w := int64(1)
		if v, ok := a.cfg.Weights[q.Source]; ok && v > 0 {
			w = v
		}
		weights[i] = w
		total += w
	}
	var cum int64
	for i, q := range quotes {
		cum += weights[i]
		if 2*cum >= total {
			return q.Value
		}
	}
	return quotes[len(quotes)-1].Value
}

func deviationBps(v, ref decimal.Decimal) int64 {
	if ref.IsZero() {
		return 0
	}
	return v.Sub(ref).Abs().Mul(decimal.NewFromInt(10_000)).Div(ref).Ceil().IntPart()
}

func (a *Aggregator) publishLocked() {
	a.seq++
	prices := make([]domain.PairPrice, 0, len(a.last))
	for _, p := range a.last {
		prices = append(prices, p)
	}
	a.snap.Store(domain.NewOracleSnapshot(a.seq, a.now(), prices))
}

func (a *Aggregator) mirror(p domain.PairPrice) {
	if a.cache == nil || p.Scaled == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.cache.SetPrice(ctx, p); err != nil {
		a.logger.Debug("oracle: price cache mirror failed",
			slog.String("pair", p.Pair),
			slog.String("error", err.Error()),
		)
	}
}
