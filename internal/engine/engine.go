// Package engine runs the detection-to-execution pipeline: one dispatcher per
// chain, a worker pool for profit and risk evaluation, and the single
// scheduler loop that owns the portfolio, selection and launches. It also
// serves the query and control operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mevengine/internal/detector"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/execution"
	"github.com/alanyoungcy/mevengine/internal/metrics"
	"github.com/alanyoungcy/mevengine/internal/risk"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

// EventSource yields a chain's normalized events in arrival order.
// *chainfeed.Queue satisfies it.
type EventSource interface {
	Pop(ctx context.Context) (domain.ChainEvent, bool)
}

// OracleSource publishes the current oracle snapshot.
type OracleSource interface {
	Snapshot() *domain.OracleSnapshot
}

// Estimator computes profit estimates. *profit.Calculator satisfies it.
type Estimator interface {
	Estimate(ctx context.Context, opp domain.Opportunity, baseFee *big.Int, oracle *domain.OracleSnapshot) (domain.ProfitEstimate, error)
}

// Launcher starts execution of selected candidates and reports their
// outcomes. *execution.Coordinator satisfies it.
type Launcher interface {
	Launch(ctx context.Context, cand selector.Candidate) (domain.ExecutionIntent, error)
	Outcomes() <-chan execution.Outcome
	InFlight() int
}

// Config sizes the pipeline.
type Config struct {
	Workers            int
	CandidateBuffer    int
	TickInterval       time.Duration
	GasBudget          uint64
	MaxInFlight        int
	GasQuantum         uint64
	CheckpointInterval time.Duration
	// PersistTimeout bounds each portfolio write made from the loop.
	PersistTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight outcomes at shutdown.
	DrainTimeout time.Duration
}

// Deps are the engine's collaborators. The detection and execution fields
// may be nil when the engine only serves queries and control (api mode).
type Deps struct {
	Sources   map[uint64]EventSource
	Detector  *detector.Table
	Oracle    OracleSource
	Profit    Estimator
	Assessor  *risk.Assessor
	Portfolio *risk.Portfolio
	Catalog   selector.Catalog
	Launcher  Launcher

	Opportunities domain.OpportunityStore
	Audit         domain.AuditStore
	Events        domain.EventSink
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Engine is the pipeline runtime.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	dispatchers map[uint64]*dispatcher
	jobs        chan job
	candidates  chan selector.Candidate
	commands    chan command
	recorder    *recorder

	running  atomic.Bool
	loopDone chan struct{}
	started  time.Time
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Portfolio == nil || deps.Opportunities == nil {
		return nil, errors.New("engine: portfolio and opportunity store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Events == nil {
		deps.Events = discardSink{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.CandidateBuffer <= 0 {
		cfg.CandidateBuffer = 1024
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 25 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.GasQuantum == 0 {
		cfg.GasQuantum = 10_000
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	logger := deps.Logger.With(slog.String("component", "engine"))
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		now:         time.Now,
		dispatchers: make(map[uint64]*dispatcher, len(deps.Sources)),
		jobs:        make(chan job, cfg.Workers),
		candidates:  make(chan selector.Candidate, cfg.CandidateBuffer),
		commands:    make(chan command),
		loopDone:    make(chan struct{}),
		recorder:    newRecorder(deps.Opportunities, logger),
		started:     time.Now(),
	}
	for id, src := range deps.Sources {
		var spec *detector.ChainSpec
		if deps.Detector != nil {
			spec = deps.Detector.Config().Chain(id)
		}
		if spec == nil {
			return nil, fmt.Errorf("engine: chain %d has a source but no detector registry", id)
		}
		e.dispatchers[id] = newDispatcher(id, src, spec)
	}
	return e, nil
}

// Reserves implements profit.ReserveSource with the latest view a chain's
// dispatcher has folded.
func (e *Engine) Reserves(chainID uint64) detector.ReserveView {
	d, ok := e.dispatchers[chainID]
	if !ok {
		return detector.ReserveView{}
	}
	return d.reserves()
}

// Run starts the dispatchers, workers and scheduler loop and blocks until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Detector == nil || e.deps.Oracle == nil || e.deps.Profit == nil ||
		e.deps.Assessor == nil || e.deps.Launcher == nil {
		return errors.New("engine: run requires detector, oracle, profit, assessor and launcher")
	}
	g, ctx := errgroup.WithContext(ctx)
	// the recorder outlives the loop so shutdown settlements are written
	rctx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	g.Go(func() error { return e.recorder.run(rctx) })
	for _, d := range e.dispatchers {
		g.Go(func() error { return e.dispatch(ctx, d) })
	}
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.work(ctx) })
	}
	g.Go(func() error {
		defer stopRecorder()
		return e.loop(ctx)
	})

	e.logger.Info("engine: started",
		slog.Int("chains", len(e.dispatchers)),
		slog.Int("workers", e.cfg.Workers),
		slog.Duration("tick", e.cfg.TickInterval),
	)
	return g.Wait()
}

// Uptime is the time since the engine was created.
func (e *Engine) Uptime() time.Duration { return e.now().Sub(e.started) }

// Running reports whether the scheduler loop is active.
func (e *Engine) Running() bool { return e.running.Load() }

// GetOpportunity returns an opportunity with its latest recorded status.
func (e *Engine) GetOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	return e.deps.Opportunities.Get(ctx, id)
}

// ListActiveOpportunities returns non-terminal opportunities, optionally for
// one chain.
func (e *Engine) ListActiveOpportunities(ctx context.Context, chainID *uint64) ([]domain.Opportunity, error) {
	return e.deps.Opportunities.ListActive(ctx, chainID)
}

// GetPortfolioState returns a copy of the committed portfolio.
func (e *Engine) GetPortfolioState() domain.PortfolioState {
	return e.deps.Portfolio.Snapshot().Clone()
}

// Events returns the lifecycle sink.
func (e *Engine) Events() domain.EventSink { return e.deps.Events }

type discardSink struct{}

func (discardSink) Emit(domain.LifecycleEvent) {}
