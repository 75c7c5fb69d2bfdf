package engine

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevengine/internal/detector"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

// dispatcher owns one chain's reserve book. Only its goroutine writes the
// book; the published view is read by the profit simulator.
type dispatcher struct {
	chainID uint64
	source  EventSource
	book    *detector.ReserveBook
	view    atomic.Pointer[detector.ReserveView]
	baseFee *big.Int
}

func newDispatcher(chainID uint64, src EventSource, spec *detector.ChainSpec) *dispatcher {
	d := &dispatcher{chainID: chainID, source: src, book: detector.NewReserveBook(spec)}
	empty := detector.ReserveView{}
	d.view.Store(&empty)
	return d
}

func (d *dispatcher) reserves() detector.ReserveView { return *d.view.Load() }

// job is one detected opportunity handed to exactly one worker.
type job struct {
	opp     domain.Opportunity
	baseFee *big.Int
	oracle  *domain.OracleSnapshot
}

// dispatch runs detection over one chain's events in arrival order.
func (e *Engine) dispatch(ctx context.Context, d *dispatcher) error {
	for {
		ev, ok := d.source.Pop(ctx)
		if !ok {
			return nil
		}
		start := time.Now()
		if ev.BaseFee != nil {
			d.baseFee = ev.BaseFee
		}
		view := d.book.Apply(ev)
		d.view.Store(&view)

		snap := detector.Snapshot{Oracle: e.deps.Oracle.Snapshot(), Reserves: view}
		opps := e.deps.Detector.Detect(ev, snap)
		e.deps.Metrics.ObserveStage("detect", start)

		for _, opp := range opps {
			if opp.Status == domain.OppSuperseded {
				e.record(opp, transition{status: domain.OppSuperseded, reason: opp.StatusReason})
				continue
			}
			opp = e.record(opp, transition{status: domain.OppDetected, detail: map[string]any{
				"type":         opp.Type.String(),
				"gross_profit": opp.GrossProfit.String(),
				"source_ref":   opp.SourceRef,
			}})
			select {
			case e.jobs <- job{opp: opp, baseFee: d.baseFee, oracle: snap.Oracle}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// work evaluates profit and risk for one opportunity at a time. Every stage
// boundary checks the opportunity's own deadline.
func (e *Engine) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-e.jobs:
			e.evaluate(ctx, j)
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, j job) {
	opp := j.opp
	octx, cancel := context.WithDeadline(ctx, opp.ExpiryDeadline)
	defer cancel()

	start := time.Now()
	est, err := e.deps.Profit.Estimate(octx, opp, j.baseFee, j.oracle)
	e.deps.Metrics.ObserveStage("profit", start)
	if err != nil {
		if ctx.Err() == nil {
			e.record(opp, failure(err))
		}
		return
	}

	start = time.Now()
	decision := e.deps.Assessor.Evaluate(opp, est, e.deps.Portfolio.Snapshot(), j.oracle)
	e.deps.Metrics.ObserveStage("risk", start)
	if octx.Err() != nil {
		if ctx.Err() == nil {
			e.record(opp, transition{status: domain.OppExpired, reason: domain.ReasonExpired})
		}
		return
	}

	cand := selector.Candidate{Opportunity: opp, Estimate: est, Decision: decision, BaseFee: j.baseFee}
	select {
	case e.candidates <- cand:
	case <-octx.Done():
		if ctx.Err() == nil {
			e.record(opp, transition{status: domain.OppExpired, reason: domain.ReasonExpired})
		}
	}
}
