package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/execution"
	"github.com/alanyoungcy/mevengine/internal/metrics"
	"github.com/alanyoungcy/mevengine/internal/risk"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

// scheduler is the loop-owned state. Nothing else touches it.
type scheduler struct {
	pending map[string]selector.Candidate
}

// loop is the single writer to the portfolio, the pending set and the
// launcher. Network I/O on this goroutine is limited to bounded portfolio
// and intent writes.
func (e *Engine) loop(ctx context.Context) error {
	e.running.Store(true)
	defer close(e.loopDone)
	defer e.running.Store(false)

	s := &scheduler{pending: map[string]selector.Candidate{}}
	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()
	checkpoint := time.NewTicker(e.cfg.CheckpointInterval)
	defer checkpoint.Stop()
	outcomes := e.deps.Launcher.Outcomes()

	e.deps.Metrics.TradingHalted.Set(metrics.BoolGauge(e.deps.Portfolio.Halted()))
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx, s, outcomes)
			return nil
		case c := <-e.candidates:
			e.admit(ctx, s, c)
		case <-tick.C:
			e.schedule(ctx, s)
		case out := <-outcomes:
			e.settle(ctx, out)
		case cmd := <-e.commands:
			changed, err := e.apply(ctx, cmd)
			cmd.reply <- result{changed: changed, err: err}
		case <-checkpoint.C:
			pctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
			if err := e.deps.Portfolio.Checkpoint(pctx); err != nil {
				e.fatal(ctx, err)
			}
			cancel()
		}
	}
}

// admit commits a worker's decision against the current portfolio and, when
// it holds, parks the candidate until a tick grants it capacity.
func (e *Engine) admit(ctx context.Context, s *scheduler, c selector.Candidate) {
	opp := c.Opportunity
	if opp.Expired(e.now()) {
		e.record(opp, transition{status: domain.OppExpired, reason: domain.ReasonExpired})
		return
	}

	wasHalted := e.deps.Portfolio.Halted()
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	d, err := e.deps.Portfolio.Commit(pctx, c.Decision, opp, c.Estimate, e.deps.Oracle.Snapshot())
	cancel()
	e.haltChanged(wasHalted, "risk")
	if err != nil {
		e.record(opp, transition{status: domain.OppRejected, reason: domain.ReasonPersistenceFailed, kind: domain.KindOf(err)})
		e.fatal(ctx, err)
		return
	}
	if !d.Approved() {
		e.record(opp, transition{status: domain.OppRejected, reason: d.Reason, kind: domain.KindCapacityExceeded})
		return
	}

	strat, expected, ok := e.deps.Catalog.Choose(opp, c.Estimate)
	if !ok {
		e.release(ctx, opp.ID)
		e.record(opp, transition{status: domain.OppDiscarded, reason: domain.ReasonNoStrategy})
		return
	}
	num, den := execution.Scale(d)
	c.Decision = d
	c.Strategy = strat
	c.Expected = new(big.Int).Quo(new(big.Int).Mul(expected, num), den)

	status := domain.OppApproved
	detail := map[string]any{"strategy": strat.ID, "expected_value": c.Expected.String(), "net_profit": c.Estimate.NetProfit.String()}
	if d.Outcome == domain.RiskCapped {
		status = domain.OppCapped
		detail["capped_amount"] = d.CappedAmount.String()
		detail["requested_amount"] = d.RequestedAmount.String()
	}
	c.Opportunity = e.record(opp, transition{status: status, reason: d.Reason, detail: detail})
	s.pending[opp.ID] = c
}

// schedule runs one selection tick.
func (e *Engine) schedule(ctx context.Context, s *scheduler) {
	now := e.now()
	for id, c := range s.pending {
		if c.Opportunity.Expired(now) {
			delete(s.pending, id)
			e.release(ctx, id)
			e.record(c.Opportunity, transition{status: domain.OppExpired, reason: domain.ReasonExpired})
		}
	}
	if len(s.pending) == 0 {
		return
	}
	if e.deps.Portfolio.Halted() {
		for id, c := range s.pending {
			delete(s.pending, id)
			e.release(ctx, id)
			e.record(c.Opportunity, transition{status: domain.OppRejected, reason: domain.ReasonTradingHalted, kind: domain.KindCapacityExceeded})
		}
		return
	}
	slots := e.cfg.MaxInFlight - e.deps.Launcher.InFlight()
	if slots <= 0 {
		return
	}

	start := time.Now()
	cands := make([]selector.Candidate, 0, len(s.pending))
	for _, c := range s.pending {
		cands = append(cands, c)
	}
	chosen := selector.Select(cands, selector.Capacity{GasBudget: e.cfg.GasBudget, Slots: slots}, e.cfg.GasQuantum)
	e.deps.Metrics.SelectorTick.Observe(time.Since(start).Seconds())

	for _, c := range chosen {
		opp := c.Opportunity
		lstart := time.Now()
		intent, err := e.deps.Launcher.Launch(ctx, c)
		e.deps.Metrics.ObserveStage("launch", lstart)
		if err != nil {
			if errors.Is(err, domain.ErrStateKeyBusy) {
				// retried next tick while the competing intent settles
				continue
			}
			delete(s.pending, opp.ID)
			e.release(ctx, opp.ID)
			e.record(opp, failure(err))
			if domain.KindOf(err) == domain.KindFatal {
				e.fatal(ctx, err)
			}
			continue
		}
		delete(s.pending, opp.ID)
		e.record(opp, transition{status: domain.OppExecuting, intentID: intent.ID, detail: map[string]any{
			"strategy":     c.Strategy.ID,
			"priority_fee": intent.PriorityFee.String(),
			"gas_limit":    intent.GasLimit,
		}})
	}
}

var outcomeStatus = map[domain.IntentStatus]domain.OpportunityStatus{
	domain.IntentConfirmed: domain.OppExecuted,
	domain.IntentReverted:  domain.OppReverted,
	domain.IntentExpired:   domain.OppExpired,
	domain.IntentPreempted: domain.OppPreempted,
}

// settle books a terminal intent outcome.
func (e *Engine) settle(ctx context.Context, out execution.Outcome) {
	opp := out.Opportunity
	native := out.RealizedNative()
	realized := new(big.Int)
	if native.Sign() != 0 {
		v, err := e.deps.Assessor.ToReference(opp.ChainID, native, e.deps.Oracle.Snapshot())
		if err != nil {
			e.logger.Error("engine: cannot value outcome",
				slog.String("intent_id", out.Intent.ID),
				slog.String("realized_native", native.String()),
				slog.String("error", err.Error()),
			)
		} else {
			realized = v
		}
	}

	wasHalted := e.deps.Portfolio.Halted()
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	err := e.deps.Portfolio.Settle(pctx, risk.Settlement{
		IntentID:      out.Intent.ID,
		OpportunityID: opp.ID,
		Status:        out.Status(),
		RealizedPnL:   realized,
	})
	cancel()
	e.haltChanged(wasHalted, "risk")

	t := transition{
		status:   outcomeStatus[out.Status()],
		reason:   out.Intent.StatusReason,
		intentID: out.Intent.ID,
		detail: map[string]any{
			"attempts":        out.Attempts,
			"realized_pnl":    realized.String(),
			"realized_native": native.String(),
		},
	}
	if out.Receipt != nil {
		t.detail["tx_hash"] = out.Receipt.TxHash.Hex()
		t.detail["block_number"] = out.Receipt.BlockNumber
		t.detail["gas_used"] = out.Receipt.GasUsed
	}
	if out.Err != nil {
		t.kind = domain.KindOf(out.Err)
		t.detail["error"] = out.Err.Error()
	}
	e.record(opp, t)

	if err != nil {
		e.fatal(ctx, err)
	}
	if out.Fatal {
		e.fatal(ctx, out.Err)
	}
}

// fatal halts trading. The halt holds in memory even when it cannot be
// persisted.
func (e *Engine) fatal(ctx context.Context, cause error) {
	reason := "fatal"
	if cause != nil {
		reason = "fatal: " + cause.Error()
	}
	e.logger.Error("engine: fatal error, halting trading", slog.String("reason", reason))
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	changed, err := e.deps.Portfolio.Halt(pctx, reason, "engine")
	if err != nil {
		e.logger.Error("engine: persist halt failed", slog.String("error", err.Error()))
	}
	if changed {
		e.emitHalt(reason, "engine")
	}
}

// haltChanged emits a halted event when a portfolio mutation tripped a limit.
func (e *Engine) haltChanged(wasHalted bool, caller string) {
	snap := e.deps.Portfolio.Snapshot()
	if !wasHalted && snap.TradingHalted {
		e.emitHalt(snap.HaltReason, caller)
	}
}

func (e *Engine) emitHalt(reason, caller string) {
	e.deps.Metrics.TradingHalted.Set(1)
	e.deps.Events.Emit(domain.LifecycleEvent{
		Type:   domain.EventHalted,
		Reason: reason,
		Detail: map[string]any{"caller": caller},
		At:     e.now(),
	})
}

func (e *Engine) release(ctx context.Context, oppID string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.deps.Portfolio.Release(pctx, oppID); err != nil {
		e.logger.Error("engine: release exposure failed",
			slog.String("opportunity_id", oppID),
			slog.String("error", err.Error()),
		)
	}
}

// shutdown stops launching, releases pending reservations and settles every
// in-flight launch so a restart does not inherit their exposure. The drain
// gives up after DrainTimeout; Reconcile at the next load covers the rest.
func (e *Engine) shutdown(ctx context.Context, s *scheduler, outcomes <-chan execution.Outcome) {
	bg := context.WithoutCancel(ctx)
	for id, c := range s.pending {
		e.release(bg, id)
		e.record(c.Opportunity, transition{status: domain.OppExpired, reason: "shutdown"})
	}

	settled := 0
	timeout := time.NewTimer(e.cfg.DrainTimeout)
	defer timeout.Stop()
drain:
	for e.deps.Launcher.InFlight() > 0 {
		select {
		case out := <-outcomes:
			e.settle(bg, out)
			settled++
		case <-timeout.C:
			e.logger.Warn("engine: drain timed out", slog.Int("in_flight", e.deps.Launcher.InFlight()))
			break drain
		}
	}
	for {
		select {
		case out := <-outcomes:
			e.settle(bg, out)
			settled++
		default:
			e.logger.Info("engine: scheduler stopped",
				slog.Int("released", len(s.pending)),
				slog.Int("settled", settled),
			)
			return
		}
	}
}
