package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
)

type op string

const (
	opHalt     op = "halt"
	opResume   op = "resume"
	opLimits   op = "update_risk_limits"
	opRollover op = "rollover"
)

type command struct {
	op     op
	caller string
	limits domain.RiskLimits
	at     time.Time
	reply  chan result
}

type result struct {
	changed bool
	err     error
}

// Halt stops trading until Resume. Idempotent; reports whether the state
// changed. Every call is audited.
func (e *Engine) Halt(ctx context.Context, caller string) (bool, error) {
	return e.control(ctx, command{op: opHalt, caller: caller})
}

// Resume re-enables trading. Idempotent.
func (e *Engine) Resume(ctx context.Context, caller string) (bool, error) {
	return e.control(ctx, command{op: opResume, caller: caller})
}

// UpdateRiskLimits replaces the portfolio limits. Identical limits are a
// no-op.
func (e *Engine) UpdateRiskLimits(ctx context.Context, caller string, limits domain.RiskLimits) (bool, error) {
	return e.control(ctx, command{op: opLimits, caller: caller, limits: limits})
}

// Rollover starts a new accounting day at now when the day changed.
func (e *Engine) Rollover(ctx context.Context, now time.Time) (bool, error) {
	return e.control(ctx, command{op: opRollover, caller: "cron", at: now})
}

// control runs cmd on the scheduler loop when it is running, so the loop
// stays the only portfolio writer, and inline otherwise.
func (e *Engine) control(ctx context.Context, cmd command) (bool, error) {
	var res result
	if e.running.Load() {
		cmd.reply = make(chan result, 1)
		select {
		case e.commands <- cmd:
		case <-e.loopDone:
			return false, errors.New("engine: scheduler stopped")
		case <-ctx.Done():
			return false, ctx.Err()
		}
		select {
		case res = <-cmd.reply:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	} else {
		res.changed, res.err = e.apply(ctx, cmd)
	}

	if cmd.op != opRollover {
		e.audit(ctx, cmd, res)
	}
	return res.changed, res.err
}

func (e *Engine) apply(ctx context.Context, cmd command) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	defer cancel()
	p := e.deps.Portfolio

	var (
		changed bool
		err     error
		ev      = domain.LifecycleEvent{Detail: map[string]any{"caller": cmd.caller}, At: e.now()}
	)
	switch cmd.op {
	case opHalt:
		changed, err = p.Halt(pctx, "operator: "+cmd.caller, cmd.caller)
		ev.Type, ev.Reason = domain.EventHalted, "operator"
	case opResume:
		changed, err = p.Resume(pctx, cmd.caller)
		ev.Type = domain.EventResumed
	case opLimits:
		changed, err = p.UpdateLimits(pctx, cmd.limits, cmd.caller)
		ev.Type = domain.EventLimits
	case opRollover:
		changed, err = p.Rollover(pctx, cmd.at)
		if changed {
			e.logger.Info("engine: accounting day rolled over", slog.String("day", p.Snapshot().Day))
		}
		return changed, err
	default:
		return false, fmt.Errorf("engine: unknown control op %q", cmd.op)
	}
	e.deps.Metrics.TradingHalted.Set(metrics.BoolGauge(p.Halted()))
	if changed {
		e.deps.Events.Emit(ev)
	}
	return changed, err
}

func (e *Engine) audit(ctx context.Context, cmd command, res result) {
	if e.deps.Audit == nil {
		return
	}
	detail := map[string]any{"changed": res.changed, "at": e.now().UTC().Format(time.RFC3339Nano)}
	if cmd.op == opLimits {
		detail["limits"] = cmd.limits
	}
	if res.err != nil {
		detail["error"] = res.err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.deps.Audit.Log(actx, "control."+string(cmd.op), cmd.caller, detail); err != nil {
		e.logger.Error("engine: audit failed",
			slog.String("action", string(cmd.op)),
			slog.String("caller", cmd.caller),
			slog.String("error", err.Error()),
		)
	}
}
