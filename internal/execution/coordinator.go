// Package execution builds, signs and submits execution intents and tracks
// them until a terminal outcome.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

// Config tunes the Coordinator.
type Config struct {
	MaxRetries       int
	FeeBumpBps       uint32
	SubmissionWindow time.Duration
	// SignerFatalAfter consecutive unavailable answers make the outcome
	// Fatal. Zero disables the escalation.
	SignerFatalAfter int
	// LaunchTimeout bounds the lock, nonce and intent writes Launch makes on
	// the caller's goroutine.
	LaunchTimeout time.Duration
}

// Outcome is reported once per launched opportunity, after its last intent
// version reached a terminal status and its lock was released.
type Outcome struct {
	Intent      domain.ExecutionIntent
	Opportunity domain.Opportunity
	Estimate    domain.ProfitEstimate
	Decision    domain.RiskDecision
	Receipt     *domain.Receipt
	Attempts    int
	Err         error
	Fatal       bool
	At          time.Time
}

// Status is the terminal status of the final intent version.
func (o Outcome) Status() domain.IntentStatus { return o.Intent.Status }

// RealizedNative is the signed result in native minimal units: the granted
// share of the expected gross minus slippage, less the gas actually paid. A
// revert loses its gas; an intent that never landed realizes nothing.
func (o Outcome) RealizedNative() *big.Int {
	gas := new(big.Int)
	if o.Receipt != nil && o.Receipt.EffectiveGasPrice != nil {
		gas.Mul(new(big.Int).SetUint64(o.Receipt.GasUsed), o.Receipt.EffectiveGasPrice)
	}
	switch o.Intent.Status {
	case domain.IntentConfirmed:
		num, den := Scale(o.Decision)
		gross := new(big.Int)
		if o.Estimate.GrossProfit != nil {
			gross.Set(o.Estimate.GrossProfit)
		}
		if o.Estimate.SlippageEstimate != nil {
			gross.Sub(gross, o.Estimate.SlippageEstimate)
		}
		r := scale(gross, num, den)
		return r.Sub(r, gas)
	case domain.IntentReverted:
		return gas.Neg(gas)
	}
	return new(big.Int)
}

// Coordinator launches intents for selected candidates. Launch is called
// from the scheduler loop; each launch runs sign, submit and retry on its own
// goroutine and reports exactly one Outcome.
type Coordinator struct {
	cfg     Config
	builder *Builder
	signer  Signer
	router  *Router
	locks   *Locks
	intents domain.IntentStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	outcomes       chan Outcome
	signerFailures atomic.Int32
	inFlight       atomic.Int32
	wg             sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, builder *Builder, signer Signer, router *Router, locks *Locks, intents domain.IntentStore, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.SubmissionWindow <= 0 {
		cfg.SubmissionWindow = 2 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		builder:  builder,
		signer:   signer,
		router:   router,
		locks:    locks,
		intents:  intents,
		metrics:  m,
		logger:   logger.With(slog.String("component", "coordinator")),
		now:      time.Now,
		outcomes: make(chan Outcome, 256),
	}
}

// Outcomes delivers terminal results to the scheduler loop.
func (c *Coordinator) Outcomes() <-chan Outcome { return c.outcomes }

// InFlight returns the number of launches without an outcome yet.
func (c *Coordinator) InFlight() int { return int(c.inFlight.Load()) }

// Locks exposes the state-key lock table.
func (c *Coordinator) Locks() *Locks { return c.locks }

// Wait blocks until every launched goroutine has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Launch acquires the candidate's state key, builds and records version 1 of
// its intent and starts submission. Errors leave nothing held.
func (c *Coordinator) Launch(ctx context.Context, cand selector.Candidate) (domain.ExecutionIntent, error) {
	opp := cand.Opportunity
	now := c.now()
	deadline := now.Add(c.cfg.SubmissionWindow)
	if !opp.ExpiryDeadline.IsZero() && opp.ExpiryDeadline.Before(deadline) {
		deadline = opp.ExpiryDeadline
	}
	if !now.Before(deadline) {
		return domain.ExecutionIntent{}, domain.WithReason(domain.ReasonExpired, domain.E(domain.KindCapacityExceeded, "execution.launch", domain.ErrExpired))
	}
	sub, err := c.router.For(cand.Strategy.ID)
	if err != nil {
		return domain.ExecutionIntent{}, domain.WithReason(domain.ReasonNoStrategy, err)
	}

	bound := now.Add(c.cfg.LaunchTimeout)
	if deadline.Before(bound) {
		bound = deadline
	}
	lctx, lcancel := context.WithDeadline(ctx, bound)
	defer lcancel()

	release, err := c.locks.Acquire(lctx, LockKey(opp.ChainID, opp.StateKey), opp.ID)
	if err != nil {
		return domain.ExecutionIntent{}, err
	}
	intent, err := c.builder.Build(lctx, cand, deadline, now)
	if err != nil {
		release()
		if lctx.Err() != nil {
			c.builder.ReleaseNonces(opp.ChainID)
			c.prefetch(ctx, opp.ChainID)
		}
		return domain.ExecutionIntent{}, err
	}
	if err := c.intents.Insert(lctx, intent); err != nil {
		release()
		c.builder.ReleaseNonces(opp.ChainID)
		c.prefetch(ctx, opp.ChainID)
		return domain.ExecutionIntent{}, domain.WithReason(domain.ReasonPersistenceFailed,
			domain.E(domain.KindFatal, "execution.launch", fmt.Errorf("%w: %v", domain.ErrPersistence, err)))
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	c.wg.Add(1)
	c.inFlight.Add(1)
	c.metrics.InFlightIntents.Inc()
	go c.run(ctx, runCtx, cancel, release, sub, cand, intent)

	c.logger.Info("coordinator: intent launched",
		slog.String("intent_id", intent.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("strategy", cand.Strategy.ID),
		slog.Time("deadline", deadline),
	)
	return intent, nil
}

func (c *Coordinator) run(root, ctx context.Context, cancel context.CancelFunc, release func(), sub Submitter, cand selector.Candidate, intent domain.ExecutionIntent) {
	defer c.wg.Done()
	defer cancel()

	out := Outcome{Opportunity: cand.Opportunity, Estimate: cand.Estimate, Decision: cand.Decision}
	for {
		out.Attempts++
		payload, err := c.signer.Sign(ctx, intent)
		if err != nil {
			out.Err = err
			out.Fatal = c.signerFailed(err)
			intent = c.transition(intent, domain.IntentExpired, signReason(ctx, err))
			c.resetNonces(root, intent.ChainID)
			break
		}
		c.signerFailures.Store(0)
		intent.TxHashes = payload.TxHashes
		intent = c.transition(intent, domain.IntentSubmitted, "")

		rcpt, err := sub.Submit(ctx, intent, payload)
		if err == nil {
			out.Receipt = &rcpt
			intent.GasUsed = rcpt.GasUsed
			if rcpt.EffectiveGasPrice != nil {
				intent.GasCost = new(big.Int).Mul(new(big.Int).SetUint64(rcpt.GasUsed), rcpt.EffectiveGasPrice)
			}
			status := domain.IntentConfirmed
			if !rcpt.Success {
				status = domain.IntentReverted
			}
			intent = c.transition(intent, status, "")
			break
		}

		out.Err = err
		if errors.Is(err, domain.ErrPreempted) {
			intent = c.transition(intent, domain.IntentPreempted, "preempted_by_competitor")
			c.resetNonces(root, intent.ChainID)
			break
		}
		if out.Attempts <= c.cfg.MaxRetries && ctx.Err() == nil && c.now().Before(intent.SubmissionDeadline) {
			next := c.builder.Bump(intent, c.cfg.FeeBumpBps, c.now())
			c.transition(intent, domain.IntentExpired, "replaced_by:"+next.ID)
			if err := c.intents.Insert(root, next); err != nil {
				c.logger.Error("coordinator: record retry failed",
					slog.String("intent_id", next.ID),
					slog.String("error", err.Error()),
				)
			}
			c.logger.Info("coordinator: retrying with bumped fee",
				slog.String("intent_id", next.ID),
				slog.String("previous_id", intent.ID),
				slog.Int("version", next.Version),
				slog.String("priority_fee", next.PriorityFee.String()),
			)
			intent = next
			continue
		}
		reason := "not_included"
		if ctx.Err() != nil {
			reason = "deadline"
		}
		intent = c.transition(intent, domain.IntentExpired, reason)
		c.resetNonces(root, intent.ChainID)
		break
	}

	release()
	out.Intent = intent
	out.At = c.now()
	c.metrics.IntentOutcomes.WithLabelValues(string(intent.Status)).Inc()
	c.deliver(root, out)
	// in-flight drops only once the outcome is queued, so a drained
	// scheduler never misses one
	c.inFlight.Add(-1)
	c.metrics.InFlightIntents.Dec()
}

// deliver queues out for the scheduler. A full buffer blocks until the
// scheduler reads or root is done; only the latter loses the outcome.
func (c *Coordinator) deliver(root context.Context, out Outcome) {
	select {
	case c.outcomes <- out:
		return
	default:
	}
	select {
	case c.outcomes <- out:
	case <-root.Done():
		c.logger.Error("coordinator: outcome dropped",
			slog.String("intent_id", out.Intent.ID),
			slog.String("opportunity_id", out.Opportunity.ID),
			slog.String("status", string(out.Intent.Status)),
		)
	}
}

// resetNonces drops the local counter and re-reads it from the node on the
// calling goroutine, keeping the read off the scheduler loop.
func (c *Coordinator) resetNonces(root context.Context, chainID uint64) {
	c.builder.ReleaseNonces(chainID)
	c.refreshNonce(root, chainID)
}

func (c *Coordinator) refreshNonce(root context.Context, chainID uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(root), c.cfg.SubmissionWindow)
	defer cancel()
	if err := c.builder.PrefetchNonce(ctx, chainID); err != nil {
		c.logger.Warn("coordinator: nonce prefetch failed",
			slog.Uint64("chain_id", chainID),
			slog.String("error", err.Error()),
		)
	}
}

// prefetch refreshes a dropped nonce counter in the background.
func (c *Coordinator) prefetch(root context.Context, chainID uint64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshNonce(root, chainID)
	}()
}

// transition moves intent to status and records it. Store failures are
// logged; the on-chain result cannot be undone.
func (c *Coordinator) transition(intent domain.ExecutionIntent, status domain.IntentStatus, reason string) domain.ExecutionIntent {
	if !domain.CanTransition(intent.Status, status) {
		c.logger.Error("coordinator: illegal intent transition",
			slog.String("intent_id", intent.ID),
			slog.String("from", string(intent.Status)),
			slog.String("to", string(status)),
		)
		return intent
	}
	intent.Status = status
	intent.StatusReason = reason
	intent.UpdatedAt = c.now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.intents.Update(ctx, intent); err != nil {
		c.logger.Error("coordinator: record intent failed",
			slog.String("intent_id", intent.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
	return intent
}

func (c *Coordinator) signerFailed(err error) bool {
	if !errors.Is(err, domain.ErrSignerUnavailable) {
		return false
	}
	n := c.signerFailures.Add(1)
	if c.cfg.SignerFatalAfter > 0 && int(n) >= c.cfg.SignerFatalAfter {
		c.logger.Error("coordinator: signer persistently unavailable",
			slog.Int("consecutive_failures", int(n)),
		)
		return true
	}
	return false
}

func signReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, domain.ErrSignerUnavailable):
		return "signer_unavailable"
	case errors.Is(err, domain.ErrSignerRejected):
		return "signer_rejected"
	case ctx.Err() != nil:
		return "deadline"
	}
	return "signer_error"
}
