package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// DayFormat names a portfolio accounting day.
const DayFormat = "2006-01-02"

// Settlement is a terminal intent outcome valued in reference units.
type Settlement struct {
	IntentID      string
	OpportunityID string
	Status        domain.IntentStatus
	// RealizedPnL is signed; a revert carries its gas cost as a negative value.
	RealizedPnL *big.Int
	// Reason is journalled with the outcome when set.
	Reason string
}

// Portfolio is the single owner of PortfolioState. Every mutation is
// persisted through the store before it becomes visible; readers get
// immutable snapshots.
type Portfolio struct {
	store    domain.PortfolioStore
	assessor *Assessor
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state domain.PortfolioState

	snap atomic.Pointer[domain.PortfolioState]
}

// LoadPortfolio restores the last committed state, or starts a fresh ledger
// under limits when the store is empty.
func LoadPortfolio(ctx context.Context, store domain.PortfolioStore, assessor *Assessor, limits domain.RiskLimits, logger *slog.Logger) (*Portfolio, error) {
	p := &Portfolio{
		store:    store,
		assessor: assessor,
		logger:   logger.With(slog.String("component", "portfolio")),
		now:      time.Now,
	}
	state, err := store.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := p.now().UTC()
		state = domain.NewPortfolioState(limits, now.Format(DayFormat), now)
		p.logger.Info("portfolio: starting fresh ledger")
	case err != nil:
		return nil, domain.E(domain.KindFatal, "risk.load", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	default:
		state.Normalize()
		p.logger.Info("portfolio: restored",
			slog.Uint64("version", state.Version),
			slog.String("open_exposure", state.OpenExposure.String()),
			slog.String("daily_loss", state.DailyLoss.String()),
			slog.Bool("trading_halted", state.TradingHalted),
		)
	}
	p.state = state
	p.publish()
	return p, nil
}

// Snapshot returns the latest committed state. Callers must not modify it.
func (p *Portfolio) Snapshot() *domain.PortfolioState {
	return p.snap.Load()
}

// Halted reports whether trading is halted.
func (p *Portfolio) Halted() bool {
	return p.Snapshot().TradingHalted
}

// Commit applies an approved or capped decision. A decision evaluated against
// an older version is re-evaluated first; the decision actually applied is
// returned. Persist failures are Fatal and leave the state unchanged.
func (p *Portfolio) Commit(ctx context.Context, d domain.RiskDecision, opp domain.Opportunity, est domain.ProfitEstimate, oracle *domain.OracleSnapshot) (domain.RiskDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.PortfolioVersion != p.state.Version {
		d = p.assessor.Evaluate(opp, est, &p.state, oracle)
	}
	if d.Reason == domain.ReasonDailyLoss && !p.state.TradingHalted {
		if err := p.haltLocked(ctx, domain.ReasonDailyLoss, "risk"); err != nil {
			return d, err
		}
	}
	if !d.Approved() {
		return d, nil
	}
	if _, open := p.state.Positions[opp.ID]; open {
		return d, nil
	}

	next := p.state.Clone()
	amt := new(big.Int).Set(d.Amount())
	next.Positions[opp.ID] = domain.Position{
		OpportunityID: opp.ID,
		Strategy:      d.Strategy,
		Asset:         d.Asset,
		Amount:        amt,
		OpenedAt:      p.now(),
	}
	next.OpenExposure.Add(next.OpenExposure, amt)
	addTo(next.StrategyExposure, d.Strategy, amt)
	addTo(next.AssetExposure, d.Asset, amt)

	d.PortfolioVersion = next.Version + 1
	if err := p.persistLocked(ctx, next, domain.JournalEntry{
		Kind:  domain.JournalDecision,
		RefID: opp.ID,
		Detail: map[string]any{
			"outcome":  string(d.Outcome),
			"strategy": d.Strategy,
			"asset":    d.Asset,
			"amount":   amt.String(),
		},
	}); err != nil {
		return d, err
	}
	return d, nil
}

// Release drops the position of an opportunity that never produced an intent
// outcome, for example when no execution slot was ever granted before expiry.
func (p *Portfolio) Release(ctx context.Context, opportunityID string) error {
	return p.Settle(ctx, Settlement{OpportunityID: opportunityID, Status: domain.IntentExpired, RealizedPnL: new(big.Int)})
}

// Reconcile releases restored positions that no live intent backs: the
// latest intent version is terminal, missing, or past its submission
// deadline. Realized P&L of those intents is not re-booked. It returns the
// number of positions released.
func (p *Portfolio) Reconcile(ctx context.Context, intents domain.IntentStore) (int, error) {
	ids := make([]string, 0, len(p.Snapshot().Positions))
	for id := range p.Snapshot().Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := p.now()
	released := 0
	for _, id := range ids {
		versions, err := intents.ListByOpportunity(ctx, id)
		if err != nil {
			return released, domain.E(domain.KindTransientIO, "risk.reconcile", err)
		}
		status, reason := domain.IntentExpired, "no_intent"
		if n := len(versions); n > 0 {
			latest := versions[n-1]
			switch {
			case latest.Status.Terminal():
				status, reason = latest.Status, "intent_terminal"
			case !latest.SubmissionDeadline.IsZero() && now.After(latest.SubmissionDeadline):
				reason = "intent_stale"
			default:
				continue
			}
		}
		if err := p.Settle(ctx, Settlement{OpportunityID: id, Status: status, RealizedPnL: new(big.Int), Reason: reason}); err != nil {
			return released, err
		}
		released++
		p.logger.Warn("portfolio: released orphaned position",
			slog.String("opportunity_id", id),
			slog.String("reason", reason),
		)
	}
	return released, nil
}

// Settle applies a terminal outcome: the position is released and realized
// P&L is booked. A daily loss at or over the limit, or too many consecutive
// losses, halts trading in the same commit.
func (p *Portfolio) Settle(ctx context.Context, s Settlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, open := p.state.Positions[s.OpportunityID]
	pnl := new(big.Int)
	if s.RealizedPnL != nil {
		pnl.Set(s.RealizedPnL)
	}
	if !open && pnl.Sign() == 0 {
		return nil
	}

	next := p.state.Clone()
	if open {
		delete(next.Positions, s.OpportunityID)
		next.OpenExposure.Sub(next.OpenExposure, pos.Amount)
		addTo(next.StrategyExposure, pos.Strategy, new(big.Int).Neg(pos.Amount))
		addTo(next.AssetExposure, pos.Asset, new(big.Int).Neg(pos.Amount))
	}

	next.DailyPnL.Add(next.DailyPnL, pnl)
	next.TotalRealizedPnL.Add(next.TotalRealizedPnL, pnl)
	switch pnl.Sign() {
	case -1:
		next.DailyLoss.Sub(next.DailyLoss, pnl)
		next.LossCount++
		next.ConsecutiveLosses++
	case 1:
		next.ConsecutiveLosses = 0
	}
	next.LastOutcomeID = s.IntentID

	detail := map[string]any{
		"status":       string(s.Status),
		"realized_pnl": pnl.String(),
	}
	if s.Reason != "" {
		detail["reason"] = s.Reason
	}
	if reason := breach(&next); reason != "" && !next.TradingHalted {
		setHalt(&next, reason, p.now())
		detail["halted"] = reason
		p.logger.Error("portfolio: trading halted",
			slog.String("reason", reason),
			slog.String("daily_loss", next.DailyLoss.String()),
			slog.Int("consecutive_losses", next.ConsecutiveLosses),
		)
	}
	ref := s.IntentID
	if ref == "" {
		ref = s.OpportunityID
	}
	return p.persistLocked(ctx, next, domain.JournalEntry{Kind: domain.JournalOutcome, RefID: ref, Detail: detail})
}

// Halt stops trading. It reports whether anything changed. When the store
// is failing the halt still takes effect in memory and the error is returned.
func (p *Portfolio) Halt(ctx context.Context, reason, caller string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.TradingHalted {
		return false, nil
	}
	return true, p.haltLocked(ctx, reason, caller)
}

func (p *Portfolio) haltLocked(ctx context.Context, reason, caller string) error {
	next := p.state.Clone()
	setHalt(&next, reason, p.now())
	err := p.persistLocked(ctx, next, domain.JournalEntry{
		Kind:   domain.JournalHalt,
		Detail: map[string]any{"reason": reason, "caller": caller},
	})
	if err != nil {
		// The emergency stop must hold even if it cannot be recorded.
		setHalt(&p.state, reason, p.now())
		p.publish()
	}
	p.logger.Warn("portfolio: halt", slog.String("reason", reason), slog.String("caller", caller))
	return err
}

// Resume clears the halt and resets the loss counters that tripped it. It
// reports whether anything changed.
func (p *Portfolio) Resume(ctx context.Context, caller string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TradingHalted {
		return false, nil
	}
	next := p.state.Clone()
	prev := next.HaltReason
	next.TradingHalted = false
	next.HaltReason = ""
	next.HaltedAt = nil
	next.DailyLoss = new(big.Int)
	next.ConsecutiveLosses = 0
	if err := p.persistLocked(ctx, next, domain.JournalEntry{
		Kind:   domain.JournalResume,
		Detail: map[string]any{"caller": caller, "cleared": prev},
	}); err != nil {
		return false, err
	}
	p.logger.Info("portfolio: resumed", slog.String("caller", caller), slog.String("cleared", prev))
	return true, nil
}

// UpdateLimits replaces the limits. Identical limits are a no-op.
func (p *Portfolio) UpdateLimits(ctx context.Context, limits domain.RiskLimits, caller string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Limits.Equal(limits) {
		return false, nil
	}
	next := p.state.Clone()
	next.Limits = limits.Clone()
	if next.Limits.MaxStrategyExposure == nil {
		next.Limits.MaxStrategyExposure = map[string]*big.Int{}
	}
	if err := p.persistLocked(ctx, next, domain.JournalEntry{
		Kind:   domain.JournalLimits,
		Detail: map[string]any{"caller": caller},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Rollover starts a new accounting day. Daily counters reset; a halt stays
// in force until resumed.
func (p *Portfolio) Rollover(ctx context.Context, now time.Time) (bool, error) {
	day := now.UTC().Format(DayFormat)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Day == day {
		return false, nil
	}
	next := p.state.Clone()
	prevDay, prevPnL := next.Day, next.DailyPnL.String()
	next.Day = day
	next.DailyPnL = new(big.Int)
	next.DailyLoss = new(big.Int)
	if err := p.persistLocked(ctx, next, domain.JournalEntry{
		Kind:   domain.JournalRollover,
		Detail: map[string]any{"previous_day": prevDay, "daily_pnl": prevPnL},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Checkpoint writes the full current state for crash recovery.
func (p *Portfolio) Checkpoint(ctx context.Context) error {
	p.mu.Lock()
	state := p.state.Clone()
	p.mu.Unlock()
	if err := p.store.Checkpoint(ctx, state); err != nil {
		return domain.E(domain.KindFatal, "risk.checkpoint", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	return nil
}

// persistLocked commits next with entry and swaps it in only on success.
func (p *Portfolio) persistLocked(ctx context.Context, next domain.PortfolioState, entry domain.JournalEntry) error {
	now := p.now()
	next.Version = p.state.Version + 1
	next.UpdatedAt = now
	entry.Version = next.Version
	entry.CreatedAt = now
	if err := p.store.Commit(ctx, next, entry); err != nil {
		p.logger.Error("portfolio: persist failed",
			slog.String("kind", string(entry.Kind)),
			slog.Uint64("version", next.Version),
			slog.String("error", err.Error()),
		)
		return domain.WithReason(domain.ReasonPersistenceFailed,
			domain.E(domain.KindFatal, "risk.commit", fmt.Errorf("%w: %v", domain.ErrPersistence, err)))
	}
	p.state = next
	p.publish()
	return nil
}

func (p *Portfolio) publish() {
	s := p.state.Clone()
	p.snap.Store(&s)
}

func breach(s *domain.PortfolioState) string {
	if max := s.Limits.MaxDailyLoss; max != nil && max.Sign() > 0 && s.DailyLoss.Cmp(max) >= 0 {
		return domain.ReasonDailyLoss
	}
	if n := s.Limits.MaxConsecutiveLosses; n > 0 && s.ConsecutiveLosses >= n {
		return "consecutive_losses"
	}
	return ""
}

func setHalt(s *domain.PortfolioState, reason string, now time.Time) {
	s.TradingHalted = true
	s.HaltReason = reason
	t := now
	s.HaltedAt = &t
}

func addTo(m map[string]*big.Int, key string, v *big.Int) {
	if key == "" {
		return
	}
	cur, ok := m[key]
	if !ok {
		cur = new(big.Int)
	}
	cur = new(big.Int).Add(cur, v)
	if cur.Sign() == 0 {
		delete(m, key)
		return
	}
	m[key] = cur
}
