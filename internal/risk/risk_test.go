package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// One ETH is worth 2000 USD; reference units are micro-USD.
func testOracle() *domain.OracleSnapshot {
	return domain.NewOracleSnapshot(1, t0, []domain.PairPrice{{
		ChainID: 1, Pair: "ETH/USD", Scaled: big.NewInt(2_000_000_000), QuoteDecimals: 6, UpdatedAt: t0,
	}})
}

func usd(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func wei(milliEth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milliEth), big.NewInt(1_000_000_000_000_000))
}

func limits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxTradeSize:         usd(1000),
		DefaultStrategyLimit: usd(3000),
		MaxStrategyExposure:  map[string]*big.Int{},
		MaxDailyLoss:         usd(100),
		MaxTotalExposure:     usd(10_000),
		MaxConcentrationBps:  5000,
		CapOversized:         true,
	}
}

func opp(id string, milliEth int64) domain.Opportunity {
	return domain.Opportunity{
		ID: id, ChainID: 1, Type: domain.TypeArbitrage, Asset: "USDC",
		Notional: wei(milliEth), GrossProfit: big.NewInt(1), Pairs: []string{"ETH/USD"},
	}
}

func newPortfolio(t *testing.T, store domain.PortfolioStore) (*Portfolio, *Assessor) {
	t.Helper()
	a := NewAssessor(map[uint64]string{1: "ETH/USD"})
	a.now = func() time.Time { return t0 }
	p, err := LoadPortfolio(context.Background(), store, a, limits(), discard())
	require.NoError(t, err)
	p.now = func() time.Time { return t0 }
	if p.state.Version == 0 {
		p.state.Day = t0.Format(DayFormat)
		p.publish()
	}
	return p, a
}

func approve(t *testing.T, p *Portfolio, a *Assessor, o domain.Opportunity) domain.RiskDecision {
	t.Helper()
	d := a.Evaluate(o, domain.ProfitEstimate{}, p.Snapshot(), testOracle())
	d, err := p.Commit(context.Background(), d, o, domain.ProfitEstimate{}, testOracle())
	require.NoError(t, err)
	return d
}

func TestRulesRunInOrder(t *testing.T) {
	a := NewAssessor(map[uint64]string{1: "ETH/USD"})
	state := domain.NewPortfolioState(limits(), "2026-03-01", t0)

	// 0.25 ETH = 500 USD
	d := a.Evaluate(opp("a", 250), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.RiskApproved, d.Outcome)
	assert.Equal(t, usd(500).String(), d.Amount().String())

	// 1 ETH = 2000 USD caps to the 1000 USD trade limit
	d = a.Evaluate(opp("b", 1000), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.RiskCapped, d.Outcome)
	assert.Equal(t, usd(1000).String(), d.CappedAmount.String())
	assert.Equal(t, usd(2000).String(), d.RequestedAmount.String())

	state.Limits.CapOversized = false
	d = a.Evaluate(opp("b", 1000), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.RiskRejected, d.Outcome)
	assert.Equal(t, domain.ReasonTradeSize, d.Reason)
	state.Limits.CapOversized = true

	state.StrategyExposure["arbitrage"] = usd(2800)
	d = a.Evaluate(opp("c", 250), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.RiskCapped, d.Outcome)
	assert.Equal(t, usd(200).String(), d.CappedAmount.String(), "strategy headroom")

	state.StrategyExposure["arbitrage"] = usd(3000)
	d = a.Evaluate(opp("c", 250), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.ReasonStrategyExposure, d.Reason)
	delete(state.StrategyExposure, "arbitrage")

	// daily loss is checked before concentration
	state.DailyLoss = usd(100)
	state.AssetExposure["USDC"] = usd(5000)
	d = a.Evaluate(opp("d", 250), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.ReasonDailyLoss, d.Reason)

	state.DailyLoss = new(big.Int)
	d = a.Evaluate(opp("d", 250), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.ReasonConcentration, d.Reason)

	state.TradingHalted = true
	d = a.Evaluate(opp("e", 1), domain.ProfitEstimate{}, &state, testOracle())
	assert.Equal(t, domain.ReasonTradingHalted, d.Reason)
}

func TestUnreliableOracleRejects(t *testing.T) {
	a := NewAssessor(map[uint64]string{1: "ETH/USD"})
	state := domain.NewPortfolioState(limits(), "2026-03-01", t0)
	bad := domain.NewOracleSnapshot(1, t0, []domain.PairPrice{{ChainID: 1, Pair: "ETH/USD", Scaled: big.NewInt(1), Unreliable: true}})
	d := a.Evaluate(opp("a", 1), domain.ProfitEstimate{}, &state, bad)
	assert.Equal(t, domain.ReasonOracleUnreliable, d.Reason)
	d = a.Evaluate(opp("a", 1), domain.ProfitEstimate{}, &state, nil)
	assert.Equal(t, domain.ReasonOracleMissing, d.Reason)
}

func TestCommitReevaluatesStaleDecision(t *testing.T) {
	p, a := newPortfolio(t, memory.NewPortfolioStore())

	first := a.Evaluate(opp("a", 400), domain.ProfitEstimate{}, p.Snapshot(), testOracle())
	second := a.Evaluate(opp("b", 400), domain.ProfitEstimate{}, p.Snapshot(), testOracle())
	assert.Equal(t, domain.RiskApproved, second.Outcome, "evaluated against the same version")

	_, err := p.Commit(context.Background(), first, opp("a", 400), domain.ProfitEstimate{}, testOracle())
	require.NoError(t, err)
	// 800 USD on USDC already; concentration ceiling is 5000 USD so b still fits
	got, err := p.Commit(context.Background(), second, opp("b", 400), domain.ProfitEstimate{}, testOracle())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), second.PortfolioVersion)
	assert.Equal(t, uint64(2), got.PortfolioVersion)

	snap := p.Snapshot()
	assert.Equal(t, usd(1600).String(), snap.OpenExposure.String())
	assert.Equal(t, usd(1600).String(), snap.StrategyExposure["arbitrage"].String())
	assert.Len(t, snap.Positions, 2)

	p.state.Limits.MaxTotalExposure = usd(1600)
	third := a.Evaluate(opp("c", 100), domain.ProfitEstimate{}, p.Snapshot(), testOracle())
	p.state.Version++ // a racing commit moved the ledger
	got, err = p.Commit(context.Background(), third, opp("c", 100), domain.ProfitEstimate{}, testOracle())
	require.NoError(t, err)
	assert.Equal(t, domain.RiskRejected, got.Outcome)
	assert.Equal(t, domain.ReasonStrategyExposure, got.Reason)
}

func TestDailyLossHaltsUntilResume(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, a := newPortfolio(t, store)
	ctx := context.Background()

	approve(t, p, a, opp("a", 100))
	require.NoError(t, p.Settle(ctx, Settlement{IntentID: "i1", OpportunityID: "a", Status: domain.IntentReverted, RealizedPnL: usd(-60)}))
	assert.False(t, p.Halted())

	approve(t, p, a, opp("b", 100))
	require.NoError(t, p.Settle(ctx, Settlement{IntentID: "i2", OpportunityID: "b", Status: domain.IntentReverted, RealizedPnL: usd(-40)}))
	require.True(t, p.Halted(), "100 USD lost reaches the limit")
	assert.Equal(t, domain.ReasonDailyLoss, p.Snapshot().HaltReason)

	for i := 0; i < 5; i++ {
		d := a.Evaluate(opp("c", 1), domain.ProfitEstimate{}, p.Snapshot(), testOracle())
		d, err := p.Commit(ctx, d, opp("c", 1), domain.ProfitEstimate{}, testOracle())
		require.NoError(t, err)
		assert.Equal(t, domain.RiskRejected, d.Outcome)
		assert.Equal(t, domain.ReasonTradingHalted, d.Reason)
	}

	changed, err := p.Resume(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = p.Resume(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, changed, "idempotent")

	d := approve(t, p, a, opp("c", 1))
	assert.Equal(t, domain.RiskApproved, d.Outcome)
	assert.Equal(t, usd(-100).String(), p.Snapshot().DailyPnL.String(), "P&L kept across resume")
	assert.Equal(t, 2, p.Snapshot().LossCount)
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, a := newPortfolio(t, store)

	before := p.Snapshot()
	store.Fail(errors.New("disk full"))
	d := a.Evaluate(opp("a", 100), domain.ProfitEstimate{}, before, testOracle())
	_, err := p.Commit(context.Background(), d, opp("a", 100), domain.ProfitEstimate{}, testOracle())
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.ReasonPersistenceFailed, domain.ReasonOf(err))

	after := p.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Positions)
	assert.Zero(t, after.OpenExposure.Sign())
}

func TestHaltHoldsWhenStoreFails(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, _ := newPortfolio(t, store)
	store.Fail(errors.New("disk full"))
	changed, err := p.Halt(context.Background(), "fatal: signer", "engine")
	assert.True(t, changed)
	assert.Error(t, err)
	assert.True(t, p.Halted())
}

func TestPersistReloadRoundTrip(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, a := newPortfolio(t, store)
	ctx := context.Background()

	approve(t, p, a, opp("a", 200))
	approve(t, p, a, opp("b", 300))
	require.NoError(t, p.Settle(ctx, Settlement{IntentID: "i1", OpportunityID: "a", Status: domain.IntentConfirmed, RealizedPnL: usd(12)}))
	require.NoError(t, p.Settle(ctx, Settlement{IntentID: "i2", OpportunityID: "b", Status: domain.IntentReverted, RealizedPnL: usd(-3)}))
	approve(t, p, a, opp("c", 50))

	// a commit that fails afterwards must not be visible after reload
	store.Fail(errors.New("crash"))
	_, err := p.Commit(ctx, a.Evaluate(opp("d", 50), domain.ProfitEstimate{}, p.Snapshot(), testOracle()), opp("d", 50), domain.ProfitEstimate{}, testOracle())
	require.Error(t, err)

	want := p.Snapshot()
	reloaded, _ := newPortfolio(t, store)
	got := reloaded.Snapshot()

	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.OpenExposure.String(), got.OpenExposure.String())
	assert.Equal(t, want.DailyPnL.String(), got.DailyPnL.String())
	assert.Equal(t, want.DailyLoss.String(), got.DailyLoss.String())
	assert.Equal(t, want.ConsecutiveLosses, got.ConsecutiveLosses)
	assert.Equal(t, want.LossCount, got.LossCount)
	assert.Equal(t, "i2", got.LastOutcomeID)
	assert.Equal(t, usd(100).String(), got.OpenExposure.String())
	assert.Equal(t, usd(100).String(), got.AssetExposure["USDC"].String())
	require.Contains(t, got.Positions, "c")
	assert.True(t, want.Limits.Equal(got.Limits))
}

func TestUpdateLimitsAndRolloverAreIdempotent(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, _ := newPortfolio(t, store)
	ctx := context.Background()

	l := limits()
	l.MaxTradeSize = usd(5)
	changed, err := p.UpdateLimits(ctx, l, "ops")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = p.UpdateLimits(ctx, l, "ops")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = p.Rollover(ctx, t0)
	require.NoError(t, err)
	assert.False(t, changed, "same day")
	changed, err = p.Rollover(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2026-03-02", p.Snapshot().Day)

	kinds := []domain.JournalKind{}
	for _, e := range store.Journal() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.JournalKind{domain.JournalLimits, domain.JournalRollover}, kinds)
}

func TestReconcileReleasesOrphanedPositions(t *testing.T) {
	store := memory.NewPortfolioStore()
	p, a := newPortfolio(t, store)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		approve(t, p, a, opp(id, 50))
	}
	require.Equal(t, usd(400).String(), p.Snapshot().OpenExposure.String())

	intents := memory.NewIntentStore()
	for _, in := range []domain.ExecutionIntent{
		{ID: "a1", Version: 1, OpportunityID: "a", Status: domain.IntentExpired, SubmissionDeadline: t0.Add(time.Minute)},
		{ID: "a2", Version: 2, OpportunityID: "a", Status: domain.IntentConfirmed, SubmissionDeadline: t0.Add(time.Minute)},
		{ID: "c1", Version: 1, OpportunityID: "c", Status: domain.IntentSubmitted, SubmissionDeadline: t0.Add(time.Minute)},
		{ID: "d1", Version: 1, OpportunityID: "d", Status: domain.IntentBuilt, SubmissionDeadline: t0.Add(-time.Minute)},
	} {
		require.NoError(t, intents.Insert(ctx, in))
	}

	released, err := p.Reconcile(ctx, intents)
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	reloaded, _ := newPortfolio(t, store)
	got := reloaded.Snapshot()
	assert.Equal(t, usd(100).String(), got.OpenExposure.String())
	require.Len(t, got.Positions, 1)
	assert.Contains(t, got.Positions, "c", "a submitted intent inside its window stays open")
	assert.Equal(t, 0, got.DailyPnL.Sign())

	reasons := map[string]any{}
	for _, entry := range store.Journal() {
		if entry.Kind == domain.JournalOutcome {
			reasons[entry.RefID] = entry.Detail["reason"]
		}
	}
	assert.Equal(t, map[string]any{"a": "intent_terminal", "b": "no_intent", "d": "intent_stale"}, reasons)

	released, err = reloaded.Reconcile(ctx, intents)
	require.NoError(t, err)
	assert.Zero(t, released)
}
