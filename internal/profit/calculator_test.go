package profit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/config"
	"github.com/alanyoungcy/mevengine/internal/detector"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSim struct {
	res   domain.SimulationResult
	err   error
	calls int
}

func (s *stubSim) Simulate(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error) {
	s.calls++
	return s.res, s.err
}

func opportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:             "0x01",
		ChainID:        1,
		Type:           domain.TypeArbitrage,
		GrossProfit:    big.NewInt(10_000_000),
		Notional:       big.NewInt(1_000_000_000),
		Pairs:          []string{"ETH/USD"},
		DetectedAt:     t0,
		ExpiryDeadline: t0.Add(2 * time.Second),
	}
}

func oracle(stale, unreliable bool, updated time.Time) *domain.OracleSnapshot {
	return domain.NewOracleSnapshot(1, t0, []domain.PairPrice{{
		ChainID: 1, Pair: "ETH/USD", Scaled: big.NewInt(3000_000000), QuoteDecimals: 6,
		UpdatedAt: updated, Stale: stale, Unreliable: unreliable,
	}})
}

func newCalc(sim Simulator, minNet int64) *Calculator {
	c := NewCalculator(Config{
		MinNetProfit: big.NewInt(minNet),
		PriorityTip:  big.NewInt(2),
		StaleAfter:   30 * time.Second,
	}, sim)
	c.now = func() time.Time { return t0 }
	return c
}

func TestNetProfitIdentity(t *testing.T) {
	// simulated output short of gross by 1_500 -> slippage
	sim := &stubSim{res: domain.SimulationResult{
		Success:       true,
		GasUsed:       100_000,
		OutputAmounts: []*big.Int{big.NewInt(5), big.NewInt(1_000_000_000 + 10_000_000 - 1_500)},
	}}
	c := newCalc(sim, 0)
	opp := opportunity()

	est, err := c.Estimate(context.Background(), opp, big.NewInt(8), oracle(false, false, t0))
	require.NoError(t, err)
	assert.Equal(t, "1000000", est.GasCost.String(), "100k gas at base 8 + tip 2")
	assert.Equal(t, "1500", est.SlippageEstimate.String())

	want := new(big.Int).Sub(opp.GrossProfit, est.GasCost)
	want.Sub(want, est.SlippageEstimate)
	assert.Equal(t, want.String(), est.NetProfit.String())
	assert.Equal(t, uint32(MaxConfidenceBps), est.ConfidenceBps)

	for i := 0; i < 50; i++ {
		again, err := c.Estimate(context.Background(), opp, big.NewInt(8), oracle(false, false, t0))
		require.NoError(t, err)
		require.Equal(t, est, again)
	}
	assert.Equal(t, "10000000", opp.GrossProfit.String(), "input untouched")
}

func TestSimulationBeatingGrossHasNoSlippage(t *testing.T) {
	res := domain.SimulationResult{Success: true, OutputAmounts: []*big.Int{big.NewInt(2_000_000_000)}}
	est := Compute(opportunity(), res, nil, nil)
	assert.Zero(t, est.SlippageEstimate.Sign())
	assert.Zero(t, est.GasCost.Sign())
	assert.Equal(t, "10000000", est.NetProfit.String())
}

func TestBelowThresholdDiscarded(t *testing.T) {
	sim := &stubSim{res: domain.SimulationResult{Success: true, GasUsed: 1_000_000,
		OutputAmounts: []*big.Int{big.NewInt(1_010_000_000)}}}
	c := newCalc(sim, 0)
	est, err := c.Estimate(context.Background(), opportunity(), big.NewInt(10), oracle(false, false, t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBelowThreshold)
	assert.Equal(t, domain.ReasonBelowThreshold, domain.ReasonOf(err))
	assert.Equal(t, "-2000000", est.NetProfit.String(), "estimate returned with the discard")

	// net equal to the minimum is also discarded
	c = newCalc(sim, -2_000_000)
	_, err = c.Estimate(context.Background(), opportunity(), big.NewInt(10), oracle(false, false, t0))
	assert.ErrorIs(t, err, domain.ErrBelowThreshold)
}

func TestStalePairHalvesConfidence(t *testing.T) {
	sim := &stubSim{res: domain.SimulationResult{Success: true, OutputAmounts: []*big.Int{big.NewInt(1_010_000_000)}}}
	c := newCalc(sim, 0)

	est, err := c.Estimate(context.Background(), opportunity(), nil, oracle(false, false, t0.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, uint32(5_000), est.ConfidenceBps)

	opp := opportunity()
	opp.Pairs = []string{"ETH/USD", "ETH/USD"}
	est, err = c.Estimate(context.Background(), opp, nil, oracle(true, false, t0))
	require.NoError(t, err)
	assert.Equal(t, uint32(2_500), est.ConfidenceBps)
	assert.InDelta(t, 0.25, est.Confidence(), 1e-9)
}

func TestUnreliableOrMissingOracleDiscards(t *testing.T) {
	sim := &stubSim{res: domain.SimulationResult{Success: true}}
	c := newCalc(sim, 0)

	_, err := c.Estimate(context.Background(), opportunity(), nil, oracle(false, true, t0))
	assert.ErrorIs(t, err, domain.ErrOracleUnreliable)
	assert.Equal(t, domain.ReasonOracleUnreliable, domain.ReasonOf(err))
	assert.Equal(t, domain.KindDataIntegrity, domain.KindOf(err))

	_, err = c.Estimate(context.Background(), opportunity(), nil, nil)
	assert.Equal(t, domain.ReasonOracleMissing, domain.ReasonOf(err))
	assert.Zero(t, sim.calls, "no simulation without prices")
}

func TestSimulationFailure(t *testing.T) {
	c := newCalc(&stubSim{res: domain.SimulationResult{Success: false, RevertReason: "K"}}, 0)
	_, err := c.Estimate(context.Background(), opportunity(), nil, oracle(false, false, t0))
	assert.ErrorIs(t, err, domain.ErrSimulationFailed)
	assert.Equal(t, domain.ReasonSimulationFailed, domain.ReasonOf(err))

	c = newCalc(&stubSim{err: errors.New("rpc down")}, 0)
	_, err = c.Estimate(context.Background(), opportunity(), nil, oracle(false, false, t0))
	assert.Equal(t, domain.ReasonSimulationFailed, domain.ReasonOf(err))
}

func TestCancelledContextExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim := &stubSim{}
	_, err := newCalc(sim, 0).Estimate(ctx, opportunity(), nil, oracle(false, false, t0))
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, domain.ReasonExpired, domain.ReasonOf(err))
	assert.Zero(t, sim.calls)
}

type fixedReserves struct{ view detector.ReserveView }

func (f fixedReserves) Reserves(uint64) detector.ReserveView { return f.view }

func TestLocalSimulatorReplaysSwaps(t *testing.T) {
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	poolA := common.HexToAddress("0xa1")
	poolB := common.HexToAddress("0xb2")

	cfg := config.Defaults()
	cfg.Chains = []config.ChainConfig{{
		ID: 1, NativeSymbol: "ETH", WrappedNative: weth.Hex(),
		Tokens: []config.TokenConfig{{Symbol: "WETH", Address: weth.Hex(), Decimals: 18}, {Symbol: "USDC", Address: usdc.Hex(), Decimals: 6}},
		Pools: []config.PoolConfig{
			{Address: poolA.Hex(), Token0: usdc.Hex(), Token1: weth.Hex(), FeeBps: 30},
			{Address: poolB.Hex(), Token0: usdc.Hex(), Token1: weth.Hex(), FeeBps: 30},
		},
	}}
	registry, err := detector.BuildConfig(cfg)
	require.NoError(t, err)

	e18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	view := detector.NewReserveView(map[common.Address]detector.Reserves{
		poolA: {R0: big.NewInt(300_000_000_000), R1: new(big.Int).Mul(big.NewInt(100), e18)},
		poolB: {R0: big.NewInt(310_000_000_000), R1: new(big.Int).Mul(big.NewInt(100), e18)},
	})
	sim := NewLocalSimulator(registry, fixedReserves{view}, GasEstimates{Arbitrage: 180_000})

	in := new(big.Int).Quo(e18, big.NewInt(2))
	opp := domain.Opportunity{ChainID: 1, Type: domain.TypeArbitrage, Notional: in, Path: []domain.PathHop{
		{Pool: poolB, TokenIn: weth, TokenOut: usdc, Amount: in},
		{Pool: poolA, TokenIn: usdc, TokenOut: weth},
	}}
	res, err := sim.Simulate(context.Background(), opp)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.OutputAmounts, 2)

	mid := detector.AmountOut(in, new(big.Int).Mul(big.NewInt(100), e18), big.NewInt(310_000_000_000), 30)
	assert.Equal(t, mid.String(), res.OutputAmounts[0].String())
	assert.Equal(t, uint64(180_000), res.GasUsed)
	assert.Greater(t, res.OutputAmounts[1].Cmp(in), 0, "round trip is profitable")

	opp.Path[0].Pool = common.HexToAddress("0xdead")
	res, err = sim.Simulate(context.Background(), opp)
	require.NoError(t, err)
	assert.False(t, res.Success)
}
