package detector

import (
	"encoding/json"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/config"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	poolA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	market = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	lender = common.HexToAddress("0x000000000000000000000000000000000000f1a5")

	eth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func units(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func testConfig(t *testing.T, inventory *big.Int) *Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Detector.InventoryLimit = config.Amount{}
	require.NoError(t, cfg.Detector.InventoryLimit.UnmarshalText([]byte(inventory.String())))
	cfg.Chains = []config.ChainConfig{{
		ID:            1,
		Name:          "mainnet",
		NativeSymbol:  "ETH",
		WrappedNative: "WETH",
		USDPair:       "ETH/USD",
		FlashLender:   lender.Hex(),
		Tokens: []config.TokenConfig{
			{Symbol: "WETH", Address: weth.Hex(), Decimals: 18},
			{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6},
		},
		Pools: []config.PoolConfig{
			{Address: poolA.Hex(), Protocol: "uniswap_v2", Token0: "USDC", Token1: "WETH", FeeBps: 30},
			{Address: poolB.Hex(), Protocol: "sushiswap", Token0: "USDC", Token1: "WETH", FeeBps: 30},
		},
		Lending: []config.LendingConfig{{
			Protocol: "aave_v3", Address: market.Hex(),
			ThresholdBps: 8000, BonusBps: 500, CloseFactorBps: 5000, EstimatedGasUsed: 400_000,
		}},
		Routers: []string{router.Hex()},
	}}
	dc, err := BuildConfig(cfg)
	require.NoError(t, err)
	return dc
}

func syncLog(t *testing.T, pool common.Address, r0, r1 *big.Int) domain.Log {
	t.Helper()
	data, err := PoolABI().Events["Sync"].Inputs.NonIndexed().Pack(r0, r1)
	require.NoError(t, err)
	return domain.Log{Address: pool, Topics: []common.Hash{SyncTopic}, Data: data}
}

func blockEvent(logs ...domain.Log) domain.ChainEvent {
	return domain.ChainEvent{
		ChainID:     1,
		Kind:        domain.EventBlock,
		Ref:         "0xabc:100",
		BlockNumber: 100,
		Timestamp:   t0,
		BaseFee:     big.NewInt(20_000_000_000),
		Transactions: []domain.RawTransaction{{
			Hash: common.HexToHash("0x01"),
			Logs: logs,
		}},
	}
}

// gapEvent puts WETH at 3000 USDC on pool A and 3100 on pool B.
func gapEvent(t *testing.T) domain.ChainEvent {
	return blockEvent(
		syncLog(t, poolA, units(300_000, 6), units(100, 18)),
		syncLog(t, poolB, units(310_000, 6), units(100, 18)),
	)
}

func detect(t *testing.T, cfg *Config, ev domain.ChainEvent, oracle *domain.OracleSnapshot) []domain.Opportunity {
	t.Helper()
	table, err := NewTable(cfg)
	require.NoError(t, err)
	book := NewReserveBook(cfg.Chain(ev.ChainID))
	view := book.Apply(ev)
	return table.Detect(ev, Snapshot{Oracle: oracle, Reserves: view})
}

func byType(opps []domain.Opportunity, typ domain.OpportunityType) []domain.Opportunity {
	var out []domain.Opportunity
	for _, o := range opps {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

func TestArbitrageBuysCheapSellsDear(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	opps := detect(t, cfg, gapEvent(t), nil)

	arbs := byType(opps, domain.TypeArbitrage)
	require.Len(t, arbs, 1)
	o := arbs[0]
	assert.Equal(t, domain.OppDetected, o.Status)
	require.Len(t, o.Path, 2)
	assert.Equal(t, poolB, o.Path[0].Pool, "WETH sells dearer on B")
	assert.Equal(t, weth, o.Path[0].TokenIn)
	assert.Equal(t, poolA, o.Path[1].Pool)
	assert.Equal(t, weth, o.Path[1].TokenOut)
	assert.Positive(t, o.GrossProfit.Sign())
	assert.Equal(t, "USDC", o.Asset)
	assert.Equal(t, []string{"ETH/USD"}, o.Pairs)
	assert.Equal(t, t0.Add(cfg.Expiry), o.ExpiryDeadline)

	// gross is exactly the round trip through the integer pool math
	mid := AmountOut(o.Path[0].Amount, units(100, 18), units(310_000, 6), 30)
	back := AmountOut(mid, units(300_000, 6), units(100, 18), 30)
	assert.Equal(t, new(big.Int).Sub(back, o.Path[0].Amount).String(), o.GrossProfit.String())
	assert.Equal(t, mid.String(), o.Path[1].Amount.String())
}

func TestOptimalInputIsALocalMaximum(t *testing.T) {
	buy := leg{in: units(100, 18), out: units(310_000, 6), feeBps: 30}
	sell := leg{in: units(300_000, 6), out: units(100, 18), feeBps: 30}
	x := optimalInput(buy, sell)
	require.NotNil(t, x)

	profit := func(v *big.Int) *big.Int {
		out, _ := roundTrip(v, buy, sell)
		return out.Sub(out, v)
	}
	step := new(big.Int).Quo(eth, big.NewInt(100))
	best := profit(x)
	assert.GreaterOrEqual(t, best.Cmp(profit(new(big.Int).Sub(x, step))), 0)
	assert.GreaterOrEqual(t, best.Cmp(profit(new(big.Int).Add(x, step))), 0)

	assert.Nil(t, optimalInput(reversed(sell), reversed(buy)), "wrong direction is never profitable")
}

func TestNoOpportunityWithoutGap(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	ev := blockEvent(
		syncLog(t, poolA, units(300_000, 6), units(100, 18)),
		syncLog(t, poolB, units(300_000, 6), units(100, 18)),
	)
	assert.Empty(t, detect(t, cfg, ev, nil))
}

func TestFlashArbSupersedesInventoryArbitrage(t *testing.T) {
	cfg := testConfig(t, new(big.Int).Quo(eth, big.NewInt(10)))
	opps := detect(t, cfg, gapEvent(t), nil)
	require.Len(t, opps, 2)

	var winner, loser domain.Opportunity
	for _, o := range opps {
		if o.Status == domain.OppDetected {
			winner = o
		} else {
			loser = o
		}
	}
	assert.Equal(t, domain.TypeFlashArb, winner.Type)
	assert.Equal(t, domain.OppSuperseded, loser.Status)
	assert.Equal(t, "superseded_by:"+winner.ID, loser.StatusReason)
	assert.Equal(t, winner.StateKey, loser.StateKey)
	assert.Greater(t, winner.GrossProfit.Cmp(loser.GrossProfit), 0)

	require.Len(t, winner.Path, 4)
	assert.Equal(t, lender, winner.Path[0].Pool)
	assert.Equal(t, winner.Path[0].Amount.String(), winner.Path[1].Amount.String())
	fee := new(big.Int).Sub(winner.Path[3].Amount, winner.Path[0].Amount)
	assert.Equal(t, ceilBps(winner.Path[0].Amount, cfg.FlashLoanFeeBps).String(), fee.String())
}

func TestDetectIsDeterministic(t *testing.T) {
	cfg := testConfig(t, new(big.Int).Quo(eth, big.NewInt(10)))
	first, err := json.Marshal(detect(t, cfg, gapEvent(t), nil))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := json.Marshal(detect(t, cfg, gapEvent(t), nil))
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}

	var opps []domain.Opportunity
	require.NoError(t, json.Unmarshal(first, &opps))
	assert.True(t, sort.SliceIsSorted(opps, func(i, j int) bool { return opps[i].ID < opps[j].ID }))
}

func TestResolveTieKeepsLowerID(t *testing.T) {
	opps := []domain.Opportunity{
		{ID: "0xbb", ChainID: 1, StateKey: "k", GrossProfit: big.NewInt(100), Status: domain.OppDetected},
		{ID: "0xaa", ChainID: 1, StateKey: "k", GrossProfit: big.NewInt(100), Status: domain.OppDetected},
		{ID: "0xcc", ChainID: 2, StateKey: "k", GrossProfit: big.NewInt(1), Status: domain.OppDetected},
	}
	Resolve(opps)
	assert.Equal(t, domain.OppSuperseded, opps[0].Status)
	assert.Equal(t, "superseded_by:0xaa", opps[0].StatusReason)
	assert.Equal(t, domain.OppDetected, opps[1].Status)
	assert.Equal(t, domain.OppDetected, opps[2].Status, "other chain is a different state")
}

func TestOpportunityIDDependsOnContent(t *testing.T) {
	a := domain.Opportunity{ChainID: 1, Type: domain.TypeArbitrage, SourceRef: "r", StateKey: "k",
		Path: []domain.PathHop{{Protocol: "p", Pool: poolA, Amount: big.NewInt(5)}}}
	b := a
	b.Path = []domain.PathHop{{Protocol: "p", Pool: poolA, Amount: big.NewInt(6)}}
	c := a
	c.ChainID = 2
	assert.Equal(t, OpportunityID(&a), OpportunityID(&a))
	assert.NotEqual(t, OpportunityID(&a), OpportunityID(&b))
	assert.NotEqual(t, OpportunityID(&a), OpportunityID(&c))
	assert.Len(t, OpportunityID(&a), 66)
}

func positionLog(t *testing.T, borrower common.Address, coll, debt *big.Int) domain.Log {
	t.Helper()
	data, err := LendingABI().Events["PositionUpdated"].Inputs.NonIndexed().Pack(weth, usdc, coll, debt)
	require.NoError(t, err)
	return domain.Log{
		Address: market,
		Topics:  []common.Hash{PositionUpdatedTopic, common.BytesToHash(borrower.Bytes())},
		Data:    data,
	}
}

func liquidationOracle(unreliable bool) *domain.OracleSnapshot {
	return domain.NewOracleSnapshot(1, t0, []domain.PairPrice{
		{ChainID: 1, Pair: "WETH/USDC", Value: decimal.NewFromInt(3000), Scaled: units(3000, 6), QuoteDecimals: 6, Unreliable: unreliable},
		{ChainID: 1, Pair: "USDC/ETH", Scaled: big.NewInt(333_333_333_333_333), QuoteDecimals: 18},
	})
}

func TestLiquidationOfUnhealthyPosition(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	borrower := common.HexToAddress("0x00000000000000000000000000000000000b0b01")
	ev := blockEvent(
		positionLog(t, borrower, units(1, 18), units(1000, 6)),
		positionLog(t, borrower, units(1, 18), units(2900, 6)),
	)

	opps := detect(t, cfg, ev, liquidationOracle(false))
	require.Len(t, opps, 1, "last update per position wins")
	o := opps[0]
	assert.Equal(t, domain.TypeLiquidation, o.Type)
	assert.Equal(t, units(1450, 6).String(), o.Path[0].Amount.String(), "close factor 50%")
	assert.Equal(t, "507500000000000000", o.Path[1].Amount.String(), "seize repay plus 5% bonus")
	// 72.5 USDC profit in wei at 1/3000
	assert.Equal(t, "24166666666666642", o.GrossProfit.String())
	assert.Equal(t, []string{"WETH/USDC", "USDC/ETH", "ETH/USD"}, o.Pairs)
	assert.Equal(t, "WETH", o.Asset)
}

func TestHealthyPositionIgnored(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	ev := blockEvent(positionLog(t, common.HexToAddress("0xb0b"), units(1, 18), units(1000, 6)))
	assert.Empty(t, detect(t, cfg, ev, liquidationOracle(false)))
	assert.Empty(t, detect(t, cfg, ev, nil), "no price, no guess")
}

func TestUnreliablePriceStillSurfacesForRejection(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	ev := blockEvent(positionLog(t, common.HexToAddress("0xb0b"), units(1, 18), units(2900, 6)))
	opps := detect(t, cfg, ev, liquidationOracle(true))
	require.Len(t, opps, 1)
	assert.Contains(t, opps[0].Pairs, "WETH/USDC")
}

func TestSandwichProtectBackrun(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	table, err := NewTable(cfg)
	require.NoError(t, err)
	book := NewReserveBook(cfg.Chain(1))
	book.Apply(blockEvent(
		syncLog(t, poolA, units(300_000, 6), units(100, 18)),
		syncLog(t, poolB, units(300_000, 6), units(100, 18)),
	))

	input, err := RouterABI().Pack("swapExactETHForTokens",
		big.NewInt(0), []common.Address{weth, usdc}, common.HexToAddress("0x1234"), big.NewInt(t0.Unix()+60))
	require.NoError(t, err)
	victim := domain.RawTransaction{
		Hash:    common.HexToHash("0xfeed"),
		From:    common.HexToAddress("0x1234"),
		To:      &router,
		Value:   units(10, 18),
		Input:   input,
		Encoded: []byte{0x02, 0xaa},
	}
	ev := domain.ChainEvent{ChainID: 1, Kind: domain.EventPending, Ref: "mempool", Timestamp: t0,
		Transactions: []domain.RawTransaction{victim}}

	opps := table.Detect(ev, Snapshot{Reserves: book.Apply(ev)})
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, domain.TypeSandwichProtect, o.Type)
	require.NotNil(t, o.TargetTx)
	assert.Equal(t, victim.Hash, *o.TargetTx)
	assert.Equal(t, []byte(victim.Encoded), []byte(o.TargetRawTx))
	require.NotNil(t, o.RefundTo)
	assert.Equal(t, victim.From, *o.RefundTo, "the swapper is refunded")
	assert.Equal(t, uint32(9000), o.RefundBps)
	assert.Equal(t, poolB, o.Path[0].Pool, "buy USDC back where it is still cheap")
	assert.Equal(t, poolA, o.Path[1].Pool)

	// engine keeps 10% of the backrun
	out, _ := roundTrip(o.Path[0].Amount,
		leg{in: units(100, 18), out: units(300_000, 6), feeBps: 30},
		orient(poolRef{cfg.Chain(1).Pools[poolA], afterVictim(t)}, usdc))
	profit := out.Sub(out, o.Path[0].Amount)
	refund := new(big.Int).Quo(new(big.Int).Mul(profit, big.NewInt(90)), big.NewInt(100))
	assert.Equal(t, new(big.Int).Sub(profit, refund).String(), o.GrossProfit.String())
}

func afterVictim(t *testing.T) Reserves {
	t.Helper()
	in := units(10, 18)
	out := AmountOut(in, units(100, 18), units(300_000, 6), 30)
	return Reserves{R0: new(big.Int).Sub(units(300_000, 6), out), R1: new(big.Int).Add(units(100, 18), in)}
}

func TestPendingSwapWithTightSlippageIgnored(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	table, err := NewTable(cfg)
	require.NoError(t, err)
	book := NewReserveBook(cfg.Chain(1))
	book.Apply(gapEvent(t))

	expected := AmountOut(units(1, 16), units(100, 18), units(300_000, 6), 30)
	input, err := RouterABI().Pack("swapExactETHForTokens",
		expected, []common.Address{weth, usdc}, common.HexToAddress("0x1234"), big.NewInt(0))
	require.NoError(t, err)
	ev := domain.ChainEvent{ChainID: 1, Kind: domain.EventPending, Ref: "mempool", Timestamp: t0,
		Transactions: []domain.RawTransaction{{Hash: common.HexToHash("0x02"), To: &router, Value: units(1, 16), Input: input}}}
	assert.Empty(t, table.Detect(ev, Snapshot{Reserves: book.View()}))
}

func TestReserveBookViewsAreImmutable(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	book := NewReserveBook(cfg.Chain(1))
	v1 := book.Apply(blockEvent(syncLog(t, poolA, big.NewInt(1), big.NewInt(2))))
	v2 := book.Apply(blockEvent(syncLog(t, poolA, big.NewInt(3), big.NewInt(4))))

	r1, ok := v1.Get(poolA)
	require.True(t, ok)
	assert.Equal(t, int64(1), r1.R0.Int64())
	r2, _ := v2.Get(poolA)
	assert.Equal(t, int64(3), r2.R0.Int64())
	assert.Equal(t, uint64(100), r2.Block)

	_, ok = v2.Get(poolB)
	assert.False(t, ok)
}

func TestUnknownChainYieldsNothing(t *testing.T) {
	cfg := testConfig(t, units(5, 18))
	ev := gapEvent(t)
	ev.ChainID = 99
	table, err := NewTable(cfg)
	require.NoError(t, err)
	assert.Nil(t, table.Detect(ev, Snapshot{}))
}
