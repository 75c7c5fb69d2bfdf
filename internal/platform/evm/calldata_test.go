package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

var (
	weth   = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	usdc   = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	poolA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	lender = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	exec   = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

func arbOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ChainID: 1,
		Type:    domain.TypeArbitrage,
		Path: []domain.PathHop{
			{Protocol: "uniswap_v2", Pool: poolA, TokenIn: weth, TokenOut: usdc, Amount: big.NewInt(1e18)},
			{Protocol: "uniswap_v2", Pool: poolB, TokenIn: usdc, TokenOut: weth, Amount: big.NewInt(3_000_000_000)},
		},
		Notional: big.NewInt(1e18),
	}
}

func TestEncodeArbitrage(t *testing.T) {
	data, err := EncodeOpportunity(arbOpportunity(), big.NewInt(42))
	require.NoError(t, err)

	m := ExecutorABI().Methods["arb"]
	assert.Equal(t, m.ID, data[:4])
	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{poolA, poolB}, args[0])
	assert.Equal(t, []common.Address{weth, usdc, weth}, args[1])
	assert.Equal(t, "1000000000000000000", args[2].(*big.Int).String())
	assert.Equal(t, int64(42), args[3].(*big.Int).Int64())
}

func TestEncodeFlashArbStripsLoanHops(t *testing.T) {
	opp := arbOpportunity()
	opp.Type = domain.TypeFlashArb
	opp.Path = append([]domain.PathHop{{Protocol: "flash_loan", Pool: lender, TokenIn: weth, TokenOut: weth, Amount: big.NewInt(1e18)}}, opp.Path...)
	opp.Path = append(opp.Path, domain.PathHop{Protocol: "flash_loan", Pool: lender, TokenIn: weth, TokenOut: weth, Amount: big.NewInt(1_000_500_000_000_000_000)})

	data, err := EncodeOpportunity(opp, nil)
	require.NoError(t, err)
	args, err := ExecutorABI().Methods["flashArb"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, lender, args[0])
	assert.Equal(t, []common.Address{poolA, poolB}, args[1])
	assert.Equal(t, "1000500000000000000", args[4].(*big.Int).String())
}

func TestEncodeBackrunCarriesRefund(t *testing.T) {
	victim := common.HexToAddress("0x000000000000000000000000000000000000beef")
	opp := arbOpportunity()
	opp.Type = domain.TypeSandwichProtect
	opp.RefundTo = &victim
	opp.RefundBps = 9000

	data, err := EncodeOpportunity(opp, big.NewInt(7))
	require.NoError(t, err)
	m := ExecutorABI().Methods["backrun"]
	assert.Equal(t, m.ID, data[:4])
	assert.Equal(t, "backrun", MethodFor(opp.Type))
	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{poolA, poolB}, args[0])
	assert.Equal(t, int64(7), args[3].(*big.Int).Int64())
	assert.Equal(t, victim, args[4])
	assert.Equal(t, uint16(9000), args[5])

	opp.RefundTo = nil
	_, err = EncodeOpportunity(opp, nil)
	assert.Error(t, err, "a backrun without a recipient would keep the refund")
	opp.RefundTo = &victim
	opp.RefundBps = 10_001
	_, err = EncodeOpportunity(opp, nil)
	assert.Error(t, err)
}

func TestEncodeRejectsBrokenRoute(t *testing.T) {
	opp := arbOpportunity()
	opp.Path[1].TokenIn = lender
	_, err := EncodeOpportunity(opp, nil)
	assert.Error(t, err)
}

type stubCaller struct {
	ret     []byte
	callErr error
	gas     uint64
}

func (s *stubCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return s.ret, s.callErr
}

func (s *stubCaller) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return s.gas, nil
}

type revertErr struct{}

func (revertErr) Error() string          { return "execution reverted: no profit" }
func (revertErr) ErrorData() interface{} { return "0x" }

func newTestSimulator(c *stubCaller) *CallSimulator {
	return &CallSimulator{
		callers:   func(uint64) (ContractCaller, error) { return c, nil },
		executors: map[uint64]common.Address{1: exec},
	}
}

func TestCallSimulatorDecodesOutputs(t *testing.T) {
	ret, err := ExecutorABI().Methods["arb"].Outputs.Pack([]*big.Int{big.NewInt(3_000_000_000), big.NewInt(1_010_000_000_000_000_000)})
	require.NoError(t, err)
	sim := newTestSimulator(&stubCaller{ret: ret, gas: 171_000})

	res, err := sim.Simulate(context.Background(), arbOpportunity())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(171_000), res.GasUsed)
	require.Len(t, res.OutputAmounts, 2)
	assert.Equal(t, "1010000000000000000", res.OutputAmounts[1].String())
}

func TestCallSimulatorRevertIsFailedSimulation(t *testing.T) {
	sim := newTestSimulator(&stubCaller{callErr: revertErr{}})
	res, err := sim.Simulate(context.Background(), arbOpportunity())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.RevertReason, "reverted")

	sim = newTestSimulator(&stubCaller{callErr: errors.New("connection reset")})
	_, err = sim.Simulate(context.Background(), arbOpportunity())
	require.Error(t, err)
	assert.Equal(t, domain.KindTransientIO, domain.KindOf(err))
}
