package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// executorABIJSON describes the on-chain executor contract every bundle
// calls. Each entry point reverts unless it ends with at least minProfit of
// the native token and returns the per-hop output amounts. backrun pays
// refundBps of the profit to refundTo first; minProfit applies to the rest.
const executorABIJSON = `[
 {"name":"arb","type":"function","stateMutability":"nonpayable","inputs":[
  {"name":"pools","type":"address[]"},
  {"name":"tokens","type":"address[]"},
  {"name":"amountIn","type":"uint256"},
  {"name":"minProfit","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"backrun","type":"function","stateMutability":"nonpayable","inputs":[
  {"name":"pools","type":"address[]"},
  {"name":"tokens","type":"address[]"},
  {"name":"amountIn","type":"uint256"},
  {"name":"minProfit","type":"uint256"},
  {"name":"refundTo","type":"address"},
  {"name":"refundBps","type":"uint16"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"flashArb","type":"function","stateMutability":"nonpayable","inputs":[
  {"name":"lender","type":"address"},
  {"name":"pools","type":"address[]"},
  {"name":"tokens","type":"address[]"},
  {"name":"loan","type":"uint256"},
  {"name":"repay","type":"uint256"},
  {"name":"minProfit","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"liquidate","type":"function","stateMutability":"nonpayable","inputs":[
  {"name":"market","type":"address"},
  {"name":"borrower","type":"address"},
  {"name":"collateral","type":"address"},
  {"name":"debt","type":"address"},
  {"name":"repay","type":"uint256"},
  {"name":"minProfit","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var executorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: parse executor abi: %v", err))
	}
	return parsed
}()

// ExecutorABI returns the executor contract ABI.
func ExecutorABI() abi.ABI { return executorABI }

// EncodeOpportunity packs the executor call for opp. minProfit is the floor
// below which the contract must revert.
func EncodeOpportunity(opp domain.Opportunity, minProfit *big.Int) ([]byte, error) {
	if minProfit == nil {
		minProfit = new(big.Int)
	}
	switch opp.Type {
	case domain.TypeArbitrage:
		pools, tokens, err := swapRoute(opp.Path)
		if err != nil {
			return nil, err
		}
		return executorABI.Pack("arb", pools, tokens, opp.Path[0].Amount, minProfit)

	case domain.TypeSandwichProtect:
		if opp.RefundTo == nil || opp.RefundBps > 10_000 {
			return nil, fmt.Errorf("evm: backrun needs a refund recipient and at most 10000 bps")
		}
		pools, tokens, err := swapRoute(opp.Path)
		if err != nil {
			return nil, err
		}
		return executorABI.Pack("backrun", pools, tokens, opp.Path[0].Amount, minProfit, *opp.RefundTo, uint16(opp.RefundBps))

	case domain.TypeFlashArb:
		if len(opp.Path) < 4 {
			return nil, fmt.Errorf("evm: flash path needs borrow, swaps and repay, got %d hops", len(opp.Path))
		}
		borrow, repay := opp.Path[0], opp.Path[len(opp.Path)-1]
		pools, tokens, err := swapRoute(opp.Path[1 : len(opp.Path)-1])
		if err != nil {
			return nil, err
		}
		return executorABI.Pack("flashArb", borrow.Pool, pools, tokens, borrow.Amount, repay.Amount, minProfit)

	case domain.TypeLiquidation:
		if len(opp.Path) < 2 {
			return nil, fmt.Errorf("evm: liquidation path needs repay and seize hops")
		}
		repay, seize := opp.Path[0], opp.Path[1]
		return executorABI.Pack("liquidate", repay.Pool, seize.Pool, repay.TokenOut, repay.TokenIn, repay.Amount, minProfit)
	}
	return nil, fmt.Errorf("evm: no executor call for %s", opp.Type)
}

// DecodeAmounts unpacks the per-hop outputs returned by an executor call.
func DecodeAmounts(method string, ret []byte) ([]*big.Int, error) {
	vals, err := executorABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("evm: %s returned %d values", method, len(vals))
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s returned %T", method, vals[0])
	}
	return amounts, nil
}

// MethodFor names the executor entry point used for typ.
func MethodFor(typ domain.OpportunityType) string {
	switch typ {
	case domain.TypeFlashArb:
		return "flashArb"
	case domain.TypeLiquidation:
		return "liquidate"
	case domain.TypeSandwichProtect:
		return "backrun"
	}
	return "arb"
}

func swapRoute(hops []domain.PathHop) ([]common.Address, []common.Address, error) {
	if len(hops) == 0 {
		return nil, nil, fmt.Errorf("evm: empty swap route")
	}
	pools := make([]common.Address, len(hops))
	tokens := make([]common.Address, 0, len(hops)+1)
	tokens = append(tokens, hops[0].TokenIn)
	for i, h := range hops {
		if h.TokenIn != tokens[len(tokens)-1] {
			return nil, nil, fmt.Errorf("evm: hop %d does not continue the route", i)
		}
		pools[i] = h.Pool
		tokens = append(tokens, h.TokenOut)
	}
	return pools, tokens, nil
}
