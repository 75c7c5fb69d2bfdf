package detector

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

const pairABIJSON = `[
 {"anonymous":false,"name":"Sync","type":"event","inputs":[
  {"indexed":false,"name":"reserve0","type":"uint112"},
  {"indexed":false,"name":"reserve1","type":"uint112"}]}
]`

const lendingABIJSON = `[
 {"anonymous":false,"name":"PositionUpdated","type":"event","inputs":[
  {"indexed":true,"name":"borrower","type":"address"},
  {"indexed":false,"name":"collateralAsset","type":"address"},
  {"indexed":false,"name":"debtAsset","type":"address"},
  {"indexed":false,"name":"collateralAmount","type":"uint256"},
  {"indexed":false,"name":"debtAmount","type":"uint256"}]}
]`

const routerABIJSON = `[
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[
  {"name":"amountIn","type":"uint256"},
  {"name":"amountOutMin","type":"uint256"},
  {"name":"path","type":"address[]"},
  {"name":"to","type":"address"},
  {"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[
  {"name":"amountOutMin","type":"uint256"},
  {"name":"path","type":"address[]"},
  {"name":"to","type":"address"},
  {"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	pairABI    = mustABI(pairABIJSON)
	lendingABI = mustABI(lendingABIJSON)
	routerABI  = mustABI(routerABIJSON)

	// SyncTopic is the topic0 of a V2 pair Sync event.
	SyncTopic = pairABI.Events["Sync"].ID
	// PositionUpdatedTopic is the topic0 of a lending position update.
	PositionUpdatedTopic = lendingABI.Events["PositionUpdated"].ID
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("detector: parse abi: %v", err))
	}
	return parsed
}

var errNotMatched = errors.New("detector: log does not match")

// PoolABI returns the V2 pair ABI, for encoding fixtures and calls.
func PoolABI() abi.ABI { return pairABI }

// LendingABI returns the lending position ABI.
func LendingABI() abi.ABI { return lendingABI }

// RouterABI returns the V2 router ABI.
func RouterABI() abi.ABI { return routerABI }

// Reserves are a constant-product pool's balances.
type Reserves struct {
	R0    *big.Int `json:"reserve0"`
	R1    *big.Int `json:"reserve1"`
	Block uint64   `json:"block"`
}

func decodeSync(l domain.Log) (Reserves, error) {
	if len(l.Topics) == 0 || l.Topics[0] != SyncTopic {
		return Reserves{}, errNotMatched
	}
	vals, err := pairABI.Unpack("Sync", l.Data)
	if err != nil {
		return Reserves{}, fmt.Errorf("%w: sync: %v", domain.ErrMalformedEvent, err)
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return Reserves{}, fmt.Errorf("%w: sync field types", domain.ErrMalformedEvent)
	}
	return Reserves{R0: r0, R1: r1}, nil
}

type positionUpdate struct {
	Borrower         common.Address
	CollateralAsset  common.Address
	DebtAsset        common.Address
	CollateralAmount *big.Int
	DebtAmount       *big.Int
}

func decodePosition(l domain.Log) (positionUpdate, error) {
	if len(l.Topics) < 2 || l.Topics[0] != PositionUpdatedTopic {
		return positionUpdate{}, errNotMatched
	}
	vals, err := lendingABI.Unpack("PositionUpdated", l.Data)
	if err != nil || len(vals) != 4 {
		return positionUpdate{}, fmt.Errorf("%w: position update: %v", domain.ErrMalformedEvent, err)
	}
	p := positionUpdate{Borrower: common.BytesToAddress(l.Topics[1].Bytes())}
	var ok [4]bool
	p.CollateralAsset, ok[0] = vals[0].(common.Address)
	p.DebtAsset, ok[1] = vals[1].(common.Address)
	p.CollateralAmount, ok[2] = vals[2].(*big.Int)
	p.DebtAmount, ok[3] = vals[3].(*big.Int)
	if !ok[0] || !ok[1] || !ok[2] || !ok[3] {
		return positionUpdate{}, fmt.Errorf("%w: position update field types", domain.ErrMalformedEvent)
	}
	return p, nil
}

type routerSwap struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
}

func decodeRouterSwap(tx domain.RawTransaction) (routerSwap, error) {
	if len(tx.Input) < 4 {
		return routerSwap{}, errNotMatched
	}
	m, err := routerABI.MethodById(tx.Input[:4])
	if err != nil {
		return routerSwap{}, errNotMatched
	}
	vals, err := m.Inputs.Unpack(tx.Input[4:])
	if err != nil {
		return routerSwap{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, m.Name, err)
	}
	var s routerSwap
	var ok1, ok2 bool
	switch m.Name {
	case "swapExactTokensForTokens":
		var ok0 bool
		s.AmountIn, ok0 = vals[0].(*big.Int)
		s.AmountOutMin, ok1 = vals[1].(*big.Int)
		s.Path, ok2 = vals[2].([]common.Address)
		ok1 = ok1 && ok0
	case "swapExactETHForTokens":
		s.AmountIn = tx.Value
		s.AmountOutMin, ok1 = vals[0].(*big.Int)
		s.Path, ok2 = vals[1].([]common.Address)
	default:
		return routerSwap{}, errNotMatched
	}
	if !ok1 || !ok2 || s.AmountIn == nil || s.AmountIn.Sign() <= 0 {
		return routerSwap{}, fmt.Errorf("%w: %s arguments", domain.ErrMalformedEvent, m.Name)
	}
	return s, nil
}
