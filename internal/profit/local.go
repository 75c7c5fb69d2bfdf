package profit

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/mevengine/internal/detector"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

const defaultLiquidationGas = 350_000

// ReserveSource returns the latest reserves a chain's dispatcher has seen.
type ReserveSource interface {
	Reserves(chainID uint64) detector.ReserveView
}

// GasEstimates are the fixed gas figures of the local simulator.
type GasEstimates struct {
	Arbitrage uint64
	FlashArb  uint64
	Sandwich  uint64
}

// LocalSimulator replays swap paths against the latest known reserves. It
// cannot observe contract state, so liquidation and backrun outputs are taken
// from the detector and only gas is estimated.
type LocalSimulator struct {
	registry *detector.Config
	reserves ReserveSource
	gas      GasEstimates
}

var _ Simulator = (*LocalSimulator)(nil)

// NewLocalSimulator creates a LocalSimulator.
func NewLocalSimulator(registry *detector.Config, reserves ReserveSource, gas GasEstimates) *LocalSimulator {
	return &LocalSimulator{registry: registry, reserves: reserves, gas: gas}
}

// Simulate implements Simulator.
func (s *LocalSimulator) Simulate(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SimulationResult{}, err
	}
	spec := s.registry.Chain(opp.ChainID)
	if spec == nil {
		return domain.SimulationResult{}, fmt.Errorf("profit: unknown chain %d", opp.ChainID)
	}
	if len(opp.Path) == 0 {
		return failed("empty path"), nil
	}

	switch opp.Type {
	case domain.TypeArbitrage:
		outs, err := s.swaps(spec, opp.ChainID, opp.Path[0].Amount, opp.Path)
		if err != nil {
			return failed(err.Error()), nil
		}
		return domain.SimulationResult{Success: true, OutputAmounts: outs, GasUsed: s.gas.Arbitrage}, nil

	case domain.TypeFlashArb:
		if len(opp.Path) < 4 {
			return failed("flash path without borrow and repay"), nil
		}
		loan := opp.Path[0].Amount
		repay := opp.Path[len(opp.Path)-1].Amount
		outs, err := s.swaps(spec, opp.ChainID, loan, opp.Path[1:len(opp.Path)-1])
		if err != nil {
			return failed(err.Error()), nil
		}
		fee := new(big.Int).Sub(repay, loan)
		left := new(big.Int).Sub(outs[len(outs)-1], fee)
		outs = append([]*big.Int{new(big.Int).Set(loan)}, outs...)
		outs = append(outs, left)
		return domain.SimulationResult{Success: true, OutputAmounts: outs, GasUsed: s.gas.FlashArb}, nil

	case domain.TypeLiquidation:
		gas := uint64(defaultLiquidationGas)
		if m, ok := spec.Lending[opp.Path[0].Pool]; ok && m.GasUsed > 0 {
			gas = m.GasUsed
		}
		return trusted(opp, gas), nil

	case domain.TypeSandwichProtect:
		return trusted(opp, s.gas.Sandwich), nil
	}
	return domain.SimulationResult{}, fmt.Errorf("profit: no simulation for %s", opp.Type)
}

func (s *LocalSimulator) swaps(spec *detector.ChainSpec, chainID uint64, amount *big.Int, hops []domain.PathHop) ([]*big.Int, error) {
	view := s.reserves.Reserves(chainID)
	amt := new(big.Int).Set(amount)
	outs := make([]*big.Int, 0, len(hops))
	for _, h := range hops {
		pool, ok := spec.Pools[h.Pool]
		if !ok {
			return nil, fmt.Errorf("unregistered pool %s", h.Pool.Hex())
		}
		res, ok := view.Get(h.Pool)
		if !ok {
			return nil, fmt.Errorf("no reserves for %s", h.Pool.Hex())
		}
		rIn, rOut := res.R0, res.R1
		if pool.Token0 != h.TokenIn {
			rIn, rOut = res.R1, res.R0
		}
		amt = detector.AmountOut(amt, rIn, rOut, pool.FeeBps)
		outs = append(outs, amt)
	}
	return outs, nil
}

func trusted(opp domain.Opportunity, gas uint64) domain.SimulationResult {
	out := new(big.Int)
	if opp.Notional != nil {
		out.Set(opp.Notional)
	}
	if opp.GrossProfit != nil {
		out.Add(out, opp.GrossProfit)
	}
	return domain.SimulationResult{Success: true, OutputAmounts: []*big.Int{out}, GasUsed: gas}
}

func failed(reason string) domain.SimulationResult {
	return domain.SimulationResult{Success: false, RevertReason: reason}
}
