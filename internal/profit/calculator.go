// Package profit turns a detected opportunity into a ProfitEstimate using a
// simulation collaborator. All arithmetic is integer, in minimal units.
package profit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// MaxConfidenceBps is the confidence of a successful simulation on fresh data.
const MaxConfidenceBps = 10_000

// Simulator executes an opportunity off-chain. OutputAmounts are per hop; the
// last entry is what returns to the engine in the profit token, so
// last - Notional is the simulated gross.
type Simulator interface {
	Simulate(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error)
}

// Config tunes the Calculator.
type Config struct {
	MinNetProfit    *big.Int
	PriorityTip     *big.Int
	StaleAfter      time.Duration
	SimulateTimeout time.Duration
}

// Calculator estimates net profit. It holds no mutable state and is safe for
// concurrent use by the worker pool.
type Calculator struct {
	cfg Config
	sim Simulator
	now func() time.Time
}

// NewCalculator creates a Calculator.
func NewCalculator(cfg Config, sim Simulator) *Calculator {
	if cfg.MinNetProfit == nil {
		cfg.MinNetProfit = new(big.Int)
	}
	if cfg.PriorityTip == nil {
		cfg.PriorityTip = new(big.Int)
	}
	return &Calculator{cfg: cfg, sim: sim, now: time.Now}
}

// Estimate simulates opp and derives its ProfitEstimate with
//
//	net = gross - gas_cost - slippage
//
// Discards are returned as errors carrying a lifecycle reason; the estimate
// is still returned when one was computed.
func (c *Calculator) Estimate(ctx context.Context, opp domain.Opportunity, baseFee *big.Int, oracle *domain.OracleSnapshot) (domain.ProfitEstimate, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProfitEstimate{}, expired(err)
	}

	confidence, err := c.confidence(opp, oracle)
	if err != nil {
		return domain.ProfitEstimate{}, err
	}

	simCtx := ctx
	if c.cfg.SimulateTimeout > 0 {
		var cancel context.CancelFunc
		simCtx, cancel = context.WithTimeout(ctx, c.cfg.SimulateTimeout)
		defer cancel()
	}
	res, err := c.sim.Simulate(simCtx, opp)
	if ctx.Err() != nil {
		return domain.ProfitEstimate{}, expired(ctx.Err())
	}
	if err != nil {
		return domain.ProfitEstimate{}, domain.WithReason(domain.ReasonSimulationFailed,
			domain.E(domain.KindDataIntegrity, "profit.simulate", fmt.Errorf("%w: %v", domain.ErrSimulationFailed, err)))
	}
	if !res.Success {
		return domain.ProfitEstimate{}, domain.WithReason(domain.ReasonSimulationFailed,
			domain.E(domain.KindDataIntegrity, "profit.simulate", fmt.Errorf("%w: %s", domain.ErrSimulationFailed, res.RevertReason)))
	}

	est := Compute(opp, res, baseFee, c.cfg.PriorityTip)
	est.ConfidenceBps = confidence
	est.ComputedAt = c.now()

	if est.NetProfit.Cmp(c.cfg.MinNetProfit) <= 0 {
		return est, domain.WithReason(domain.ReasonBelowThreshold,
			fmt.Errorf("%w: net %s <= %s", domain.ErrBelowThreshold, est.NetProfit, c.cfg.MinNetProfit))
	}
	return est, nil
}

// Compute is the pure profit identity over a simulation result.
func Compute(opp domain.Opportunity, res domain.SimulationResult, baseFee, tip *big.Int) domain.ProfitEstimate {
	gross := new(big.Int)
	if opp.GrossProfit != nil {
		gross.Set(opp.GrossProfit)
	}

	gasPrice := new(big.Int)
	if baseFee != nil {
		gasPrice.Add(gasPrice, baseFee)
	}
	if tip != nil {
		gasPrice.Add(gasPrice, tip)
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(res.GasUsed), gasPrice)

	slippage := new(big.Int)
	if n := len(res.OutputAmounts); n > 0 && res.OutputAmounts[n-1] != nil {
		simulated := new(big.Int).Set(res.OutputAmounts[n-1])
		if opp.Notional != nil {
			simulated.Sub(simulated, opp.Notional)
		}
		if d := new(big.Int).Sub(gross, simulated); d.Sign() > 0 {
			slippage = d
		}
	}

	net := new(big.Int).Sub(gross, gasCost)
	net.Sub(net, slippage)

	return domain.ProfitEstimate{
		OpportunityID:    opp.ID,
		GrossProfit:      gross,
		NetProfit:        net,
		GasCost:          gasCost,
		GasUsed:          res.GasUsed,
		SlippageEstimate: slippage,
	}
}

// confidence halves the score per stale dependency and refuses unreliable or
// missing ones.
func (c *Calculator) confidence(opp domain.Opportunity, oracle *domain.OracleSnapshot) (uint32, error) {
	conf := uint32(MaxConfidenceBps)
	now := c.now()
	for _, pair := range opp.Pairs {
		p, err := oracle.Lookup(opp.ChainID, pair)
		switch {
		case errors.Is(err, domain.ErrOracleUnreliable):
			return 0, domain.WithReason(domain.ReasonOracleUnreliable, domain.E(domain.KindDataIntegrity, "profit.oracle", err))
		case err != nil:
			return 0, domain.WithReason(domain.ReasonOracleMissing, domain.E(domain.KindDataIntegrity, "profit.oracle", err))
		}
		if p.Stale || (c.cfg.StaleAfter > 0 && now.Sub(p.UpdatedAt) > c.cfg.StaleAfter) {
			conf /= 2
		}
	}
	return conf, nil
}

func expired(err error) error {
	return domain.WithReason(domain.ReasonExpired, fmt.Errorf("%w: %v", domain.ErrExpired, err))
}
