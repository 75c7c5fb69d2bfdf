// Package risk owns the portfolio ledger and the rules that approve, cap or
// reject opportunities against it.
package risk

import (
	"errors"
	"math/big"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// nativeDecimals is the precision of every supported chain's native token.
const nativeDecimals = 18

// Assessor applies the limit rules. Evaluate is pure: it reads the state it is
// given and returns a decision without side effects.
type Assessor struct {
	usdPairs map[uint64]string
	now      func() time.Time
}

// NewAssessor creates an Assessor. usdPairs maps a chain to the oracle pair
// that values its native token in reference units.
func NewAssessor(usdPairs map[uint64]string) *Assessor {
	m := make(map[uint64]string, len(usdPairs))
	for k, v := range usdPairs {
		m[k] = v
	}
	return &Assessor{usdPairs: m, now: time.Now}
}

// Exposure values opp's notional in reference units.
func (a *Assessor) Exposure(opp domain.Opportunity, oracle *domain.OracleSnapshot) (*big.Int, error) {
	if opp.Notional == nil {
		return new(big.Int), nil
	}
	pair, ok := a.usdPairs[opp.ChainID]
	if !ok {
		return nil, domain.ErrOracleMissing
	}
	return oracle.Convert(opp.ChainID, pair, opp.Notional, nativeDecimals)
}

// ToReference converts a native-token amount on chainID into reference units.
func (a *Assessor) ToReference(chainID uint64, amount *big.Int, oracle *domain.OracleSnapshot) (*big.Int, error) {
	pair, ok := a.usdPairs[chainID]
	if !ok {
		return nil, domain.ErrOracleMissing
	}
	return oracle.Convert(chainID, pair, amount, nativeDecimals)
}

// Evaluate decides opp against state. Rules run in a fixed order:
// halt, single-trade size, strategy exposure, daily loss, concentration.
func (a *Assessor) Evaluate(opp domain.Opportunity, est domain.ProfitEstimate, state *domain.PortfolioState, oracle *domain.OracleSnapshot) domain.RiskDecision {
	d := domain.RiskDecision{
		OpportunityID:    opp.ID,
		Outcome:          domain.RiskPending,
		Strategy:         opp.Type.String(),
		Asset:            opp.Asset,
		PortfolioVersion: state.Version,
		DecidedAt:        a.now(),
	}
	reject := func(reason string) domain.RiskDecision {
		d.Outcome = domain.RiskRejected
		d.Reason = reason
		d.CappedAmount = nil
		return d
	}

	if state.TradingHalted {
		return reject(domain.ReasonTradingHalted)
	}

	amount, err := a.Exposure(opp, oracle)
	if err != nil {
		if errors.Is(err, domain.ErrOracleUnreliable) {
			return reject(domain.ReasonOracleUnreliable)
		}
		return reject(domain.ReasonOracleMissing)
	}
	d.RequestedAmount = new(big.Int).Set(amount)
	limits := state.Limits
	granted := new(big.Int).Set(amount)

	// 1. single-trade size
	if max := limits.MaxTradeSize; max != nil && granted.Cmp(max) > 0 {
		if !limits.CapOversized {
			return reject(domain.ReasonTradeSize)
		}
		granted.Set(max)
	}

	// 2. strategy and total exposure headroom
	headroom := remaining(limits.StrategyLimit(d.Strategy), state.StrategyExposure[d.Strategy])
	if total := remaining(limits.MaxTotalExposure, state.OpenExposure); total != nil && (headroom == nil || total.Cmp(headroom) < 0) {
		headroom = total
	}
	if headroom != nil {
		if headroom.Sign() <= 0 {
			return reject(domain.ReasonStrategyExposure)
		}
		if granted.Cmp(headroom) > 0 {
			granted.Set(headroom)
		}
	}

	// 3. daily loss hard stop
	if max := limits.MaxDailyLoss; max != nil && max.Sign() > 0 && state.DailyLoss != nil && state.DailyLoss.Cmp(max) >= 0 {
		return reject(domain.ReasonDailyLoss)
	}

	// 4. concentration on one asset
	if limits.MaxConcentrationBps > 0 && limits.MaxTotalExposure != nil && d.Asset != "" {
		ceiling := new(big.Int).Mul(limits.MaxTotalExposure, big.NewInt(int64(limits.MaxConcentrationBps)))
		ceiling.Quo(ceiling, big.NewInt(10_000))
		room := remaining(ceiling, state.AssetExposure[d.Asset])
		if room.Sign() <= 0 || (granted.Cmp(room) > 0 && !limits.CapOversized) {
			return reject(domain.ReasonConcentration)
		}
		if granted.Cmp(room) > 0 {
			granted.Set(room)
		}
	}

	if granted.Cmp(amount) < 0 {
		d.Outcome = domain.RiskCapped
		d.CappedAmount = granted
		return d
	}
	d.Outcome = domain.RiskApproved
	return d
}

// remaining is limit - used, or nil when there is no limit.
func remaining(limit, used *big.Int) *big.Int {
	if limit == nil {
		return nil
	}
	out := new(big.Int).Set(limit)
	if used != nil {
		out.Sub(out, used)
	}
	return out
}
