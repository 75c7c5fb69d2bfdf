package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// RiskOutcome is the state of a per-opportunity risk decision.
type RiskOutcome string

const (
	RiskPending  RiskOutcome = "pending"
	RiskApproved RiskOutcome = "approved"
	RiskRejected RiskOutcome = "rejected"
	RiskCapped   RiskOutcome = "capped"
)

// Rejection reasons.
const (
	ReasonTradingHalted     = "trading_halted"
	ReasonTradeSize         = "single_trade_size_limit"
	ReasonStrategyExposure  = "strategy_exposure_limit"
	ReasonDailyLoss         = "daily_loss_limit"
	ReasonConcentration     = "concentration_limit"
	ReasonBelowThreshold    = "below_threshold"
	ReasonOracleUnreliable  = "oracle_unreliable"
	ReasonOracleMissing     = "oracle_missing"
	ReasonSimulationFailed  = "simulation_failed"
	ReasonExpired           = "expired"
	ReasonNoStrategy        = "no_execution_strategy"
	ReasonPersistenceFailed = "persistence_failed"
)

// RiskDecision is bound to one opportunity at the portfolio version it was
// evaluated against. A later version requires a fresh decision.
type RiskDecision struct {
	OpportunityID    string      `json:"opportunity_id"`
	Outcome          RiskOutcome `json:"outcome"`
	Strategy         string      `json:"strategy"`
	Asset            string      `json:"asset"`
	RequestedAmount  *big.Int    `json:"requested_amount"`
	CappedAmount     *big.Int    `json:"capped_amount,omitempty"`
	Reason           string      `json:"reason_if_rejected,omitempty"`
	PortfolioVersion uint64      `json:"portfolio_version"`
	DecidedAt        time.Time   `json:"decided_at"`
}

// Approved reports whether the decision lets the opportunity proceed.
func (d RiskDecision) Approved() bool {
	return d.Outcome == RiskApproved || d.Outcome == RiskCapped
}

// Amount is the exposure the decision reserves.
func (d RiskDecision) Amount() *big.Int {
	if d.Outcome == RiskCapped && d.CappedAmount != nil {
		return d.CappedAmount
	}
	return d.RequestedAmount
}

// RiskLimits bound portfolio exposure. Monetary fields are reference units
// (micro-USD).
type RiskLimits struct {
	MaxTradeSize         *big.Int            `json:"max_trade_size"`
	MaxStrategyExposure  map[string]*big.Int `json:"max_strategy_exposure"`
	DefaultStrategyLimit *big.Int            `json:"default_strategy_limit"`
	MaxDailyLoss         *big.Int            `json:"max_daily_loss"`
	MaxTotalExposure     *big.Int            `json:"max_total_exposure"`
	MaxConcentrationBps  uint32              `json:"max_concentration_bps"`
	CapOversized         bool                `json:"cap_oversized"`
	MaxConsecutiveLosses int                 `json:"max_consecutive_losses"`
}

// StrategyLimit returns the exposure limit for strategy.
func (l RiskLimits) StrategyLimit(strategy string) *big.Int {
	if v, ok := l.MaxStrategyExposure[strategy]; ok && v != nil {
		return v
	}
	return l.DefaultStrategyLimit
}

// Clone deep-copies the limits.
func (l RiskLimits) Clone() RiskLimits {
	out := l
	out.MaxTradeSize = cloneInt(l.MaxTradeSize)
	out.DefaultStrategyLimit = cloneInt(l.DefaultStrategyLimit)
	out.MaxDailyLoss = cloneInt(l.MaxDailyLoss)
	out.MaxTotalExposure = cloneInt(l.MaxTotalExposure)
	out.MaxStrategyExposure = cloneMap(l.MaxStrategyExposure)
	return out
}

// Validate rejects missing or negative amounts and a concentration above
// 100%.
func (l RiskLimits) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    *big.Int
	}{
		{"max_trade_size", l.MaxTradeSize},
		{"default_strategy_limit", l.DefaultStrategyLimit},
		{"max_daily_loss", l.MaxDailyLoss},
		{"max_total_exposure", l.MaxTotalExposure},
	} {
		if f.v == nil {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		} else if f.v.Sign() < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	for strategy, v := range l.MaxStrategyExposure {
		if v == nil || v.Sign() < 0 {
			errs = append(errs, fmt.Errorf("max_strategy_exposure[%s] must be a non-negative amount", strategy))
		}
	}
	if l.MaxConcentrationBps > 10_000 {
		errs = append(errs, errors.New("max_concentration_bps must be at most 10000"))
	}
	if l.MaxConsecutiveLosses < 0 {
		errs = append(errs, errors.New("max_consecutive_losses must not be negative"))
	}
	return errors.Join(errs...)
}

// Equal reports whether two limit sets are identical.
func (l RiskLimits) Equal(o RiskLimits) bool {
	if !eqInt(l.MaxTradeSize, o.MaxTradeSize) || !eqInt(l.DefaultStrategyLimit, o.DefaultStrategyLimit) ||
		!eqInt(l.MaxDailyLoss, o.MaxDailyLoss) || !eqInt(l.MaxTotalExposure, o.MaxTotalExposure) {
		return false
	}
	if l.MaxConcentrationBps != o.MaxConcentrationBps || l.CapOversized != o.CapOversized ||
		l.MaxConsecutiveLosses != o.MaxConsecutiveLosses {
		return false
	}
	if len(l.MaxStrategyExposure) != len(o.MaxStrategyExposure) {
		return false
	}
	for k, v := range l.MaxStrategyExposure {
		if !eqInt(v, o.MaxStrategyExposure[k]) {
			return false
		}
	}
	return true
}

func eqInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

func cloneMap(m map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(m))
	for k, v := range m {
		out[k] = cloneInt(v)
	}
	return out
}
