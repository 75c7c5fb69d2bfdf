package domain

import (
	"math/big"
	"time"
)

// Position is exposure reserved by an approved decision and held until the
// opportunity's intent reaches a terminal outcome.
type Position struct {
	OpportunityID string    `json:"opportunity_id"`
	Strategy      string    `json:"strategy"`
	Asset         string    `json:"asset"`
	Amount        *big.Int  `json:"amount"`
	OpenedAt      time.Time `json:"opened_at"`
}

// PortfolioState is the engine-wide risk ledger. The risk.Portfolio owns the
// only mutable copy; every other component sees a Clone.
type PortfolioState struct {
	Version           uint64              `json:"version"`
	OpenExposure      *big.Int            `json:"open_exposure"`
	StrategyExposure  map[string]*big.Int `json:"strategy_exposure"`
	AssetExposure     map[string]*big.Int `json:"asset_exposure"`
	Positions         map[string]Position `json:"positions"`
	DailyPnL          *big.Int            `json:"daily_pnl"`
	DailyLoss         *big.Int            `json:"daily_loss"`
	TotalRealizedPnL  *big.Int            `json:"total_realized_pnl"`
	ConsecutiveLosses int                 `json:"consecutive_losses"`
	LossCount         int                 `json:"loss_count"`
	TradingHalted     bool                `json:"trading_halted"`
	HaltReason        string              `json:"halt_reason,omitempty"`
	HaltedAt          *time.Time          `json:"halted_at,omitempty"`
	Limits            RiskLimits          `json:"limits"`
	Day               string              `json:"day"`
	LastOutcomeID     string              `json:"last_outcome_id,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// NewPortfolioState returns an empty ledger for day under limits.
func NewPortfolioState(limits RiskLimits, day string, now time.Time) PortfolioState {
	return PortfolioState{
		OpenExposure:     new(big.Int),
		StrategyExposure: map[string]*big.Int{},
		AssetExposure:    map[string]*big.Int{},
		Positions:        map[string]Position{},
		DailyPnL:         new(big.Int),
		DailyLoss:        new(big.Int),
		TotalRealizedPnL: new(big.Int),
		Limits:           limits.Clone(),
		Day:              day,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy.
func (s PortfolioState) Clone() PortfolioState {
	out := s
	out.OpenExposure = cloneInt(s.OpenExposure)
	out.StrategyExposure = cloneMap(s.StrategyExposure)
	out.AssetExposure = cloneMap(s.AssetExposure)
	out.Positions = make(map[string]Position, len(s.Positions))
	for k, p := range s.Positions {
		p.Amount = cloneInt(p.Amount)
		out.Positions[k] = p
	}
	out.DailyPnL = cloneInt(s.DailyPnL)
	out.DailyLoss = cloneInt(s.DailyLoss)
	out.TotalRealizedPnL = cloneInt(s.TotalRealizedPnL)
	out.Limits = s.Limits.Clone()
	if s.HaltedAt != nil {
		t := *s.HaltedAt
		out.HaltedAt = &t
	}
	return out
}

// Normalize replaces nil counters and maps with zero values, used after
// decoding a persisted checkpoint.
func (s *PortfolioState) Normalize() {
	for _, p := range []**big.Int{&s.OpenExposure, &s.DailyPnL, &s.DailyLoss, &s.TotalRealizedPnL} {
		if *p == nil {
			*p = new(big.Int)
		}
	}
	if s.StrategyExposure == nil {
		s.StrategyExposure = map[string]*big.Int{}
	}
	if s.AssetExposure == nil {
		s.AssetExposure = map[string]*big.Int{}
	}
	if s.Positions == nil {
		s.Positions = map[string]Position{}
	}
	if s.Limits.MaxStrategyExposure == nil {
		s.Limits.MaxStrategyExposure = map[string]*big.Int{}
	}
}

// JournalKind names the mutation recorded with a portfolio commit.
type JournalKind string

const (
	JournalDecision JournalKind = "decision"
	JournalOutcome  JournalKind = "outcome"
	JournalHalt     JournalKind = "halt"
	JournalResume   JournalKind = "resume"
	JournalLimits   JournalKind = "limits"
	JournalRollover JournalKind = "rollover"
)

// JournalEntry is written atomically with the state it produced.
type JournalEntry struct {
	Version   uint64         `json:"version"`
	Kind      JournalKind    `json:"kind"`
	RefID     string         `json:"ref_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
