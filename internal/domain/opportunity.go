package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OpportunityType is the closed set of strategy families the detector knows.
// Adding a family means adding a constant here and a constructor entry in the
// detector table.
type OpportunityType uint8

const (
	TypeArbitrage OpportunityType = iota
	TypeLiquidation
	TypeSandwichProtect
	TypeFlashArb

	NumOpportunityTypes
)

var typeNames = [NumOpportunityTypes]string{
	TypeArbitrage:       "arbitrage",
	TypeLiquidation:     "liquidation",
	TypeSandwichProtect: "sandwich_protect",
	TypeFlashArb:        "flash_arb",
}

func (t OpportunityType) String() string {
	if t < NumOpportunityTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("opportunity_type(%d)", uint8(t))
}

// Valid reports whether t is a member of the closed enum.
func (t OpportunityType) Valid() bool { return t < NumOpportunityTypes }

func (t OpportunityType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("domain: invalid opportunity type %d", uint8(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *OpportunityType) UnmarshalText(b []byte) error {
	v, err := ParseOpportunityType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseOpportunityType resolves a type from its wire name.
func ParseOpportunityType(s string) (OpportunityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == s {
			return OpportunityType(i), nil
		}
	}
	return 0, fmt.Errorf("domain: unknown opportunity type %q", s)
}

// OpportunityStatus tracks an opportunity from detection to its terminal state.
type OpportunityStatus string

const (
	OppDetected   OpportunityStatus = "detected"
	OppSuperseded OpportunityStatus = "superseded"
	OppDiscarded  OpportunityStatus = "discarded"
	OppApproved   OpportunityStatus = "approved"
	OppCapped     OpportunityStatus = "capped"
	OppRejected   OpportunityStatus = "rejected"
	OppExecuting  OpportunityStatus = "executing"
	OppExecuted   OpportunityStatus = "executed"
	OppReverted   OpportunityStatus = "reverted"
	OppExpired    OpportunityStatus = "expired"
	OppPreempted  OpportunityStatus = "preempted"
)

// Terminal reports whether no further transition is possible.
func (s OpportunityStatus) Terminal() bool {
	switch s {
	case OppSuperseded, OppDiscarded, OppRejected, OppExecuted, OppReverted, OppExpired, OppPreempted:
		return true
	}
	return false
}

// PathHop is one leg of an opportunity's execution path.
type PathHop struct {
	Protocol string         `json:"protocol"`
	Pool     common.Address `json:"pool"`
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	Amount   *big.Int       `json:"amount"`
}

// Opportunity is a detected, not yet executed, ordering pattern. GrossProfit
// is denominated in the minimal units of the chain's native token.
type Opportunity struct {
	ID             string            `json:"id"`
	ChainID        uint64            `json:"chain_id"`
	Type           OpportunityType   `json:"type"`
	SourceRef      string            `json:"source_ref"`
	DetectedAt     time.Time         `json:"detected_at"`
	Path           []PathHop         `json:"path"`
	GrossProfit    *big.Int          `json:"gross_profit_estimate"`
	Notional       *big.Int          `json:"notional"`
	Asset          string            `json:"asset"`
	StateKey       string            `json:"conflicting_state_key"`
	Pairs          []string          `json:"oracle_pairs"`
	TargetTx       *common.Hash      `json:"target_tx,omitempty"`
	TargetRawTx    hexutil.Bytes     `json:"target_raw_tx,omitempty"`
	// RefundTo receives RefundBps of a backrun's realized profit.
	RefundTo       *common.Address   `json:"refund_to,omitempty"`
	RefundBps      uint32            `json:"refund_bps,omitempty"`
	ExpiryDeadline time.Time         `json:"expiry_deadline"`
	Status         OpportunityStatus `json:"status"`
	StatusReason   string            `json:"status_reason,omitempty"`
}

// Expired reports whether the deadline has passed at now.
func (o *Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiryDeadline)
}

// Clone returns a deep copy so snapshots handed to readers never alias
// scheduler-owned values.
func (o Opportunity) Clone() Opportunity {
	out := o
	out.Path = make([]PathHop, len(o.Path))
	for i, h := range o.Path {
		h.Amount = cloneInt(h.Amount)
		out.Path[i] = h
	}
	out.GrossProfit = cloneInt(o.GrossProfit)
	out.Notional = cloneInt(o.Notional)
	out.Pairs = append([]string(nil), o.Pairs...)
	if o.TargetTx != nil {
		h := *o.TargetTx
		out.TargetTx = &h
	}
	out.TargetRawTx = append(hexutil.Bytes(nil), o.TargetRawTx...)
	if o.RefundTo != nil {
		a := *o.RefundTo
		out.RefundTo = &a
	}
	return out
}

// ProfitEstimate is derived from a simulation. It is never mutated; a
// re-evaluation produces a new value.
type ProfitEstimate struct {
	OpportunityID    string    `json:"opportunity_id"`
	GrossProfit      *big.Int  `json:"gross_profit"`
	NetProfit        *big.Int  `json:"net_profit"`
	GasCost          *big.Int  `json:"gas_cost"`
	GasUsed          uint64    `json:"gas_used"`
	SlippageEstimate *big.Int  `json:"slippage_estimate"`
	ConfidenceBps    uint32    `json:"confidence_bps"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Confidence returns the score in [0,1] for display.
func (p ProfitEstimate) Confidence() float64 {
	return float64(p.ConfidenceBps) / 10_000
}

// SimulationResult is what the simulation collaborator returns.
type SimulationResult struct {
	Success       bool       `json:"success"`
	OutputAmounts []*big.Int `json:"output_amounts"`
	GasUsed       uint64     `json:"gas_used"`
	RevertReason  string     `json:"revert_reason,omitempty"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
