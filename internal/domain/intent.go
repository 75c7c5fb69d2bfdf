package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IntentStatus is the state of an ExecutionIntent.
type IntentStatus string

const (
	IntentBuilt     IntentStatus = "built"
	IntentSubmitted IntentStatus = "submitted"
	IntentConfirmed IntentStatus = "confirmed"
	IntentReverted  IntentStatus = "reverted"
	IntentExpired   IntentStatus = "expired"
	IntentPreempted IntentStatus = "preempted_by_competitor"
)

// Terminal reports whether the intent has reached a recorded outcome.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentConfirmed, IntentReverted, IntentExpired, IntentPreempted:
		return true
	}
	return false
}

// intentTransitions lists the allowed forward edges.
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentBuilt:     {IntentSubmitted, IntentExpired},
	IntentSubmitted: {IntentConfirmed, IntentReverted, IntentExpired, IntentPreempted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to IntentStatus) bool {
	for _, s := range intentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BuiltTx is an unsigned transaction (or a third-party signed one in Raw)
// that forms part of a bundle.
type BuiltTx struct {
	To        common.Address `json:"to"`
	Data      []byte         `json:"data,omitempty"`
	Value     *big.Int       `json:"value,omitempty"`
	Gas       uint64         `json:"gas"`
	GasFeeCap *big.Int       `json:"gas_fee_cap,omitempty"`
	GasTipCap *big.Int       `json:"gas_tip_cap,omitempty"`
	Nonce     uint64         `json:"nonce"`
	Raw       []byte         `json:"raw,omitempty"`
}

// ExecutionIntent is owned by the coordinator until its terminal outcome is
// recorded. Retries create a new version linked by PreviousID.
type ExecutionIntent struct {
	ID                 string        `json:"id"`
	Version            int           `json:"version"`
	PreviousID         string        `json:"previous_id,omitempty"`
	OpportunityID      string        `json:"opportunity_id"`
	ChainID            uint64        `json:"chain_id"`
	StrategyID         string        `json:"strategy_id"`
	StateKey           string        `json:"conflicting_state_key"`
	Private            bool          `json:"private"`
	Transactions       []BuiltTx     `json:"built_transaction_set"`
	SignerRef          string        `json:"signer_reference"`
	PriorityFee        *big.Int      `json:"priority_fee"`
	GasLimit           uint64        `json:"gas_limit"`
	TargetBlock        uint64        `json:"target_block,omitempty"`
	SubmissionDeadline time.Time     `json:"submission_deadline"`
	Status             IntentStatus  `json:"status"`
	StatusReason       string        `json:"status_reason,omitempty"`
	TxHashes           []common.Hash `json:"tx_hashes,omitempty"`
	GasUsed            uint64        `json:"gas_used,omitempty"`
	GasCost            *big.Int      `json:"gas_cost,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// SignedPayload is returned by the signer collaborator.
type SignedPayload struct {
	IntentID  string        `json:"intent_id"`
	SignerRef string        `json:"signer_reference"`
	RawTxs    [][]byte      `json:"raw_txs"`
	TxHashes  []common.Hash `json:"tx_hashes"`
}

// Receipt is the submission endpoint's inclusion answer.
type Receipt struct {
	TxHash            common.Hash `json:"tx_hash"`
	BlockNumber       uint64      `json:"block_number"`
	Success           bool        `json:"success"`
	GasUsed           uint64      `json:"gas_used"`
	EffectiveGasPrice *big.Int    `json:"effective_gas_price"`
}
