package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind distinguishes block events from mempool events.
type EventKind string

const (
	EventBlock   EventKind = "block"
	EventPending EventKind = "pending"
)

// ChainEvent is the normalized unit emitted by a chain feed. It is immutable
// once emitted; detectors must not modify it.
type ChainEvent struct {
	ChainID      uint64           `json:"chain_id"`
	Kind         EventKind        `json:"kind"`
	Ref          string           `json:"ref"`
	BlockNumber  uint64           `json:"block_number,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	BaseFee      *big.Int         `json:"base_fee,omitempty"`
	Transactions []RawTransaction `json:"transactions"`
}

// RawTransaction is a chain-agnostic view of a transaction and, for block
// events, the logs it emitted.
type RawTransaction struct {
	Hash      common.Hash     `json:"hash"`
	From      common.Address  `json:"from"`
	To        *common.Address `json:"to,omitempty"`
	Nonce     uint64          `json:"nonce"`
	Gas       uint64          `json:"gas"`
	GasFeeCap *big.Int        `json:"gas_fee_cap,omitempty"`
	GasTipCap *big.Int        `json:"gas_tip_cap,omitempty"`
	Value     *big.Int        `json:"value,omitempty"`
	Input     []byte          `json:"input,omitempty"`
	Encoded   []byte          `json:"encoded,omitempty"`
	Logs      []Log           `json:"logs,omitempty"`
}

// Log is an emitted contract event.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
	Index   uint           `json:"index"`
}

// Token describes an ERC-20 on a specific chain.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Pool is a constant-product AMM pool known to the engine.
type Pool struct {
	Address  common.Address `json:"address"`
	Protocol string         `json:"protocol"`
	Token0   common.Address `json:"token0"`
	Token1   common.Address `json:"token1"`
	FeeBps   uint32         `json:"fee_bps"`
}

// FeedState is the connection state of a chain feed.
type FeedState string

const (
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
	FeedDegraded     FeedState = "degraded"
	FeedStopped      FeedState = "stopped"
)

// FeedStatus is a point-in-time view of one chain feed.
type FeedStatus struct {
	ChainID             uint64        `json:"chain_id"`
	Name                string        `json:"name"`
	State               FeedState     `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	DroppedEvents       uint64        `json:"dropped_event_count"`
	LastEventAt         time.Time     `json:"last_event_at"`
	LastError           string        `json:"last_error,omitempty"`
	ConnectLatency      time.Duration `json:"connect_latency_ns"`
}
