// Package evm adapts go-ethereum JSON-RPC clients to the engine: the chain
// feed source, the public mempool submitter and nonce lookups.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"

	"github.com/alanyoungcy/mevengine/internal/chainfeed"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

// SourceConfig selects what a Source subscribes to.
type SourceConfig struct {
	ChainID uint64
	Name    string
	WSURL   string
	// Addresses and Topics restrict which block logs are fetched.
	Addresses []common.Address
	Topics    []common.Hash
	// Pending enables the full pending-transaction subscription.
	Pending bool
	// Routers limits forwarded pending transactions to these recipients.
	// Empty forwards everything.
	Routers []common.Address
}

// Source streams new heads (with their relevant logs) and pending
// transactions from a websocket endpoint.
type Source struct {
	cfg     SourceConfig
	routers map[common.Address]bool
	signer  types.Signer
	logger  *slog.Logger
}

var _ chainfeed.Source = (*Source)(nil)

// NewSource creates a Source. Nothing is dialled until Stream.
func NewSource(cfg SourceConfig, logger *slog.Logger) *Source {
	routers := make(map[common.Address]bool, len(cfg.Routers))
	for _, r := range cfg.Routers {
		routers[r] = true
	}
	return &Source{
		cfg:     cfg,
		routers: routers,
		signer:  types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		logger:  logger.With(slog.String("component", "evm_source"), slog.Uint64("chain_id", cfg.ChainID)),
	}
}

// Name identifies the source in feed status.
func (s *Source) Name() string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return fmt.Sprintf("evm-%d", s.cfg.ChainID)
}

// Stream dials, verifies the remote chain id, subscribes and forwards events
// until a subscription fails.
func (s *Source) Stream(ctx context.Context, sink chainfeed.Sink) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ethclient.DialContext(dialCtx, s.cfg.WSURL)
	cancel()
	if err != nil {
		return fmt.Errorf("evm: dial %s: %w", s.Name(), err)
	}
	defer client.Close()

	remote, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("evm: chain id: %w", err)
	}
	if remote.Uint64() != s.cfg.ChainID {
		return fmt.Errorf("evm: endpoint serves chain %d, want %d", remote.Uint64(), s.cfg.ChainID)
	}

	heads := make(chan *types.Header, 64)
	headSub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("evm: subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	var pending chan *types.Transaction
	var pendingErr <-chan error
	if s.cfg.Pending {
		pending = make(chan *types.Transaction, 1024)
		sub, err := gethclient.New(client.Client()).SubscribeFullPendingTransactions(ctx, pending)
		if err != nil {
			return fmt.Errorf("evm: subscribe pending: %w", err)
		}
		defer sub.Unsubscribe()
		pendingErr = sub.Err()
	}

	sink.Connected()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-headSub.Err():
			return fmt.Errorf("evm: head subscription: %w", err)
		case err := <-pendingErr:
			return fmt.Errorf("evm: pending subscription: %w", err)
		case h := <-heads:
			ev, err := s.blockEvent(ctx, client, h)
			if err != nil {
				return err
			}
			sink.Emit(ev)
		case tx := <-pending:
			if ev, ok := s.pendingEvent(tx); ok {
				sink.Emit(ev)
			}
		}
	}
}

func (s *Source) blockEvent(ctx context.Context, client *ethclient.Client, h *types.Header) (domain.ChainEvent, error) {
	hash := h.Hash()
	q := ethereum.FilterQuery{BlockHash: &hash, Addresses: s.cfg.Addresses}
	if len(s.cfg.Topics) > 0 {
		q.Topics = [][]common.Hash{s.cfg.Topics}
	}
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return domain.ChainEvent{}, fmt.Errorf("evm: filter logs %s: %w", hash.Hex(), err)
	}
	return BlockEvent(s.cfg.ChainID, h, logs), nil
}

// BlockEvent normalizes a header and its logs. Logs are grouped by
// transaction in block order.
func BlockEvent(chainID uint64, h *types.Header, logs []types.Log) domain.ChainEvent {
	byTx := map[common.Hash]*domain.RawTransaction{}
	order := map[common.Hash]uint{}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		rt, ok := byTx[l.TxHash]
		if !ok {
			rt = &domain.RawTransaction{Hash: l.TxHash}
			byTx[l.TxHash] = rt
			order[l.TxHash] = l.TxIndex
		}
		rt.Logs = append(rt.Logs, domain.Log{
			Address: l.Address,
			Topics:  append([]common.Hash(nil), l.Topics...),
			Data:    append([]byte(nil), l.Data...),
			Index:   l.Index,
		})
	}
	txs := make([]domain.RawTransaction, 0, len(byTx))
	for _, rt := range byTx {
		sort.Slice(rt.Logs, func(i, j int) bool { return rt.Logs[i].Index < rt.Logs[j].Index })
		txs = append(txs, *rt)
	}
	sort.Slice(txs, func(i, j int) bool { return order[txs[i].Hash] < order[txs[j].Hash] })

	ev := domain.ChainEvent{
		ChainID:      chainID,
		Kind:         domain.EventBlock,
		Ref:          h.Hash().Hex(),
		BlockNumber:  h.Number.Uint64(),
		Timestamp:    time.Unix(int64(h.Time), 0).UTC(),
		Transactions: txs,
	}
	if h.BaseFee != nil {
		ev.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	return ev
}

func (s *Source) pendingEvent(tx *types.Transaction) (domain.ChainEvent, bool) {
	if tx.To() == nil {
		return domain.ChainEvent{}, false
	}
	if len(s.routers) > 0 && !s.routers[*tx.To()] {
		return domain.ChainEvent{}, false
	}
	rt, err := RawFromTx(s.signer, tx)
	if err != nil {
		s.logger.Debug("evm: skipping unsignable pending tx",
			slog.String("tx", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return domain.ChainEvent{}, false
	}
	return domain.ChainEvent{
		ChainID:      s.cfg.ChainID,
		Kind:         domain.EventPending,
		Ref:          "mempool:" + tx.Hash().Hex(),
		Timestamp:    time.Now().UTC(),
		Transactions: []domain.RawTransaction{rt},
	}, true
}

// RawFromTx converts a signed transaction. Encoded keeps the canonical
// encoding so the transaction can be re-broadcast inside a bundle.
func RawFromTx(signer types.Signer, tx *types.Transaction) (domain.RawTransaction, error) {
	from, err := types.Sender(signer, tx)
	if err != nil {
		return domain.RawTransaction{}, fmt.Errorf("evm: recover sender: %w", err)
	}
	rt := domain.RawTransaction{
		Hash:      tx.Hash(),
		From:      from,
		Nonce:     tx.Nonce(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Input:     tx.Data(),
	}
	if to := tx.To(); to != nil {
		addr := *to
		rt.To = &addr
	}
	if enc, err := tx.MarshalBinary(); err == nil {
		rt.Encoded = enc
	}
	return rt, nil
}
