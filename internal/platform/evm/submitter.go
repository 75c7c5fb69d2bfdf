package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// PublicSubmitter broadcasts signed transactions to the public mempool and
// polls for the receipt of the last one.
type PublicSubmitter struct {
	clients *Clients
	poll    time.Duration
	logger  *slog.Logger
}

// NewPublicSubmitter creates a PublicSubmitter.
func NewPublicSubmitter(clients *Clients, poll time.Duration, logger *slog.Logger) *PublicSubmitter {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &PublicSubmitter{clients: clients, poll: poll, logger: logger.With(slog.String("component", "public_submitter"))}
}

// Name identifies the submission route.
func (p *PublicSubmitter) Name() string { return "public_mempool" }

// Submit sends every raw transaction in order and waits for inclusion until
// ctx is done. A nonce already consumed by someone else is reported as
// preemption.
func (p *PublicSubmitter) Submit(ctx context.Context, intent domain.ExecutionIntent, payload domain.SignedPayload) (domain.Receipt, error) {
	cl, err := p.clients.Get(intent.ChainID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if len(payload.RawTxs) == 0 {
		return domain.Receipt{}, fmt.Errorf("evm: intent %s has no transactions", intent.ID)
	}

	var last *types.Transaction
	for _, raw := range payload.RawTxs {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return domain.Receipt{}, fmt.Errorf("evm: decode signed tx: %w", err)
		}
		if err := cl.SendTransaction(ctx, tx); err != nil {
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "already known"):
			case strings.Contains(msg, "nonce too low"):
				return domain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrPreempted, err)
			default:
				return domain.Receipt{}, fmt.Errorf("evm: send tx %s: %w", tx.Hash().Hex(), err)
			}
		}
		last = tx
	}

	return WaitReceipt(ctx, cl, last.Hash(), p.poll, p.logger)
}

// ReceiptReader is the subset of ethclient used to wait for inclusion.
type ReceiptReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitReceipt polls for the receipt of hash until ctx is done, which is
// reported as ErrNotIncluded.
func WaitReceipt(ctx context.Context, r ReceiptReader, hash common.Hash, poll time.Duration, logger *slog.Logger) (domain.Receipt, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		rcpt, err := r.TransactionReceipt(ctx, hash)
		if err == nil {
			return ReceiptFrom(rcpt), nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			logger.Debug("evm: receipt lookup failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, domain.ErrNotIncluded
		case <-ticker.C:
		}
	}
}

// ReceiptFrom converts a go-ethereum receipt.
func ReceiptFrom(rcpt *types.Receipt) domain.Receipt {
	out := domain.Receipt{
		TxHash:            rcpt.TxHash,
		Success:           rcpt.Status == types.ReceiptStatusSuccessful,
		GasUsed:           rcpt.GasUsed,
		EffectiveGasPrice: rcpt.EffectiveGasPrice,
	}
	if rcpt.BlockNumber != nil {
		out.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	return out
}
