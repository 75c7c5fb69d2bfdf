package flashbots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/platform/evm"
)

// ChainReaders resolves a chain's receipt reader.
type ChainReaders func(chainID uint64) (evm.ReceiptReader, error)

// ClientReaders adapts evm.Clients.
func ClientReaders(c *evm.Clients) ChainReaders {
	return func(id uint64) (evm.ReceiptReader, error) {
		cl, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}

type sendBundleParams struct {
	Txs         []string `json:"txs"`
	BlockNumber string   `json:"blockNumber"`
}

type sendBundleResult struct {
	BundleHash string `json:"bundleHash"`
}

// BundleSubmitter sends intents as private bundles targeting the next
// block and waits for the last transaction's receipt.
type BundleSubmitter struct {
	relay  *Relay
	chains ChainReaders
	poll   time.Duration
	// Lookahead is how many blocks past the target to wait before the
	// bundle counts as not included.
	lookahead uint64
	logger    *slog.Logger
}

// NewBundleSubmitter creates a BundleSubmitter.
func NewBundleSubmitter(relay *Relay, chains ChainReaders, poll time.Duration, lookahead uint64, logger *slog.Logger) *BundleSubmitter {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &BundleSubmitter{relay: relay, chains: chains, poll: poll, lookahead: lookahead, logger: logger.With(slog.String("component", "bundle_submitter"))}
}

// Name identifies the submission route.
func (b *BundleSubmitter) Name() string { return "private_bundle" }

// Submit implements the coordinator's submitter contract.
func (b *BundleSubmitter) Submit(ctx context.Context, intent domain.ExecutionIntent, payload domain.SignedPayload) (domain.Receipt, error) {
	if len(payload.RawTxs) == 0 {
		return domain.Receipt{}, fmt.Errorf("flashbots: intent %s has no transactions", intent.ID)
	}
	cl, err := b.chains(intent.ChainID)
	if err != nil {
		return domain.Receipt{}, err
	}
	head, err := cl.BlockNumber(ctx)
	if err != nil {
		return domain.Receipt{}, domain.E(domain.KindTransientIO, "flashbots.submit", err)
	}
	target := head + 1

	var res sendBundleResult
	if err := b.relay.Call(ctx, "eth_sendBundle", sendBundleParams{
		Txs:         encodeTxs(payload.RawTxs),
		BlockNumber: hexutil.EncodeUint64(target),
	}, &res); err != nil {
		return domain.Receipt{}, err
	}
	b.logger.Debug("flashbots: bundle sent",
		slog.String("intent_id", intent.ID),
		slog.String("bundle_hash", res.BundleHash),
		slog.Uint64("target_block", target),
	)

	last := payload.TxHashes[len(payload.TxHashes)-1]
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		rcpt, err := cl.TransactionReceipt(ctx, last)
		if err == nil {
			return evm.ReceiptFrom(rcpt), nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			b.logger.Debug("flashbots: receipt lookup failed", slog.String("error", err.Error()))
		}
		if cur, err := cl.BlockNumber(ctx); err == nil && cur > target+b.lookahead {
			return domain.Receipt{}, domain.ErrNotIncluded
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, domain.ErrNotIncluded
		case <-ticker.C:
		}
	}
}

type callBundleParams struct {
	Txs              []string `json:"txs"`
	BlockNumber      string   `json:"blockNumber"`
	StateBlockNumber string   `json:"stateBlockNumber"`
}

type callBundleTx struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

type callBundleResult struct {
	BundleGasPrice string         `json:"bundleGasPrice"`
	TotalGasUsed   uint64         `json:"totalGasUsed"`
	Results        []callBundleTx `json:"results"`
}

// SimulateSubmitter is the dry-run route: bundles are simulated with
// eth_callBundle on top of the latest block and never broadcast. The
// simulated result is reported as the receipt.
type SimulateSubmitter struct {
	relay  *Relay
	chains ChainReaders
	logger *slog.Logger
}

// NewSimulateSubmitter creates a SimulateSubmitter.
func NewSimulateSubmitter(relay *Relay, chains ChainReaders, logger *slog.Logger) *SimulateSubmitter {
	return &SimulateSubmitter{relay: relay, chains: chains, logger: logger.With(slog.String("component", "bundle_simulator"))}
}

// Name identifies the submission route.
func (s *SimulateSubmitter) Name() string { return "dry_run" }

// Submit implements the coordinator's submitter contract.
func (s *SimulateSubmitter) Submit(ctx context.Context, intent domain.ExecutionIntent, payload domain.SignedPayload) (domain.Receipt, error) {
	if len(payload.RawTxs) == 0 {
		return domain.Receipt{}, fmt.Errorf("flashbots: intent %s has no transactions", intent.ID)
	}
	cl, err := s.chains(intent.ChainID)
	if err != nil {
		return domain.Receipt{}, err
	}
	head, err := cl.BlockNumber(ctx)
	if err != nil {
		return domain.Receipt{}, domain.E(domain.KindTransientIO, "flashbots.simulate", err)
	}

	var res callBundleResult
	if err := s.relay.Call(ctx, "eth_callBundle", callBundleParams{
		Txs:              encodeTxs(payload.RawTxs),
		BlockNumber:      hexutil.EncodeUint64(head + 1),
		StateBlockNumber: "latest",
	}, &res); err != nil {
		return domain.Receipt{}, err
	}
	if len(res.Results) == 0 {
		return domain.Receipt{}, domain.E(domain.KindDataIntegrity, "flashbots.simulate", errors.New("empty bundle result"))
	}

	own := res.Results[len(res.Results)-1]
	ok := true
	for _, r := range res.Results {
		if r.Error != "" || r.Revert != "" {
			ok = false
		}
	}
	price, _ := new(big.Int).SetString(res.BundleGasPrice, 10)
	if price == nil && len(intent.Transactions) > 0 {
		price = intent.Transactions[len(intent.Transactions)-1].GasFeeCap
	}
	s.logger.Info("flashbots: bundle simulated",
		slog.String("intent_id", intent.ID),
		slog.Bool("success", ok),
		slog.Uint64("gas_used", own.GasUsed),
		slog.Uint64("total_gas_used", res.TotalGasUsed),
		slog.String("revert", own.Revert),
	)
	return domain.Receipt{
		TxHash:            payload.TxHashes[len(payload.TxHashes)-1],
		BlockNumber:       head + 1,
		Success:           ok,
		GasUsed:           own.GasUsed,
		EffectiveGasPrice: price,
	}, nil
}
