package execution

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/platform/evm"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

const bpsDenom = 10_000

// ChainTarget is the per-chain execution endpoint.
type ChainTarget struct {
	Executor        common.Address
	MaxGasPerBundle uint64
}

// BuilderConfig tunes transaction construction.
type BuilderConfig struct {
	Chains      map[uint64]ChainTarget
	PriorityTip *big.Int
	// GasHeadroomBps scales the simulated gas into the gas limit.
	GasHeadroomBps uint32
}

// Builder turns selected candidates into execution intents.
type Builder struct {
	cfg    BuilderConfig
	nonces *NonceManager
	signer string
}

// NewBuilder creates a Builder. signerRef is recorded on every intent.
func NewBuilder(cfg BuilderConfig, nonces *NonceManager, signerRef string) *Builder {
	if cfg.GasHeadroomBps < bpsDenom {
		cfg.GasHeadroomBps = 12_000
	}
	if cfg.PriorityTip == nil {
		cfg.PriorityTip = new(big.Int)
	}
	return &Builder{cfg: cfg, nonces: nonces, signer: signerRef}
}

// Build constructs version 1 of the intent for c. Capped decisions shrink
// every hop amount by capped/requested. A bundle whose own gas exceeds the
// chain ceiling is refused with ErrGasCeiling.
func (b *Builder) Build(ctx context.Context, c selector.Candidate, deadline, now time.Time) (domain.ExecutionIntent, error) {
	opp := c.Opportunity
	target, ok := b.cfg.Chains[opp.ChainID]
	if !ok || target.Executor == (common.Address{}) {
		return domain.ExecutionIntent{}, fmt.Errorf("execution: no executor contract for chain %d", opp.ChainID)
	}
	if c.Estimate.GasUsed == 0 {
		return domain.ExecutionIntent{}, fmt.Errorf("execution: opportunity %s has no gas estimate", opp.ID)
	}
	gasLimit := c.Estimate.GasUsed * uint64(b.cfg.GasHeadroomBps) / bpsDenom
	if target.MaxGasPerBundle > 0 && gasLimit > target.MaxGasPerBundle {
		return domain.ExecutionIntent{}, domain.E(domain.KindCapacityExceeded, "execution.build",
			fmt.Errorf("%w: %d > %d", domain.ErrGasCeiling, gasLimit, target.MaxGasPerBundle))
	}

	num, den := Scale(c.Decision)
	sized := opp.Clone()
	for i := range sized.Path {
		sized.Path[i].Amount = scale(sized.Path[i].Amount, num, den)
	}
	minProfit := scale(c.Estimate.GasCost, num, den)
	data, err := evm.EncodeOpportunity(sized, minProfit)
	if err != nil {
		return domain.ExecutionIntent{}, domain.E(domain.KindDataIntegrity, "execution.build", err)
	}

	nonce, err := b.nonces.Next(ctx, opp.ChainID)
	if err != nil {
		return domain.ExecutionIntent{}, err
	}

	tip := new(big.Int).Set(b.cfg.PriorityTip)
	feeCap := new(big.Int)
	if c.BaseFee != nil {
		feeCap.Mul(c.BaseFee, big.NewInt(2))
	}
	feeCap.Add(feeCap, tip)

	var txs []domain.BuiltTx
	if opp.Type == domain.TypeSandwichProtect && len(opp.TargetRawTx) > 0 {
		txs = append(txs, domain.BuiltTx{Raw: append([]byte(nil), opp.TargetRawTx...)})
	}
	txs = append(txs, domain.BuiltTx{
		To:        target.Executor,
		Data:      data,
		Value:     new(big.Int),
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: new(big.Int).Set(tip),
		Nonce:     nonce,
	})

	return domain.ExecutionIntent{
		ID:                 uuid.NewString(),
		Version:            1,
		OpportunityID:      opp.ID,
		ChainID:            opp.ChainID,
		StrategyID:         c.Strategy.ID,
		StateKey:           opp.StateKey,
		Private:            c.Strategy.Private,
		Transactions:       txs,
		SignerRef:          b.signer,
		PriorityFee:        tip,
		GasLimit:           gasLimit,
		SubmissionDeadline: deadline,
		Status:             domain.IntentBuilt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Bump returns the next version of prev with every own transaction's
// priority fee raised by bumpBps (at least one wei). Nonces are kept so the
// new version replaces the old one.
func (b *Builder) Bump(prev domain.ExecutionIntent, bumpBps uint32, now time.Time) domain.ExecutionIntent {
	delta := new(big.Int).Mul(prev.PriorityFee, big.NewInt(int64(bumpBps)))
	delta.Quo(delta, big.NewInt(bpsDenom))
	if delta.Sign() <= 0 {
		delta.SetInt64(1)
	}

	next := prev
	next.ID = uuid.NewString()
	next.Version = prev.Version + 1
	next.PreviousID = prev.ID
	next.Status = domain.IntentBuilt
	next.StatusReason = ""
	next.TxHashes = nil
	next.GasUsed = 0
	next.GasCost = nil
	next.PriorityFee = new(big.Int).Add(prev.PriorityFee, delta)
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Transactions = make([]domain.BuiltTx, len(prev.Transactions))
	for i, tx := range prev.Transactions {
		if len(tx.Raw) == 0 {
			tx.GasTipCap = new(big.Int).Add(tx.GasTipCap, delta)
			tx.GasFeeCap = new(big.Int).Add(tx.GasFeeCap, delta)
		}
		next.Transactions[i] = tx
	}
	return next
}

// ReleaseNonces drops the chain's nonce counter after an intent that may
// have left a reserved nonce unused.
func (b *Builder) ReleaseNonces(chainID uint64) {
	b.nonces.Reset(chainID)
}

// PrefetchNonce warms the nonce counter for chainID.
func (b *Builder) PrefetchNonce(ctx context.Context, chainID uint64) error {
	return b.nonces.Prefetch(ctx, chainID)
}

// Scale returns the fraction of the opportunity a decision grants.
func Scale(d domain.RiskDecision) (num, den *big.Int) {
	if d.Outcome == domain.RiskCapped && d.CappedAmount != nil && d.RequestedAmount != nil && d.RequestedAmount.Sign() > 0 {
		return d.CappedAmount, d.RequestedAmount
	}
	return big.NewInt(1), big.NewInt(1)
}

func scale(v, num, den *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, num)
	return out.Quo(out, den)
}
