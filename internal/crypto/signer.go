package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// LocalSigner signs intents with an in-process secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	ref     string
}

// NewLocalSigner wraps key.
func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	return &LocalSigner{key: key, address: addr, ref: "local:" + addr.Hex()}
}

// Address returns the signing account.
func (s *LocalSigner) Address() common.Address { return s.address }

// Ref identifies the signer on intents.
func (s *LocalSigner) Ref() string { return s.ref }

// Sign produces the raw transaction set of intent. Pre-signed third-party
// transactions (a backrun's target) are passed through unchanged.
func (s *LocalSigner) Sign(ctx context.Context, intent domain.ExecutionIntent) (domain.SignedPayload, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignedPayload{}, err
	}
	if len(intent.Transactions) == 0 {
		return domain.SignedPayload{}, fmt.Errorf("%w: intent %s has no transactions", domain.ErrSignerRejected, intent.ID)
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(intent.ChainID))
	out := domain.SignedPayload{IntentID: intent.ID, SignerRef: s.ref}

	for i, bt := range intent.Transactions {
		if len(bt.Raw) > 0 {
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(bt.Raw); err != nil {
				return domain.SignedPayload{}, fmt.Errorf("%w: tx %d: %v", domain.ErrSignerRejected, i, err)
			}
			out.RawTxs = append(out.RawTxs, append([]byte(nil), bt.Raw...))
			out.TxHashes = append(out.TxHashes, tx.Hash())
			continue
		}
		if bt.GasFeeCap == nil || bt.GasTipCap == nil || bt.GasTipCap.Cmp(bt.GasFeeCap) > 0 {
			return domain.SignedPayload{}, fmt.Errorf("%w: tx %d has invalid fee caps", domain.ErrSignerRejected, i)
		}
		to := bt.To
		value := bt.Value
		if value == nil {
			value = new(big.Int)
		}
		tx, err := types.SignNewTx(s.key, signer, &types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(intent.ChainID),
			Nonce:     bt.Nonce,
			GasTipCap: bt.GasTipCap,
			GasFeeCap: bt.GasFeeCap,
			Gas:       bt.Gas,
			To:        &to,
			Value:     value,
			Data:      bt.Data,
		})
		if err != nil {
			return domain.SignedPayload{}, fmt.Errorf("crypto: sign tx %d: %w", i, err)
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return domain.SignedPayload{}, fmt.Errorf("crypto: encode tx %d: %w", i, err)
		}
		out.RawTxs = append(out.RawTxs, raw)
		out.TxHashes = append(out.TxHashes, tx.Hash())
	}
	return out, nil
}

// SignText signs msg as an EIP-191 personal message. v is 27 or 28.
func (s *LocalSigner) SignText(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// UnavailableSigner fails fast for deployments without a key, so intents
// expire instead of waiting on a signer that will never answer.
type UnavailableSigner struct{}

// Ref identifies the signer on intents.
func (UnavailableSigner) Ref() string { return "unavailable" }

// Sign always returns ErrSignerUnavailable.
func (UnavailableSigner) Sign(context.Context, domain.ExecutionIntent) (domain.SignedPayload, error) {
	return domain.SignedPayload{}, domain.ErrSignerUnavailable
}
