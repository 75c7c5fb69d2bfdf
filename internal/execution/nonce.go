package execution

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// NonceSource reads an account's next pending nonce.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, chainID uint64, account common.Address) (uint64, error)
}

// NonceManager hands out sequential nonces per chain, refreshing from the
// node after a Reset.
type NonceManager struct {
	src     NonceSource
	account common.Address

	mu   sync.Mutex
	next map[uint64]uint64
}

// NewNonceManager creates a NonceManager for account.
func NewNonceManager(src NonceSource, account common.Address) *NonceManager {
	return &NonceManager{src: src, account: account, next: map[uint64]uint64{}}
}

// Next reserves the next nonce on chainID.
func (n *NonceManager) Next(ctx context.Context, chainID uint64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.next[chainID]
	if !ok {
		fetched, err := n.src.PendingNonceAt(ctx, chainID, n.account)
		if err != nil {
			return 0, domain.E(domain.KindTransientIO, "execution.nonce", err)
		}
		v = fetched
	}
	n.next[chainID] = v + 1
	return v, nil
}

// Reset forgets the local counter so the next call re-reads the node. It is
// used whenever a reserved nonce may not have been consumed.
func (n *NonceManager) Reset(chainID uint64) {
	n.mu.Lock()
	delete(n.next, chainID)
	n.mu.Unlock()
}

// Prefetch reads the pending nonce for a chain without a local counter, so
// the next Launch does not wait on the node. The lock is not held across
// the read; a counter set meanwhile wins.
func (n *NonceManager) Prefetch(ctx context.Context, chainID uint64) error {
	n.mu.Lock()
	_, ok := n.next[chainID]
	n.mu.Unlock()
	if ok {
		return nil
	}
	fetched, err := n.src.PendingNonceAt(ctx, chainID, n.account)
	if err != nil {
		return domain.E(domain.KindTransientIO, "execution.nonce", err)
	}
	n.mu.Lock()
	if _, ok := n.next[chainID]; !ok {
		n.next[chainID] = fetched
	}
	n.mu.Unlock()
	return nil
}
