package evm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Clients holds one HTTP JSON-RPC client per chain.
type Clients struct {
	mu      sync.RWMutex
	clients map[uint64]*ethclient.Client
	logger  *slog.Logger
}

// DialClients dials every chain's HTTP endpoint. An empty URL is skipped.
func DialClients(ctx context.Context, urls map[uint64]string, logger *slog.Logger) (*Clients, error) {
	c := &Clients{clients: make(map[uint64]*ethclient.Client, len(urls)), logger: logger}
	for id, url := range urls {
		if strings.TrimSpace(url) == "" {
			continue
		}
		cl, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("evm: dial chain %d: %w", id, err)
		}
		c.clients[id] = cl
	}
	return c, nil
}

// Get returns the client for chainID.
func (c *Clients) Get(chainID uint64) (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("evm: no rpc client for chain %d", chainID)
	}
	return cl, nil
}

// PendingNonceAt returns the next nonce for account on chainID.
func (c *Clients) PendingNonceAt(ctx context.Context, chainID uint64, account common.Address) (uint64, error) {
	cl, err := c.Get(chainID)
	if err != nil {
		return 0, err
	}
	return cl.PendingNonceAt(ctx, account)
}

// Close releases every client.
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.Close()
		delete(c.clients, id)
	}
}
