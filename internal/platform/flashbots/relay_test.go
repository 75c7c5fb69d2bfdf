package flashbots

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/crypto"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/platform/evm"
)

type fakeChain struct {
	head    atomic.Uint64
	step    uint64
	mu      sync.Mutex
	receipt *types.Receipt
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head.Add(f.step) - f.step, nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func readers(c *fakeChain) ChainReaders {
	return func(uint64) (evm.ReceiptReader, error) { return c, nil }
}

type capture struct {
	mu     sync.Mutex
	body   []byte
	header string
}

func relayServer(t *testing.T, c *capture, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.body = b
		c.header = r.Header.Get("X-Flashbots-Signature")
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func authSigner(t *testing.T) *crypto.LocalSigner {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewLocalSigner(key)
}

func payload() domain.SignedPayload {
	return domain.SignedPayload{
		IntentID: "intent-1",
		RawTxs:   [][]byte{{0x01, 0x02}, {0x03}},
		TxHashes: []common.Hash{common.HexToHash("0xaa"), common.HexToHash("0xbb")},
	}
}

func intent() domain.ExecutionIntent {
	return domain.ExecutionIntent{ID: "intent-1", ChainID: 1, Transactions: []domain.BuiltTx{{GasFeeCap: big.NewInt(40e9)}}}
}

func TestBundleSubmitterSignsAndWaitsForReceipt(t *testing.T) {
	var c capture
	srv := relayServer(t, &c, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{"bundleHash":"0xfeed"}}`)
	auth := authSigner(t)
	relay := NewRelay(Config{URL: srv.URL}, auth, nil, slog.Default())

	chain := &fakeChain{receipt: &types.Receipt{
		TxHash: common.HexToHash("0xbb"), Status: types.ReceiptStatusSuccessful,
		GasUsed: 180_000, EffectiveGasPrice: big.NewInt(31e9), BlockNumber: big.NewInt(101),
	}}
	chain.head.Store(100)
	sub := NewBundleSubmitter(relay, readers(chain), 10*time.Millisecond, 2, slog.Default())

	rcpt, err := sub.Submit(context.Background(), intent(), payload())
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
	assert.Equal(t, uint64(180_000), rcpt.GasUsed)
	assert.Equal(t, uint64(101), rcpt.BlockNumber)

	c.mu.Lock()
	defer c.mu.Unlock()
	var req struct {
		Method string             `json:"method"`
		Params []sendBundleParams `json:"params"`
	}
	require.NoError(t, json.Unmarshal(c.body, &req))
	assert.Equal(t, "eth_sendBundle", req.Method)
	require.Len(t, req.Params, 1)
	assert.Equal(t, []string{"0x0102", "0x03"}, req.Params[0].Txs)
	assert.Equal(t, hexutil.EncodeUint64(101), req.Params[0].BlockNumber)

	addr, sigHex, ok := strings.Cut(c.header, ":")
	require.True(t, ok)
	assert.Equal(t, auth.Address().Hex(), addr)
	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(ethcrypto.Keccak256Hash(c.body).Hex())), sig)
	require.NoError(t, err)
	assert.Equal(t, auth.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestBundleSubmitterNotIncludedAfterLookahead(t *testing.T) {
	var c capture
	srv := relayServer(t, &c, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{"bundleHash":"0xfeed"}}`)
	relay := NewRelay(Config{URL: srv.URL}, authSigner(t), nil, slog.Default())

	chain := &fakeChain{step: 1}
	chain.head.Store(100)
	sub := NewBundleSubmitter(relay, readers(chain), time.Millisecond, 1, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sub.Submit(ctx, intent(), payload())
	assert.ErrorIs(t, err, domain.ErrNotIncluded)
	assert.NoError(t, ctx.Err(), "lookahead should end the wait before the deadline")
}

func TestSimulateSubmitterReportsRevert(t *testing.T) {
	var c capture
	srv := relayServer(t, &c, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{
		"bundleGasPrice":"32000000000","totalGasUsed":330000,
		"results":[
			{"txHash":"0x00000000000000000000000000000000000000000000000000000000000000aa","gasUsed":150000},
			{"txHash":"0x00000000000000000000000000000000000000000000000000000000000000bb","gasUsed":180000,"revert":"minProfit"}
		]}}`)
	relay := NewRelay(Config{URL: srv.URL}, authSigner(t), nil, slog.Default())
	chain := &fakeChain{}
	chain.head.Store(500)

	rcpt, err := NewSimulateSubmitter(relay, readers(chain), slog.Default()).Submit(context.Background(), intent(), payload())
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.Equal(t, uint64(180_000), rcpt.GasUsed)
	assert.Equal(t, uint64(501), rcpt.BlockNumber)
	assert.Equal(t, big.NewInt(32e9), rcpt.EffectiveGasPrice)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Contains(t, string(c.body), `"stateBlockNumber":"latest"`)
	assert.Contains(t, string(c.body), `"eth_callBundle"`)
}

func TestRelayErrors(t *testing.T) {
	t.Run("throttled", func(t *testing.T) {
		var c capture
		srv := relayServer(t, &c, http.StatusTooManyRequests, `{}`)
		err := NewRelay(Config{URL: srv.URL}, nil, nil, slog.Default()).Call(context.Background(), "eth_sendBundle", struct{}{}, nil)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, domain.KindTransientIO, domain.KindOf(err))
	})

	t.Run("rpc error", func(t *testing.T) {
		var c capture
		srv := relayServer(t, &c, http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"bundle too large"}}`)
		err := NewRelay(Config{URL: srv.URL}, nil, nil, slog.Default()).Call(context.Background(), "eth_sendBundle", struct{}{}, nil)
		assert.ErrorContains(t, err, "-32000 bundle too large")
	})

	t.Run("local rate limit", func(t *testing.T) {
		var c capture
		srv := relayServer(t, &c, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":null}`)
		relay := NewRelay(Config{URL: srv.URL, RateLimit: 1, RateWindow: time.Second}, nil, denyAll{}, slog.Default())
		err := relay.Call(context.Background(), "eth_sendBundle", struct{}{}, nil)
		assert.True(t, errors.Is(err, domain.ErrRateLimited))
		assert.Nil(t, c.body, "denied calls never reach the relay")
	})
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
