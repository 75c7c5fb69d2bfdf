// Package flashbots talks to a Flashbots-compatible bundle relay: private
// bundle submission and simulate-only bundle calls.
package flashbots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// AuthSigner signs the relay's X-Flashbots-Signature header. The auth key
// identifies the searcher and never holds funds.
type AuthSigner interface {
	Address() common.Address
	SignText(msg []byte) ([]byte, error)
}

// Config tunes the relay client.
type Config struct {
	URL        string
	Timeout    time.Duration
	RateLimit  int
	RateWindow time.Duration
}

// Relay is a JSON-RPC client for the relay endpoint.
type Relay struct {
	cfg     Config
	http    *resty.Client
	auth    AuthSigner
	limiter domain.RateLimiter
	logger  *slog.Logger
	id      atomic.Uint64
}

// NewRelay creates a Relay. limiter may be nil.
func NewRelay(cfg Config, auth AuthSigner, limiter domain.RateLimiter, logger *slog.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Relay{
		cfg:     cfg,
		http:    client,
		auth:    auth,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "flashbots")),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call performs one signed JSON-RPC call and decodes the result into out.
// Transport and HTTP failures are TransientIO.
func (r *Relay) Call(ctx context.Context, method string, params any, out any) error {
	if r.limiter != nil && r.cfg.RateLimit > 0 {
		ok, err := r.limiter.Allow(ctx, "relay:"+method, r.cfg.RateLimit, r.cfg.RateWindow)
		if err != nil {
			r.logger.Debug("flashbots: rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return domain.E(domain.KindTransientIO, "flashbots."+method, domain.ErrRateLimited)
		}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: r.id.Add(1), Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("flashbots: encode %s: %w", method, err)
	}
	req := r.http.R().SetContext(ctx).SetBody(body)
	if r.auth != nil {
		sig, err := r.auth.SignText([]byte(ethcrypto.Keccak256Hash(body).Hex()))
		if err != nil {
			return fmt.Errorf("flashbots: sign request: %w", err)
		}
		req.SetHeader("X-Flashbots-Signature", r.auth.Address().Hex()+":"+hexutil.Encode(sig))
	}

	resp, err := req.Post("")
	if err != nil {
		return domain.E(domain.KindTransientIO, "flashbots."+method, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return domain.E(domain.KindTransientIO, "flashbots."+method, domain.ErrRateLimited)
	}
	if resp.IsError() {
		return domain.E(domain.KindTransientIO, "flashbots."+method, fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())))
	}

	var rr rpcResponse
	if err := json.Unmarshal(resp.Body(), &rr); err != nil {
		return domain.E(domain.KindDataIntegrity, "flashbots."+method, fmt.Errorf("decode response: %w", err))
	}
	if rr.Error != nil {
		return fmt.Errorf("flashbots: %s: %d %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return domain.E(domain.KindDataIntegrity, "flashbots."+method, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func encodeTxs(raw [][]byte) []string {
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = hexutil.Encode(b)
	}
	return out
}
