package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is one update from an external price feed.
type PriceQuote struct {
	ChainID   uint64          `json:"chain_id"`
	Pair      string          `json:"asset_pair"`
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
	Source    string          `json:"source"`
}

// PairPrice is the consolidated price of one pair. Scaled holds the price in
// minimal units of the quote asset per one whole unit of the base asset.
type PairPrice struct {
	ChainID       uint64          `json:"chain_id"`
	Pair          string          `json:"asset_pair"`
	Value         decimal.Decimal `json:"value"`
	Scaled        *big.Int        `json:"scaled"`
	QuoteDecimals uint8           `json:"quote_decimals"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Sources       int             `json:"sources"`
	DeviationBps  int64           `json:"deviation_bps"`
	Unreliable    bool            `json:"unreliable"`
	Stale         bool            `json:"stale"`
}

// OracleSnapshot is an immutable point-in-time view of every pair. Readers
// must not modify the prices it returns.
type OracleSnapshot struct {
	TakenAt time.Time
	Seq     uint64
	prices  map[string]PairPrice
}

// PairKey is the snapshot index for (chainID, pair).
func PairKey(chainID uint64, pair string) string {
	return fmt.Sprintf("%d:%s", chainID, pair)
}

// NewOracleSnapshot freezes prices. The map is copied.
func NewOracleSnapshot(seq uint64, takenAt time.Time, prices []PairPrice) *OracleSnapshot {
	m := make(map[string]PairPrice, len(prices))
	for _, p := range prices {
		p.Scaled = cloneInt(p.Scaled)
		m[PairKey(p.ChainID, p.Pair)] = p
	}
	return &OracleSnapshot{TakenAt: takenAt, Seq: seq, prices: m}
}

// Lookup returns the price for a pair. Unreliable pairs are returned together
// with ErrOracleUnreliable so callers can record the deviation.
func (s *OracleSnapshot) Lookup(chainID uint64, pair string) (PairPrice, error) {
	if s == nil {
		return PairPrice{}, ErrOracleMissing
	}
	p, ok := s.prices[PairKey(chainID, pair)]
	if !ok || p.Scaled == nil {
		return PairPrice{}, fmt.Errorf("%w: %d %s", ErrOracleMissing, chainID, pair)
	}
	if p.Unreliable {
		return p, fmt.Errorf("%w: %d %s deviation %dbps", ErrOracleUnreliable, chainID, pair, p.DeviationBps)
	}
	return p, nil
}

// Convert values amount (minimal units of the base asset, with baseDecimals)
// in minimal units of the quote asset. Integer arithmetic, truncating.
func (s *OracleSnapshot) Convert(chainID uint64, pair string, amount *big.Int, baseDecimals uint8) (*big.Int, error) {
	p, err := s.Lookup(chainID, pair)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amount, p.Scaled)
	return out.Quo(out, Pow10(baseDecimals)), nil
}

// Prices returns every pair, unordered.
func (s *OracleSnapshot) Prices() []PairPrice {
	if s == nil {
		return nil
	}
	out := make([]PairPrice, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, p)
	}
	return out
}

var pow10Cache [78]*big.Int

func init() {
	ten := big.NewInt(10)
	v := big.NewInt(1)
	for i := range pow10Cache {
		pow10Cache[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
}

// Pow10 returns 10^n. The result must not be mutated.
func Pow10(n uint8) *big.Int {
	if int(n) < len(pow10Cache) {
		return pow10Cache[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
