package detector

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/config"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

// LendingMarket is a watched lending protocol deployment.
type LendingMarket struct {
	Protocol       string
	Address        common.Address
	ThresholdBps   uint32
	BonusBps       uint32
	CloseFactorBps uint32
	GasUsed        uint64
}

// ChainSpec is the immutable registry for one chain.
type ChainSpec struct {
	ChainID       uint64
	NativeSymbol  string
	WrappedNative common.Address
	USDPair       string
	FlashLender   common.Address
	Tokens        map[common.Address]domain.Token
	Pools         map[common.Address]domain.Pool
	Lending       map[common.Address]LendingMarket
	Routers       map[common.Address]bool

	// pairPools indexes pools by their sorted token pair, in address order.
	pairPools map[[2]common.Address][]common.Address
}

// Config is everything the strategies read besides the event and snapshot.
// It is never modified after construction.
type Config struct {
	Chains map[uint64]*ChainSpec

	Expiry            time.Duration
	MinGrossProfit    *big.Int
	FlashLoanFeeBps   uint32
	InventoryLimit    *big.Int
	SandwichMinValue  *big.Int
	SandwichRefundPct uint32
}

// Chain returns the spec for chainID, or nil.
func (c *Config) Chain(chainID uint64) *ChainSpec {
	return c.Chains[chainID]
}

// Token returns the registry entry for addr.
func (cs *ChainSpec) Token(addr common.Address) (domain.Token, bool) {
	t, ok := cs.Tokens[addr]
	return t, ok
}

// Siblings returns the other registered pools trading the same pair as pool,
// in address order.
func (cs *ChainSpec) Siblings(pool domain.Pool) []domain.Pool {
	var out []domain.Pool
	for _, addr := range cs.pairPools[pairKey(pool.Token0, pool.Token1)] {
		if addr != pool.Address {
			out = append(out, cs.Pools[addr])
		}
	}
	return out
}

// PoolFor returns the first registered pool trading a and b.
func (cs *ChainSpec) PoolFor(a, b common.Address) (domain.Pool, bool) {
	addrs := cs.pairPools[pairKey(a, b)]
	if len(addrs) == 0 {
		return domain.Pool{}, false
	}
	return cs.Pools[addrs[0]], true
}

// BuildConfig converts the file configuration into detector registries.
func BuildConfig(cfg config.Config) (*Config, error) {
	out := &Config{
		Chains:            make(map[uint64]*ChainSpec, len(cfg.Chains)),
		Expiry:            cfg.Detector.Expiry.Duration,
		MinGrossProfit:    cfg.Detector.MinGrossProfit.Int(),
		FlashLoanFeeBps:   cfg.Detector.FlashLoanFeeBps,
		InventoryLimit:    cfg.Detector.InventoryLimit.Int(),
		SandwichMinValue:  cfg.Detector.SandwichMinValue.Int(),
		SandwichRefundPct: cfg.Detector.SandwichRefundPct,
	}
	if out.SandwichRefundPct > 100 {
		return nil, fmt.Errorf("detector: sandwich refund pct %d above 100", out.SandwichRefundPct)
	}
	for _, ch := range cfg.Chains {
		spec, err := buildChain(ch)
		if err != nil {
			return nil, fmt.Errorf("detector: chain %d: %w", ch.ID, err)
		}
		out.Chains[ch.ID] = spec
	}
	return out, nil
}

func buildChain(ch config.ChainConfig) (*ChainSpec, error) {
	spec := &ChainSpec{
		ChainID:      ch.ID,
		NativeSymbol: ch.NativeSymbol,
		USDPair:      ch.USDPair,
		Tokens:       map[common.Address]domain.Token{},
		Pools:        map[common.Address]domain.Pool{},
		Lending:      map[common.Address]LendingMarket{},
		Routers:      map[common.Address]bool{},
		pairPools:    map[[2]common.Address][]common.Address{},
	}
	bySymbol := map[string]common.Address{}
	for _, t := range ch.Tokens {
		addr, err := parseAddress(t.Address)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		spec.Tokens[addr] = domain.Token{Symbol: t.Symbol, Address: addr, Decimals: t.Decimals}
		bySymbol[strings.ToUpper(t.Symbol)] = addr
	}

	resolve := func(s string) (common.Address, error) {
		if a, ok := bySymbol[strings.ToUpper(s)]; ok {
			return a, nil
		}
		return parseAddress(s)
	}

	if ch.WrappedNative != "" {
		w, err := resolve(ch.WrappedNative)
		if err != nil {
			return nil, fmt.Errorf("wrapped native: %w", err)
		}
		spec.WrappedNative = w
	}
	if ch.FlashLender != "" {
		l, err := parseAddress(ch.FlashLender)
		if err != nil {
			return nil, fmt.Errorf("flash lender: %w", err)
		}
		spec.FlashLender = l
	}

	for _, p := range ch.Pools {
		addr, err := parseAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("pool: %w", err)
		}
		t0, err := resolve(p.Token0)
		if err != nil {
			return nil, fmt.Errorf("pool %s token0: %w", p.Address, err)
		}
		t1, err := resolve(p.Token1)
		if err != nil {
			return nil, fmt.Errorf("pool %s token1: %w", p.Address, err)
		}
		if p.FeeBps >= 10_000 {
			return nil, fmt.Errorf("pool %s: fee %d bps", p.Address, p.FeeBps)
		}
		protocol := p.Protocol
		if protocol == "" {
			protocol = "uniswap_v2"
		}
		spec.Pools[addr] = domain.Pool{Address: addr, Protocol: protocol, Token0: t0, Token1: t1, FeeBps: p.FeeBps}
		k := pairKey(t0, t1)
		spec.pairPools[k] = append(spec.pairPools[k], addr)
	}
	for k := range spec.pairPools {
		addrs := spec.pairPools[k]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	}

	for _, l := range ch.Lending {
		addr, err := parseAddress(l.Address)
		if err != nil {
			return nil, fmt.Errorf("lending market: %w", err)
		}
		spec.Lending[addr] = LendingMarket{
			Protocol:       l.Protocol,
			Address:        addr,
			ThresholdBps:   l.ThresholdBps,
			BonusBps:       l.BonusBps,
			CloseFactorBps: l.CloseFactorBps,
			GasUsed:        l.EstimatedGasUsed,
		}
	}
	for _, r := range ch.Routers {
		addr, err := parseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		spec.Routers[addr] = true
	}
	return spec, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func pairKey(a, b common.Address) [2]common.Address {
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return [2]common.Address{a, b}
}
