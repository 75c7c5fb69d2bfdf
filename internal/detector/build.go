package detector

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// draft carries the strategy-specific fields of a new opportunity.
type draft struct {
	typ       domain.OpportunityType
	sourceRef string
	stateKey  string
	path      []domain.PathHop
	gross     *big.Int
	notional  *big.Int
	asset     string
	pairs     []string
	target    *domain.RawTransaction
	refundBps uint32
}

func (c *Config) newOpportunity(ev domain.ChainEvent, d draft) domain.Opportunity {
	o := domain.Opportunity{
		ChainID:        ev.ChainID,
		Type:           d.typ,
		SourceRef:      d.sourceRef,
		DetectedAt:     ev.Timestamp,
		Path:           d.path,
		GrossProfit:    d.gross,
		Notional:       d.notional,
		Asset:          d.asset,
		StateKey:       d.stateKey,
		Pairs:          d.pairs,
		ExpiryDeadline: ev.Timestamp.Add(c.Expiry),
		Status:         domain.OppDetected,
	}
	if o.SourceRef == "" {
		o.SourceRef = ev.Ref
	}
	if d.target != nil {
		h := d.target.Hash
		o.TargetTx = &h
		o.TargetRawTx = append([]byte(nil), d.target.Encoded...)
		if d.typ == domain.TypeSandwichProtect {
			from := d.target.From
			o.RefundTo = &from
			o.RefundBps = d.refundBps
		}
	}
	o.ID = OpportunityID(&o)
	return o
}

func (c *Config) profitable(gross *big.Int) bool {
	return gross.Sign() > 0 && gross.Cmp(c.MinGrossProfit) >= 0
}

func poolsKey(a, b common.Address) string {
	k := pairKey(a, b)
	return "pools:" + strings.ToLower(k[0].Hex()) + ":" + strings.ToLower(k[1].Hex())
}

func usdPairs(spec *ChainSpec, extra ...string) []string {
	out := append([]string(nil), extra...)
	if spec.USDPair != "" {
		out = append(out, spec.USDPair)
	}
	return out
}

// roundTripPlan is a profitable buy-on-one, sell-on-other route that starts
// and ends in the wrapped native token.
type roundTripPlan struct {
	buyPool, sellPool domain.Pool
	buy, sell         leg
	native, other     common.Address
	optimal           *big.Int
}

// planRoundTrip finds the profitable direction between p and q, if any.
func planRoundTrip(spec *ChainSpec, p, q poolRef) (roundTripPlan, bool) {
	x := spec.WrappedNative
	if x == (common.Address{}) {
		return roundTripPlan{}, false
	}
	var y common.Address
	switch x {
	case p.pool.Token0:
		y = p.pool.Token1
	case p.pool.Token1:
		y = p.pool.Token0
	default:
		return roundTripPlan{}, false
	}
	for _, dir := range [2][2]poolRef{{p, q}, {q, p}} {
		buy := orient(dir[0], x)
		sell := orient(dir[1], y)
		if opt := optimalInput(buy, sell); opt != nil {
			return roundTripPlan{
				buyPool: dir[0].pool, sellPool: dir[1].pool,
				buy: buy, sell: sell,
				native: x, other: y,
				optimal: opt,
			}, true
		}
	}
	return roundTripPlan{}, false
}

// execute sizes the plan at amount and returns the realised profit and path.
func (r roundTripPlan) execute(amount *big.Int) (*big.Int, []domain.PathHop) {
	out, mid := roundTrip(amount, r.buy, r.sell)
	profit := new(big.Int).Sub(out, amount)
	return profit, []domain.PathHop{
		{Protocol: r.buyPool.Protocol, Pool: r.buyPool.Address, TokenIn: r.native, TokenOut: r.other, Amount: new(big.Int).Set(amount)},
		{Protocol: r.sellPool.Protocol, Pool: r.sellPool.Address, TokenIn: r.other, TokenOut: r.native, Amount: mid},
	}
}

// plans returns every profitable round trip between a pool touched by ev and
// its registered siblings, each pool pair once.
func plans(spec *ChainSpec, ev domain.ChainEvent, view ReserveView) []roundTripPlan {
	seen := map[string]bool{}
	var out []roundTripPlan
	for _, p := range touchedPools(spec, ev) {
		pr, ok := view.Get(p.Address)
		if !ok {
			continue
		}
		for _, q := range spec.Siblings(p) {
			k := poolsKey(p.Address, q.Address)
			if seen[k] {
				continue
			}
			seen[k] = true
			qr, ok := view.Get(q.Address)
			if !ok {
				continue
			}
			if plan, ok := planRoundTrip(spec, poolRef{p, pr}, poolRef{q, qr}); ok {
				out = append(out, plan)
			}
		}
	}
	return out
}

func (spec *ChainSpec) symbol(addr common.Address) string {
	if t, ok := spec.Tokens[addr]; ok {
		return t.Symbol
	}
	return strings.ToLower(addr.Hex())
}

// oraclePrice returns the scaled price of pair. Unreliable prices are
// returned with unreliable set so the opportunity can be rejected downstream
// with the reason attached.
func oraclePrice(snap *domain.OracleSnapshot, chainID uint64, pair string) (*big.Int, bool) {
	p, err := snap.Lookup(chainID, pair)
	if err != nil && !errors.Is(err, domain.ErrOracleUnreliable) {
		return nil, false
	}
	if p.Scaled == nil || p.Scaled.Sign() <= 0 {
		return nil, false
	}
	return p.Scaled, true
}

func convert(amount, scaled *big.Int, baseDecimals uint8) *big.Int {
	out := new(big.Int).Mul(amount, scaled)
	return out.Quo(out, domain.Pow10(baseDecimals))
}
