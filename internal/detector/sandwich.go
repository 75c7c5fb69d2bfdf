package detector

import (
	"math/big"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// sandwichProtect finds pending router swaps with loose slippage limits and
// proposes a private backrun that closes the price impact they leave. The
// swapper is refunded SandwichRefundPct of the backrun profit.
type sandwichProtect struct {
	cfg *Config
}

func newSandwich(cfg *Config) Strategy { return &sandwichProtect{cfg: cfg} }

func (s *sandwichProtect) Type() domain.OpportunityType { return domain.TypeSandwichProtect }

func (s *sandwichProtect) Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity {
	spec := s.cfg.Chain(ev.ChainID)
	if spec == nil || ev.Kind != domain.EventPending || len(spec.Routers) == 0 {
		return nil
	}
	var out []domain.Opportunity
	for i := range ev.Transactions {
		tx := &ev.Transactions[i]
		if tx.To == nil || !spec.Routers[*tx.To] {
			continue
		}
		if o, ok := s.evaluate(ev, spec, tx, snap.Reserves); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *sandwichProtect) evaluate(ev domain.ChainEvent, spec *ChainSpec, tx *domain.RawTransaction, view ReserveView) (domain.Opportunity, bool) {
	swap, err := decodeRouterSwap(*tx)
	if err != nil || len(swap.Path) != 2 {
		return domain.Opportunity{}, false
	}
	tokenIn, tokenOut := swap.Path[0], swap.Path[1]
	pool, ok := spec.PoolFor(tokenIn, tokenOut)
	if !ok {
		return domain.Opportunity{}, false
	}
	res, ok := view.Get(pool.Address)
	if !ok {
		return domain.Opportunity{}, false
	}
	victim := orient(poolRef{pool, res}, tokenIn)
	expected := AmountOut(swap.AmountIn, victim.in, victim.out, victim.feeBps)
	tolerance := new(big.Int).Sub(expected, swap.AmountOutMin)
	if tolerance.Sign() <= 0 {
		return domain.Opportunity{}, false
	}

	var tolValue *big.Int
	switch spec.WrappedNative {
	case tokenOut:
		tolValue = tolerance
	case tokenIn:
		tolValue = new(big.Int).Mul(tolerance, victim.in)
		tolValue.Quo(tolValue, victim.out)
	default:
		return domain.Opportunity{}, false
	}
	if tolValue.Cmp(s.cfg.SandwichMinValue) < 0 {
		return domain.Opportunity{}, false
	}

	// Reserves after the swap executes.
	after := Reserves{Block: res.Block}
	newIn := new(big.Int).Add(victim.in, swap.AmountIn)
	newOut := new(big.Int).Sub(victim.out, expected)
	if pool.Token0 == tokenIn {
		after.R0, after.R1 = newIn, newOut
	} else {
		after.R0, after.R1 = newOut, newIn
	}

	var best domain.Opportunity
	found := false
	for _, q := range spec.Siblings(pool) {
		qr, ok := view.Get(q.Address)
		if !ok {
			continue
		}
		plan, ok := planRoundTrip(spec, poolRef{pool, after}, poolRef{q, qr})
		if !ok {
			continue
		}
		amount := minInt(plan.optimal, s.cfg.InventoryLimit)
		profit, path := plan.execute(amount)
		if profit.Sign() <= 0 {
			continue
		}
		refund := new(big.Int).Mul(profit, big.NewInt(int64(s.cfg.SandwichRefundPct)))
		refund.Quo(refund, big.NewInt(100))
		gross := new(big.Int).Sub(profit, refund)
		if !s.cfg.profitable(gross) {
			continue
		}
		o := s.cfg.newOpportunity(ev, draft{
			typ:       domain.TypeSandwichProtect,
			sourceRef: ev.Ref + ":" + tx.Hash.Hex(),
			stateKey:  poolsKey(plan.buyPool.Address, plan.sellPool.Address),
			path:      path,
			gross:     gross,
			notional:  path[0].Amount,
			asset:     spec.symbol(plan.other),
			pairs:     usdPairs(spec),
			target:    tx,
			refundBps: s.cfg.SandwichRefundPct * 100,
		})
		if !found || beats(&o, &best) {
			best, found = o, true
		}
	}
	return best, found
}
