package detector

import (
	"github.com/alanyoungcy/mevengine/internal/domain"
)

// arbitrage trades a price gap between two pools of the same pair, funded
// from inventory.
type arbitrage struct {
	cfg *Config
}

func newArbitrage(cfg *Config) Strategy { return &arbitrage{cfg: cfg} }

func (a *arbitrage) Type() domain.OpportunityType { return domain.TypeArbitrage }

func (a *arbitrage) Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity {
	spec := a.cfg.Chain(ev.ChainID)
	if spec == nil || ev.Kind != domain.EventBlock {
		return nil
	}
	var out []domain.Opportunity
	for _, plan := range plans(spec, ev, snap.Reserves) {
		amount := minInt(plan.optimal, a.cfg.InventoryLimit)
		if amount.Sign() <= 0 {
			continue
		}
		gross, path := plan.execute(amount)
		if !a.cfg.profitable(gross) {
			continue
		}
		out = append(out, a.cfg.newOpportunity(ev, draft{
			typ:      domain.TypeArbitrage,
			stateKey: poolsKey(plan.buyPool.Address, plan.sellPool.Address),
			path:     path,
			gross:    gross,
			notional: path[0].Amount,
			asset:    spec.symbol(plan.other),
			pairs:    usdPairs(spec),
		}))
	}
	return out
}
