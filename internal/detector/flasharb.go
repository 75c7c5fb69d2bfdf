package detector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

const flashLoanProtocol = "flash_loan"

// flashArb sizes the same gap as arbitrage past inventory, borrowing the
// input from a flash lender and repaying it plus fee in the same bundle.
type flashArb struct {
	cfg *Config
}

func newFlashArb(cfg *Config) Strategy { return &flashArb{cfg: cfg} }

func (f *flashArb) Type() domain.OpportunityType { return domain.TypeFlashArb }

func (f *flashArb) Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity {
	spec := f.cfg.Chain(ev.ChainID)
	if spec == nil || ev.Kind != domain.EventBlock || spec.FlashLender == (common.Address{}) {
		return nil
	}
	var out []domain.Opportunity
	for _, plan := range plans(spec, ev, snap.Reserves) {
		if plan.optimal.Cmp(f.cfg.InventoryLimit) <= 0 {
			continue
		}
		loan := plan.optimal
		fee := ceilBps(loan, f.cfg.FlashLoanFeeBps)
		profit, swaps := plan.execute(loan)
		gross := profit.Sub(profit, fee)
		if !f.cfg.profitable(gross) {
			continue
		}
		repay := new(big.Int).Add(loan, fee)
		path := make([]domain.PathHop, 0, len(swaps)+2)
		path = append(path, domain.PathHop{
			Protocol: flashLoanProtocol, Pool: spec.FlashLender,
			TokenIn: plan.native, TokenOut: plan.native, Amount: new(big.Int).Set(loan),
		})
		path = append(path, swaps...)
		path = append(path, domain.PathHop{
			Protocol: flashLoanProtocol, Pool: spec.FlashLender,
			TokenIn: plan.native, TokenOut: plan.native, Amount: repay,
		})
		out = append(out, f.cfg.newOpportunity(ev, draft{
			typ:      domain.TypeFlashArb,
			stateKey: poolsKey(plan.buyPool.Address, plan.sellPool.Address),
			path:     path,
			gross:    gross,
			notional: new(big.Int).Set(loan),
			asset:    spec.symbol(plan.other),
			pairs:    usdPairs(spec),
		}))
	}
	return out
}

func ceilBps(v *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(bps)))
	out.Add(out, big.NewInt(bpsDenom-1))
	return out.Quo(out, bigBps)
}
