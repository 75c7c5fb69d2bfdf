// Package selector picks an execution strategy per opportunity and the subset
// of candidates that fits the tick's execution capacity.
package selector

import (
	"math/big"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Strategy IDs.
const (
	PublicMempool   = "public_mempool"
	PrivateBundle   = "private_bundle"
	FlashloanBundle = "flashloan_bundle"
)

// ExecStrategy is one way of getting a bundle on chain.
type ExecStrategy struct {
	ID      string
	Types   []domain.OpportunityType
	Private bool
	// InclusionBps is the expected probability of inclusion.
	InclusionBps uint32
	// BuilderTipBps is the share of net profit paid to the block builder.
	BuilderTipBps uint32
}

// Supports reports whether s can execute t.
func (s ExecStrategy) Supports(t domain.OpportunityType) bool {
	for _, x := range s.Types {
		if x == t {
			return true
		}
	}
	return false
}

// ExpectedValue is net * (1 - tip) * inclusion, in integer bps arithmetic.
func (s ExecStrategy) ExpectedValue(net *big.Int) *big.Int {
	if net == nil || net.Sign() <= 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(net, big.NewInt(int64(10_000-s.BuilderTipBps)))
	v.Mul(v, big.NewInt(int64(s.InclusionBps)))
	return v.Quo(v, big.NewInt(100_000_000))
}

// Catalog is an ordered list of strategies; earlier entries win ties.
type Catalog []ExecStrategy

// DefaultCatalog is the built-in strategy set.
func DefaultCatalog() Catalog {
	return Catalog{
		{
			ID:           PublicMempool,
			Types:        []domain.OpportunityType{domain.TypeArbitrage, domain.TypeLiquidation},
			InclusionBps: 6_000,
		},
		{
			ID:            PrivateBundle,
			Types:         []domain.OpportunityType{domain.TypeArbitrage, domain.TypeLiquidation, domain.TypeSandwichProtect},
			Private:       true,
			InclusionBps:  8_500,
			BuilderTipBps: 2_000,
		},
		{
			ID:            FlashloanBundle,
			Types:         []domain.OpportunityType{domain.TypeFlashArb},
			Private:       true,
			InclusionBps:  8_000,
			BuilderTipBps: 2_000,
		},
	}
}

// Lookup returns the strategy with id.
func (c Catalog) Lookup(id string) (ExecStrategy, bool) {
	for _, s := range c {
		if s.ID == id {
			return s, true
		}
	}
	return ExecStrategy{}, false
}

// Choose returns the supporting strategy with the highest expected value for
// est. ok is false when no strategy supports the type or none is positive.
func (c Catalog) Choose(opp domain.Opportunity, est domain.ProfitEstimate) (ExecStrategy, *big.Int, bool) {
	var (
		best   ExecStrategy
		bestEV *big.Int
	)
	for _, s := range c {
		if !s.Supports(opp.Type) {
			continue
		}
		ev := s.ExpectedValue(est.NetProfit)
		if bestEV == nil || ev.Cmp(bestEV) > 0 {
			best, bestEV = s, ev
		}
	}
	if bestEV == nil || bestEV.Sign() <= 0 {
		return ExecStrategy{}, nil, false
	}
	return best, bestEV, true
}
