package selector

import (
	"math/big"
	"sort"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Candidate is an approved opportunity waiting for execution capacity.
type Candidate struct {
	Opportunity domain.Opportunity
	Estimate    domain.ProfitEstimate
	Decision    domain.RiskDecision
	Strategy    ExecStrategy
	Expected    *big.Int
	// BaseFee is the chain base fee seen with the triggering event.
	BaseFee *big.Int
}

// Gas is the capacity the candidate consumes.
func (c Candidate) Gas() uint64 { return c.Estimate.GasUsed }

// Capacity is the execution budget of one scheduling tick.
type Capacity struct {
	GasBudget uint64
	Slots     int
}

// Select returns the subset of cands that maximises total expected value
// within capacity, in execution order (highest value first). Candidates are
// considered in FIFO order (detected_at, then ID) and an item only replaces
// the current best on strict improvement, so equal-value choices favour the
// earlier detection.
func Select(cands []Candidate, capacity Capacity, quantum uint64) []Candidate {
	if capacity.Slots <= 0 || len(cands) == 0 {
		return nil
	}
	if quantum == 0 {
		quantum = 1
	}

	items := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Expected != nil && c.Expected.Sign() > 0 && c.Gas() <= capacity.GasBudget {
			items = append(items, c)
		}
	}
	if len(items) == 0 {
		return nil
	}
	sort.SliceStable(items, func(i, j int) bool { return fifoLess(items[i], items[j]) })

	G := int(capacity.GasBudget / quantum)
	S := capacity.Slots
	if S > len(items) {
		S = len(items)
	}
	weight := make([]int, len(items))
	for i, c := range items {
		weight[i] = int((c.Gas() + quantum - 1) / quantum)
	}

	// dp[s][g] is the best value using at most s slots and g gas units.
	dp := make([][]*big.Int, S+1)
	for s := range dp {
		dp[s] = make([]*big.Int, G+1)
		for g := range dp[s] {
			dp[s][g] = new(big.Int)
		}
	}
	take := make([][][]bool, len(items))

	for i, c := range items {
		w := weight[i]
		take[i] = make([][]bool, S+1)
		for s := range take[i] {
			take[i][s] = make([]bool, G+1)
		}
		if w > G {
			continue
		}
		for s := S; s >= 1; s-- {
			for g := G; g >= w; g-- {
				cand := new(big.Int).Add(dp[s-1][g-w], c.Expected)
				if cand.Cmp(dp[s][g]) > 0 {
					dp[s][g] = cand
					take[i][s][g] = true
				}
			}
		}
	}

	var chosen []Candidate
	s, g := S, G
	for i := len(items) - 1; i >= 0 && s > 0; i-- {
		if take[i][s][g] {
			chosen = append(chosen, items[i])
			s--
			g -= weight[i]
		}
	}

	sort.SliceStable(chosen, func(i, j int) bool {
		if c := chosen[i].Expected.Cmp(chosen[j].Expected); c != 0 {
			return c > 0
		}
		return fifoLess(chosen[i], chosen[j])
	})
	return chosen
}

func fifoLess(a, b Candidate) bool {
	if !a.Opportunity.DetectedAt.Equal(b.Opportunity.DetectedAt) {
		return a.Opportunity.DetectedAt.Before(b.Opportunity.DetectedAt)
	}
	return a.Opportunity.ID < b.Opportunity.ID
}
