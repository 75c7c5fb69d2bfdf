package selector

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cand(id string, expected int64, gas uint64, detected time.Duration) Candidate {
	return Candidate{
		Opportunity: domain.Opportunity{ID: id, DetectedAt: t0.Add(detected)},
		Estimate:    domain.ProfitEstimate{GasUsed: gas},
		Expected:    big.NewInt(expected),
	}
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Opportunity.ID
	}
	return out
}

func TestHigherProfitWinsSingleSlot(t *testing.T) {
	got := Select([]Candidate{
		cand("b", 80, 100_000, 0),
		cand("a", 100, 100_000, time.Millisecond),
	}, Capacity{GasBudget: 1_000_000, Slots: 1}, 10_000)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestEqualProfitPrefersEarlierDetection(t *testing.T) {
	later := cand("a", 100, 100_000, 5*time.Millisecond)
	earlier := cand("z", 100, 100_000, 0)
	for _, in := range [][]Candidate{{later, earlier}, {earlier, later}} {
		got := Select(in, Capacity{GasBudget: 1_000_000, Slots: 1}, 10_000)
		assert.Equal(t, []string{"z"}, ids(got))
	}

	// same timestamp falls back to ID order
	got := Select([]Candidate{cand("b", 100, 1, 0), cand("a", 100, 1, 0)}, Capacity{GasBudget: 10, Slots: 1}, 1)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestGasKnapsack(t *testing.T) {
	// one 100 item uses more gas than two 60 items together
	got := Select([]Candidate{
		cand("big", 100, 600_000, 0),
		cand("s1", 60, 500_000, time.Millisecond),
		cand("s2", 60, 500_000, 2*time.Millisecond),
	}, Capacity{GasBudget: 1_000_000, Slots: 3}, 10_000)
	assert.Equal(t, []string{"s1", "s2"}, ids(got))

	// with one slot the big one wins
	got = Select([]Candidate{
		cand("big", 100, 600_000, 0),
		cand("s1", 60, 500_000, time.Millisecond),
	}, Capacity{GasBudget: 1_000_000, Slots: 1}, 10_000)
	assert.Equal(t, []string{"big"}, ids(got))
}

func TestExecutionOrderIsByValue(t *testing.T) {
	var in []Candidate
	for i := 0; i < 6; i++ {
		in = append(in, cand(fmt.Sprintf("c%d", i), int64(10+i*10), 50_000, time.Duration(i)*time.Millisecond))
	}
	got := Select(in, Capacity{GasBudget: 3_000_000, Slots: 4}, 10_000)
	assert.Equal(t, []string{"c5", "c4", "c3", "c2"}, ids(got))
}

func TestSelectSkipsUnusable(t *testing.T) {
	got := Select([]Candidate{
		cand("zero", 0, 1, 0),
		cand("huge", 100, 5_000_000, 0),
		{Opportunity: domain.Opportunity{ID: "nil"}},
	}, Capacity{GasBudget: 1_000_000, Slots: 4}, 10_000)
	assert.Empty(t, got)
	assert.Nil(t, Select(nil, Capacity{GasBudget: 1, Slots: 0}, 1))
}

func TestCatalogChoose(t *testing.T) {
	c := DefaultCatalog()
	est := domain.ProfitEstimate{NetProfit: big.NewInt(1_000_000)}

	s, ev, ok := c.Choose(domain.Opportunity{Type: domain.TypeArbitrage}, est)
	require.True(t, ok)
	assert.Equal(t, PrivateBundle, s.ID, "0.8*0.85 beats 0.6")
	assert.Equal(t, "680000", ev.String())

	s, _, ok = c.Choose(domain.Opportunity{Type: domain.TypeFlashArb}, est)
	require.True(t, ok)
	assert.Equal(t, FlashloanBundle, s.ID)

	s, _, ok = c.Choose(domain.Opportunity{Type: domain.TypeSandwichProtect}, est)
	require.True(t, ok)
	assert.True(t, s.Private, "backruns are never public")

	_, _, ok = c.Choose(domain.Opportunity{Type: domain.TypeArbitrage}, domain.ProfitEstimate{NetProfit: big.NewInt(-1)})
	assert.False(t, ok)

	tie := Catalog{
		{ID: "first", Types: []domain.OpportunityType{domain.TypeLiquidation}, InclusionBps: 5_000},
		{ID: "second", Types: []domain.OpportunityType{domain.TypeLiquidation}, InclusionBps: 5_000},
	}
	s, _, _ = tie.Choose(domain.Opportunity{Type: domain.TypeLiquidation}, est)
	assert.Equal(t, "first", s.ID)
}
