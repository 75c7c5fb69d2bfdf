// Package detector turns chain events into opportunities. Every strategy is a
// pure function of the event, the snapshot and the immutable Config.
package detector

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Snapshot is the read-only state a detection pass observes.
type Snapshot struct {
	Oracle   *domain.OracleSnapshot
	Reserves ReserveView
}

// Strategy detects one opportunity type.
type Strategy interface {
	Type() domain.OpportunityType
	Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity
}

// constructors is the compile-time registration table. Adding a type means
// adding its enum constant and an entry here.
var constructors = [domain.NumOpportunityTypes]func(*Config) Strategy{
	domain.TypeArbitrage:       newArbitrage,
	domain.TypeLiquidation:     newLiquidation,
	domain.TypeSandwichProtect: newSandwich,
	domain.TypeFlashArb:        newFlashArb,
}

// Table dispatches an event to every strategy.
type Table struct {
	cfg        *Config
	strategies [domain.NumOpportunityTypes]Strategy
}

// NewTable builds the table from the registration list.
func NewTable(cfg *Config) (*Table, error) {
	t := &Table{cfg: cfg}
	for i, ctor := range constructors {
		if ctor == nil {
			return nil, fmt.Errorf("detector: no strategy registered for %s", domain.OpportunityType(i))
		}
		s := ctor(cfg)
		if s.Type() != domain.OpportunityType(i) {
			return nil, fmt.Errorf("detector: strategy at %s reports %s", domain.OpportunityType(i), s.Type())
		}
		t.strategies[i] = s
	}
	return t, nil
}

// Config returns the table's registries.
func (t *Table) Config() *Config { return t.cfg }

// Detect runs every strategy over ev, resolves state conflicts and returns
// the opportunities sorted by ID. Superseded opportunities are included.
func (t *Table) Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity {
	if t.cfg.Chain(ev.ChainID) == nil {
		return nil
	}
	var out []domain.Opportunity
	for _, s := range t.strategies {
		out = append(out, s.Detect(ev, snap)...)
	}
	if len(out) == 0 {
		return nil
	}
	out = dedupe(out)
	Resolve(out)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve keeps, per (chain, state key), only the Detected opportunity with
// the highest gross profit, breaking ties by the lower ID. The others are
// marked Superseded in place.
func Resolve(opps []domain.Opportunity) {
	type key struct {
		chain uint64
		state string
	}
	winners := map[key]int{}
	for i := range opps {
		if opps[i].Status != domain.OppDetected {
			continue
		}
		k := key{opps[i].ChainID, opps[i].StateKey}
		w, ok := winners[k]
		if !ok || beats(&opps[i], &opps[w]) {
			winners[k] = i
		}
	}
	for i := range opps {
		if opps[i].Status != domain.OppDetected {
			continue
		}
		w := winners[key{opps[i].ChainID, opps[i].StateKey}]
		if w != i {
			opps[i].Status = domain.OppSuperseded
			opps[i].StatusReason = "superseded_by:" + opps[w].ID
		}
	}
}

func beats(a, b *domain.Opportunity) bool {
	if c := a.GrossProfit.Cmp(b.GrossProfit); c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}

func dedupe(opps []domain.Opportunity) []domain.Opportunity {
	seen := make(map[string]bool, len(opps))
	out := opps[:0]
	for _, o := range opps {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	return out
}
