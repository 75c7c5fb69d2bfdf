package detector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// ReserveView is an immutable set of pool reserves. The zero value is empty.
type ReserveView struct {
	m map[common.Address]Reserves
}

// Get returns the reserves of pool.
func (v ReserveView) Get(pool common.Address) (Reserves, bool) {
	r, ok := v.m[pool]
	return r, ok && r.R0 != nil && r.R1 != nil
}

// Len returns the number of known pools.
func (v ReserveView) Len() int { return len(v.m) }

// NewReserveView freezes reserves. The map is copied.
func NewReserveView(reserves map[common.Address]Reserves) ReserveView {
	m := make(map[common.Address]Reserves, len(reserves))
	for k, r := range reserves {
		m[k] = Reserves{R0: new(big.Int).Set(r.R0), R1: new(big.Int).Set(r.R1), Block: r.Block}
	}
	return ReserveView{m: m}
}

// ReserveBook tracks the latest reserves of a chain's registered pools from
// Sync logs. It is owned by one chain's dispatcher and is not safe for
// concurrent use; the views it hands out are.
type ReserveBook struct {
	spec *ChainSpec
	view ReserveView
}

// NewReserveBook creates an empty book for spec.
func NewReserveBook(spec *ChainSpec) *ReserveBook {
	return &ReserveBook{spec: spec}
}

// Apply folds the Sync logs of a block event into the book and returns the
// resulting view. Pending events leave the view unchanged. Logs are applied
// in the order the event lists them, so the last Sync of a pool wins.
func (b *ReserveBook) Apply(ev domain.ChainEvent) ReserveView {
	if ev.Kind != domain.EventBlock || b.spec == nil {
		return b.view
	}
	var next map[common.Address]Reserves
	for _, tx := range ev.Transactions {
		for _, l := range tx.Logs {
			if _, ok := b.spec.Pools[l.Address]; !ok {
				continue
			}
			r, err := decodeSync(l)
			if err != nil {
				continue
			}
			if next == nil {
				next = make(map[common.Address]Reserves, len(b.view.m)+1)
				for k, v := range b.view.m {
					next[k] = v
				}
			}
			r.Block = ev.BlockNumber
			next[l.Address] = r
		}
	}
	if next != nil {
		b.view = ReserveView{m: next}
	}
	return b.view
}

// View returns the current view.
func (b *ReserveBook) View() ReserveView { return b.view }

// touchedPools returns the registered pools with a Sync log in ev, in log
// order without duplicates.
func touchedPools(spec *ChainSpec, ev domain.ChainEvent) []domain.Pool {
	seen := map[common.Address]bool{}
	var out []domain.Pool
	for _, tx := range ev.Transactions {
		for _, l := range tx.Logs {
			p, ok := spec.Pools[l.Address]
			if !ok || seen[l.Address] || len(l.Topics) == 0 || l.Topics[0] != SyncTopic {
				continue
			}
			seen[l.Address] = true
			out = append(out, p)
		}
	}
	return out
}

type poolRef struct {
	pool domain.Pool
	res  Reserves
}
