package detector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const bpsDenom = 10_000

var (
	bigBps = big.NewInt(bpsDenom)
)

// AmountOut is the V2 constant-product output for amountIn with a fee in bps,
// rounded down like the pair contract.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	withFee := new(big.Int).Mul(amountIn, big.NewInt(int64(bpsDenom-feeBps)))
	num := new(big.Int).Mul(withFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, bigBps)
	den.Add(den, withFee)
	return num.Quo(num, den)
}

// leg is one side of a trade through a pool, oriented in trade direction.
type leg struct {
	in, out *big.Int
	feeBps  uint32
}

// optimalInput returns the input that maximises out(buy then sell) - in for
// two constant-product pools, or nil when no input is profitable. buy trades
// X for Y, sell trades Y back to X.
func optimalInput(buy, sell leg) *big.Int {
	g1 := big.NewInt(int64(bpsDenom - buy.feeBps))
	g2 := big.NewInt(int64(bpsDenom - sell.feeBps))

	// Composite pool: E0 = num0/den, E1 = num1/den.
	num0 := new(big.Int).Mul(buy.in, sell.in)
	num0.Mul(num0, bigBps)
	num1 := new(big.Int).Mul(g2, buy.out)
	num1.Mul(num1, sell.out)
	den := new(big.Int).Mul(sell.in, bigBps)
	den.Add(den, new(big.Int).Mul(g2, buy.out))

	s := new(big.Int).Mul(g1, num0)
	s.Mul(s, num1)
	s.Quo(s, bigBps)
	s.Sqrt(s)
	if s.Cmp(num0) <= 0 {
		return nil
	}
	x := s.Sub(s, num0)
	x.Mul(x, bigBps)
	x.Quo(x, new(big.Int).Mul(den, g1))
	if x.Sign() <= 0 {
		return nil
	}
	return x
}

// roundTrip returns the X received for x through buy then sell, and the
// intermediate Y amount.
func roundTrip(x *big.Int, buy, sell leg) (out, mid *big.Int) {
	mid = AmountOut(x, buy.in, buy.out, buy.feeBps)
	out = AmountOut(mid, sell.in, sell.out, sell.feeBps)
	return out, mid
}

// orient returns p's reserves oriented for a trade selling token.
func orient(p poolRef, token common.Address) leg {
	if p.pool.Token0 == token {
		return leg{in: p.res.R0, out: p.res.R1, feeBps: p.pool.FeeBps}
	}
	return leg{in: p.res.R1, out: p.res.R0, feeBps: p.pool.FeeBps}
}

func reversed(l leg) leg {
	return leg{in: l.out, out: l.in, feeBps: l.feeBps}
}

func mulBps(v *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(bps)))
	return out.Quo(out, bigBps)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
