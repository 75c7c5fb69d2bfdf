package detector

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// liquidation repays part of an unhealthy borrower's debt and seizes the
// collateral plus the market's bonus.
type liquidation struct {
	cfg *Config
}

func newLiquidation(cfg *Config) Strategy { return &liquidation{cfg: cfg} }

func (l *liquidation) Type() domain.OpportunityType { return domain.TypeLiquidation }

type positionKey struct {
	market   common.Address
	borrower common.Address
}

func (l *liquidation) Detect(ev domain.ChainEvent, snap Snapshot) []domain.Opportunity {
	spec := l.cfg.Chain(ev.ChainID)
	if spec == nil || ev.Kind != domain.EventBlock || len(spec.Lending) == 0 {
		return nil
	}

	// Only the last update per position in the block describes its state.
	latest := map[positionKey]positionUpdate{}
	var order []positionKey
	for _, tx := range ev.Transactions {
		for _, lg := range tx.Logs {
			if _, ok := spec.Lending[lg.Address]; !ok {
				continue
			}
			pos, err := decodePosition(lg)
			if err != nil {
				continue
			}
			k := positionKey{lg.Address, pos.Borrower}
			if _, ok := latest[k]; !ok {
				order = append(order, k)
			}
			latest[k] = pos
		}
	}

	var out []domain.Opportunity
	for _, k := range order {
		if o, ok := l.evaluate(ev, spec, spec.Lending[k.market], latest[k], snap.Oracle); ok {
			out = append(out, o)
		}
	}
	return out
}

func (l *liquidation) evaluate(ev domain.ChainEvent, spec *ChainSpec, m LendingMarket, pos positionUpdate, oracle *domain.OracleSnapshot) (domain.Opportunity, bool) {
	coll, ok1 := spec.Token(pos.CollateralAsset)
	debt, ok2 := spec.Token(pos.DebtAsset)
	if !ok1 || !ok2 || pos.DebtAmount.Sign() <= 0 || pos.CollateralAmount.Sign() <= 0 {
		return domain.Opportunity{}, false
	}

	collPair := coll.Symbol + "/" + debt.Symbol
	price, ok := oraclePrice(oracle, ev.ChainID, collPair)
	if !ok {
		return domain.Opportunity{}, false
	}
	collValue := convert(pos.CollateralAmount, price, coll.Decimals)

	// health factor = collValue * threshold / debt; liquidatable below 1.
	lhs := new(big.Int).Mul(collValue, big.NewInt(int64(m.ThresholdBps)))
	rhs := new(big.Int).Mul(pos.DebtAmount, bigBps)
	if lhs.Cmp(rhs) >= 0 {
		return domain.Opportunity{}, false
	}

	repay := mulBps(pos.DebtAmount, m.CloseFactorBps)
	if repay.Sign() <= 0 {
		return domain.Opportunity{}, false
	}
	seizeValue := mulBps(repay, bpsDenom+m.BonusBps)
	seize := new(big.Int).Mul(seizeValue, domain.Pow10(coll.Decimals))
	seize.Quo(seize, price)
	if seize.Cmp(pos.CollateralAmount) > 0 {
		seize.Set(pos.CollateralAmount)
		seizeValue = collValue
	}
	profitDebt := new(big.Int).Sub(seizeValue, repay)
	if profitDebt.Sign() <= 0 {
		return domain.Opportunity{}, false
	}

	pairs := []string{collPair}
	gross, notional := profitDebt, new(big.Int).Set(repay)
	if debt.Address != spec.WrappedNative {
		nativePair := debt.Symbol + "/" + spec.NativeSymbol
		dp, ok := oraclePrice(oracle, ev.ChainID, nativePair)
		if !ok {
			return domain.Opportunity{}, false
		}
		gross = convert(profitDebt, dp, debt.Decimals)
		notional = convert(repay, dp, debt.Decimals)
		pairs = append(pairs, nativePair)
	}
	if !l.cfg.profitable(gross) {
		return domain.Opportunity{}, false
	}

	return l.cfg.newOpportunity(ev, draft{
		typ:      domain.TypeLiquidation,
		stateKey: "lend:" + strings.ToLower(m.Address.Hex()) + ":" + strings.ToLower(pos.Borrower.Hex()),
		path: []domain.PathHop{
			{Protocol: m.Protocol, Pool: m.Address, TokenIn: debt.Address, TokenOut: coll.Address, Amount: repay},
			{Protocol: "collateral_seize", Pool: pos.Borrower, TokenIn: coll.Address, TokenOut: coll.Address, Amount: seize},
		},
		gross:    gross,
		notional: notional,
		asset:    coll.Symbol,
		pairs:    usdPairs(spec, pairs...),
	}), true
}
