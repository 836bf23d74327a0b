package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"confluence/internal/types"
)

var (
	decZero    = decimal.Zero
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
	decimalEps = decimal.NewFromFloat(1e-9)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decClamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// adverseMove is the fractional move against a position, positive when
// the mark price sits on the losing side of entry.
func adverseMove(side types.Side, entry, mark float64) float64 {
	if entry <= 0 || mark <= 0 {
		return 0
	}
	e := decFromFloat(entry)
	m := decFromFloat(mark)
	switch side {
	case types.Short:
		return decToFloat(m.Sub(e).Div(e))
	case types.Long:
		return decToFloat(e.Sub(m).Div(e))
	default:
		return 0
	}
}

// stopPrice converts a stop-loss fraction into an absolute trigger price.
func stopPrice(side types.Side, entry, stopFraction float64) float64 {
	if entry <= 0 || stopFraction <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pct := decFromFloat(stopFraction)
	switch side {
	case types.Short:
		return decToFloat(base.Mul(decOne.Add(pct)))
	case types.Long:
		return decToFloat(base.Mul(decOne.Sub(pct)))
	default:
		return 0
	}
}

// StopPrice is exported for the execution layer, which places protective
// stop orders alongside entries.
func StopPrice(side types.Side, entry, stopFraction float64) float64 {
	return stopPrice(side, entry, stopFraction)
}
