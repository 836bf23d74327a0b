package indicator

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"confluence/internal/market"
)

// PriceStructure 看收盘价在回看区间内的位置，以及前后半窗的高低点是否抬升。
type PriceStructure struct {
	cfg Settings
}

func (p PriceStructure) Score(_ context.Context, snap market.Snapshot) (float64, error) {
	n := p.cfg.StructureLookback
	candles := snap.Candles
	if len(candles) < n || n < 4 {
		return 0, fmt.Errorf("%w: structure needs %d candles, have %d", ErrInsufficientData, n, len(candles))
	}
	highs := market.Highs(candles)
	lows := market.Lows(candles)
	last := candles[len(candles)-1].Close

	hh := lastValid(talib.Max(highs, n))
	ll := lastValid(talib.Min(lows, n))
	position := 0.5
	if hh > ll {
		position = (last - ll) / (hh - ll)
	}

	half := n / 2
	recentH, recentL := extremes(highs[len(highs)-half:], lows[len(lows)-half:])
	priorH, priorL := extremes(highs[len(highs)-n:len(highs)-half], lows[len(lows)-n:len(lows)-half])
	trend := 0.0
	switch {
	case recentH > priorH && recentL > priorL:
		trend = 1
	case recentH < priorH && recentL < priorL:
		trend = -1
	case recentH > priorH || recentL > priorL:
		trend = 0.3
	case recentH < priorH || recentL < priorL:
		trend = -0.3
	}
	return 100 * (0.6*clampPosition(position) + 0.4*(0.5+0.5*trend)), nil
}

func extremes(highs, lows []float64) (hi, lo float64) {
	hi, lo = highs[0], lows[0]
	for i := range highs {
		hi = max(hi, highs[i])
		lo = min(lo, lows[i])
	}
	return hi, lo
}

func clampPosition(v float64) float64 {
	return max(0, min(1, v))
}
