package indicator

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"confluence/internal/market"
)

// Volume 用 OBV 斜率衡量量能方向，用相对均量衡量力度。
type Volume struct {
	cfg Settings
}

func (v Volume) Score(_ context.Context, snap market.Snapshot) (float64, error) {
	period := v.cfg.VolumePeriod
	candles := snap.Candles
	if len(candles) < period+1 {
		return 0, fmt.Errorf("%w: volume needs %d candles, have %d", ErrInsufficientData, period+1, len(candles))
	}
	closes := market.Closes(candles)
	volumes := market.Volumes(candles)

	window := 0.0
	for _, vol := range volumes[len(volumes)-period:] {
		window += vol
	}
	if window <= 0 {
		return 50, nil
	}
	obv := talib.Obv(closes, volumes)
	thrust := (obv[len(obv)-1] - obv[len(obv)-1-period]) / window

	avg := lastValid(talib.Sma(volumes, period))
	conviction := 0.5
	if avg > 0 {
		conviction = 0.5 + 0.5*min(volumes[len(volumes)-1]/avg/2, 1)
	}
	return bipolar(thrust * conviction), nil
}
