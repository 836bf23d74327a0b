package indicator

import (
	"context"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"confluence/internal/market"
)

// Technical 综合 RSI、MACD 柱、EMA 快慢线与随机指标。
type Technical struct {
	cfg Settings
}

func (t Technical) minCandles() int {
	n := t.cfg.EMASlow
	if m := t.cfg.MACDSlow + t.cfg.MACDSignal; m > n {
		n = m
	}
	return n + 1
}

func (t Technical) Score(_ context.Context, snap market.Snapshot) (float64, error) {
	candles := snap.Candles
	if len(candles) < t.minCandles() {
		return 0, fmt.Errorf("%w: technical needs %d candles, have %d", ErrInsufficientData, t.minCandles(), len(candles))
	}
	closes := market.Closes(candles)
	highs := market.Highs(candles)
	lows := market.Lows(candles)

	atr := lastValid(talib.Atr(highs, lows, closes, t.cfg.ATRPeriod))
	if atr <= 0 {
		return 0, fmt.Errorf("%w: flat market, atr=0", ErrInsufficientData)
	}

	rsi := lastValid(talib.Rsi(closes, t.cfg.RSIPeriod))
	_, _, hist := talib.Macd(closes, t.cfg.MACDFast, t.cfg.MACDSlow, t.cfg.MACDSignal)
	macdScore := bipolar(math.Tanh(lastValid(hist) / atr))
	fast := lastValid(talib.Ema(closes, t.cfg.EMAFast))
	slow := lastValid(talib.Ema(closes, t.cfg.EMASlow))
	emaScore := bipolar(math.Tanh((fast - slow) / atr))
	k, _ := talib.Stoch(highs, lows, closes, t.cfg.StochPeriod, 3, talib.SMA, 3, talib.SMA)
	stoch := lastValid(k)

	return 0.35*rsi + 0.25*macdScore + 0.25*emaScore + 0.15*stoch, nil
}
