package indicator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"confluence/internal/market"
)

var (
	decHalf    = decimal.NewFromFloat(0.5)
	decHundred = decimal.NewFromInt(100)
	// divergenceTilt 是价格与 CVD 背离时的得分修正。
	divergenceTilt = decimal.NewFromInt(10)
)

// Orderflow 结合 K 线累计成交量差 (CVD) 与最近逐笔成交的主动买卖比。
type Orderflow struct{}

func (Orderflow) Score(_ context.Context, snap market.Snapshot) (float64, error) {
	cvd, ok := market.ComputeCVD(snap.Candles)
	if !ok {
		return 0, fmt.Errorf("%w: no candles for cvd", ErrInsufficientData)
	}
	score := cvd.Normalized

	buy, sell := market.TradeDelta(snap.Trades)
	if total := buy.Add(sell); total.IsPositive() {
		// (buy-sell)/total 落在 [-1,1]，折算到 [0,1] 后与 CVD 位置等权
		ratio := buy.Sub(sell).Div(total)
		tape := decHalf.Add(decHalf.Mul(ratio))
		score = score.Add(tape).Mul(decHalf)
	}
	score = score.Mul(decHundred)

	switch cvd.Divergence {
	case "bullish":
		score = score.Add(divergenceTilt)
	case "bearish":
		score = score.Sub(divergenceTilt)
	}
	return score.InexactFloat64(), nil
}
