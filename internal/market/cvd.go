package market

import "github.com/shopspring/decimal"

type CVDMetrics struct {
	Value      decimal.Decimal
	Momentum   decimal.Decimal
	Normalized decimal.Decimal // position of the last value inside the window range, 0~1
	Divergence string
}

const cvdMomentumBars = 6

// ComputeCVD accumulates taker buy minus taker sell volume bar by bar.
func ComputeCVD(candles []Candle) (CVDMetrics, bool) {
	if len(candles) == 0 {
		return CVDMetrics{}, false
	}
	cvd := make([]decimal.Decimal, 0, len(candles))
	closes := make([]decimal.Decimal, 0, len(candles))
	cumulative := decimal.Zero
	for _, c := range candles {
		buy := decimal.NewFromFloat(c.TakerBuyVolume)
		sell := decimal.NewFromFloat(c.TakerSellVolume())
		cumulative = cumulative.Add(buy.Sub(sell))
		cvd = append(cvd, cumulative)
		closes = append(closes, decimal.NewFromFloat(c.Close))
	}

	last := cvd[len(cvd)-1]
	minVal, maxVal := cvd[0], cvd[0]
	for _, v := range cvd[1:] {
		minVal = decimal.Min(minVal, v)
		maxVal = decimal.Max(maxVal, v)
	}
	norm := decimal.NewFromFloat(0.5)
	if maxVal.GreaterThan(minVal) {
		norm = last.Sub(minVal).Div(maxVal.Sub(minVal))
	}

	pricePrev, cvdPrev := closes[0], cvd[0]
	if len(closes) > cvdMomentumBars {
		pricePrev = closes[len(closes)-cvdMomentumBars]
		cvdPrev = cvd[len(cvd)-cvdMomentumBars]
	}
	priceNow := closes[len(closes)-1]

	divergence := "neutral"
	if priceNow.GreaterThan(pricePrev) && last.LessThan(cvdPrev) {
		divergence = "bearish"
	} else if priceNow.LessThan(pricePrev) && last.GreaterThan(cvdPrev) {
		divergence = "bullish"
	}

	return CVDMetrics{
		Value:      last,
		Momentum:   last.Sub(cvdPrev),
		Normalized: norm,
		Divergence: divergence,
	}, true
}

// TradeDelta splits public fills into aggressive buy and sell quantity.
func TradeDelta(trades []Trade) (buy, sell decimal.Decimal) {
	buy, sell = decimal.Zero, decimal.Zero
	for _, t := range trades {
		q := decimal.NewFromFloat(t.Quantity)
		if t.BuyerMaker {
			sell = sell.Add(q)
		} else {
			buy = buy.Add(q)
		}
	}
	return buy, sell
}
