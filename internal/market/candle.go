package market

import "time"

type Candle struct {
	OpenTime       int64   `json:"open_time"`
	CloseTime      int64   `json:"close_time"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	TakerBuyVolume float64 `json:"taker_buy_volume"`
	Trades         int64   `json:"trades"`
}

// TakerSellVolume is the aggressive sell side implied by total volume.
func (c Candle) TakerSellVolume() float64 {
	sell := c.Volume - c.TakerBuyVolume
	if sell < 0 {
		return 0
	}
	return sell
}

func (c Candle) CloseAt() time.Time {
	return time.UnixMilli(c.CloseTime)
}

// Closed reports whether the bar had finished by now.
func (c Candle) Closed(now time.Time) bool {
	return c.CloseTime > 0 && now.UnixMilli() >= c.CloseTime
}

// DropUnclosed trims a trailing bar that is still forming.
func DropUnclosed(candles []Candle, now time.Time) []Candle {
	if len(candles) == 0 {
		return candles
	}
	if !candles[len(candles)-1].Closed(now) {
		return candles[:len(candles)-1]
	}
	return candles
}

func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
