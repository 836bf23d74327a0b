package indicator

import (
	"context"

	"confluence/internal/market"
)

// IndexSource 提供市场情绪指数，market.FearGreedService 满足该接口。
type IndexSource interface {
	RefreshIfStale(ctx context.Context)
	Get() (market.FearGreedData, bool)
}

// Sentiment 混合恐惧贪婪指数与资金费率。正资金费率代表多头拥挤，向空方倾斜。
type Sentiment struct {
	cfg   Settings
	index IndexSource
}

func (s Sentiment) Score(ctx context.Context, snap market.Snapshot) (float64, error) {
	funding := bipolar(-snap.Ticker.FundingRate / s.cfg.FundingScale)
	if s.index == nil {
		return funding, nil
	}
	s.index.RefreshIfStale(ctx)
	data, ok := s.index.Get()
	if !ok {
		return funding, nil
	}
	w := s.cfg.SentimentIndexWeight
	return w*float64(data.Value) + (1-w)*funding, nil
}
