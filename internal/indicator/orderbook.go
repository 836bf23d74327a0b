package indicator

import (
	"context"
	"fmt"

	"confluence/internal/market"
)

// Orderbook 取前 N 档买卖挂单量的失衡度。
type Orderbook struct {
	cfg Settings
}

func (o Orderbook) Score(_ context.Context, snap market.Snapshot) (float64, error) {
	bids, asks := snap.OrderBook.Depth(o.cfg.DepthLevels)
	total := bids + asks
	if total <= 0 {
		return 0, fmt.Errorf("%w: empty order book", ErrInsufficientData)
	}
	return bipolar((bids - asks) / total), nil
}
