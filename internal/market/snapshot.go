package market

import (
	"fmt"
	"math"
	"time"
)

type Ticker struct {
	Symbol         string    `json:"symbol"`
	LastPrice      float64   `json:"last_price"`
	MarkPrice      float64   `json:"mark_price"`
	FundingRate    float64   `json:"funding_rate"`
	PriceChangePct float64   `json:"price_change_pct"`
	QuoteVolume    float64   `json:"quote_volume"`
	Time           time.Time `json:"time"`
}

type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook holds bids best-first (descending) and asks best-first
// (ascending).
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	Time time.Time   `json:"time"`
}

func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

func (b OrderBook) Mid() float64 {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Depth sums quantity over the top n levels of each side.
func (b OrderBook) Depth(n int) (bidQty, askQty float64) {
	for i, lvl := range b.Bids {
		if i >= n {
			break
		}
		bidQty += lvl.Quantity
	}
	for i, lvl := range b.Asks {
		if i >= n {
			break
		}
		askQty += lvl.Quantity
	}
	return bidQty, askQty
}

// Trade is one public fill. BuyerMaker true means the aggressor sold.
type Trade struct {
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	BuyerMaker bool      `json:"buyer_maker"`
	Time       time.Time `json:"time"`
}

// Snapshot is one consistent read of everything the indicators consume.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Ticker    Ticker    `json:"ticker"`
	OrderBook OrderBook `json:"orderbook"`
	Trades    []Trade   `json:"trades"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Age is measured from the oldest feed timestamp in the snapshot.
func (s Snapshot) Age(now time.Time) time.Duration {
	oldest := s.FetchedAt
	for _, ts := range []time.Time{s.Ticker.Time, s.OrderBook.Time} {
		if !ts.IsZero() && ts.Before(oldest) {
			oldest = ts
		}
	}
	if oldest.IsZero() {
		return math.MaxInt64
	}
	return now.Sub(oldest)
}

func (s Snapshot) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("snapshot missing symbol")
	}
	if s.Ticker.LastPrice <= 0 && s.Ticker.MarkPrice <= 0 {
		return fmt.Errorf("snapshot %s has no price", s.Symbol)
	}
	if len(s.Candles) == 0 {
		return fmt.Errorf("snapshot %s has no candles", s.Symbol)
	}
	if bid, ok := s.OrderBook.BestBid(); ok {
		if ask, ok := s.OrderBook.BestAsk(); ok && bid.Price > ask.Price {
			return fmt.Errorf("snapshot %s has crossed book %.8g > %.8g", s.Symbol, bid.Price, ask.Price)
		}
	}
	return nil
}

// Price prefers the mark price, which is what liquidation and stops track.
func (s Snapshot) Price() float64 {
	if s.Ticker.MarkPrice > 0 {
		return s.Ticker.MarkPrice
	}
	return s.Ticker.LastPrice
}
