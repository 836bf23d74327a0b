package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotValidateAndAge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	snap := Snapshot{
		Symbol: "BTCUSDT",
		Ticker: Ticker{LastPrice: 100, MarkPrice: 100.5, Time: now.Add(-3 * time.Second)},
		OrderBook: OrderBook{
			Bids: []BookLevel{{Price: 99.9, Quantity: 2}, {Price: 99.8, Quantity: 1}},
			Asks: []BookLevel{{Price: 100.1, Quantity: 1}},
			Time: now.Add(-time.Second),
		},
		Candles:   []Candle{{Close: 100}},
		FetchedAt: now,
	}
	require.NoError(t, snap.Validate())
	assert.Equal(t, 3*time.Second, snap.Age(now))
	assert.Equal(t, 100.5, snap.Price())
	assert.InDelta(t, 100.0, snap.OrderBook.Mid(), 1e-9)

	bid, ask := snap.OrderBook.Depth(1)
	assert.Equal(t, 2.0, bid)
	assert.Equal(t, 1.0, ask)

	crossed := snap
	crossed.OrderBook.Asks = []BookLevel{{Price: 99, Quantity: 1}}
	assert.Error(t, crossed.Validate())

	empty := snap
	empty.Candles = nil
	assert.Error(t, empty.Validate())
}

func TestDataUnavailableError(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&DataUnavailableError{Symbol: "ETHUSDT", Feed: "snapshot", Err: cause})
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ETHUSDT snapshot unavailable")

	stale := &DataUnavailableError{Symbol: "ETHUSDT", Feed: "orderbook", Age: 40 * time.Second, MaxAge: 30 * time.Second}
	assert.Contains(t, stale.Error(), "stale")
}

func TestComputeCVD(t *testing.T) {
	candles := []Candle{
		{Close: 10, Volume: 10, TakerBuyVolume: 8},
		{Close: 11, Volume: 10, TakerBuyVolume: 7},
		{Close: 12, Volume: 10, TakerBuyVolume: 2},
	}
	m, ok := ComputeCVD(candles)
	require.True(t, ok)
	assert.Equal(t, "4", m.Value.String())
	assert.Equal(t, "0", m.Normalized.String())
	assert.Equal(t, "bearish", m.Divergence)

	_, ok = ComputeCVD(nil)
	assert.False(t, ok)
}

func TestTradeDelta(t *testing.T) {
	buy, sell := TradeDelta([]Trade{
		{Quantity: 1.5},
		{Quantity: 0.5, BuyerMaker: true},
		{Quantity: 2},
	})
	assert.Equal(t, "3.5", buy.String())
	assert.Equal(t, "0.5", sell.String())
}

func TestDropUnclosed(t *testing.T) {
	now := time.UnixMilli(10_000)
	candles := []Candle{{CloseTime: 5_000}, {CloseTime: 15_000}}
	assert.Len(t, DropUnclosed(candles, now), 1)
	assert.Len(t, DropUnclosed(candles[:1], now), 1)
}

func TestFearGreedServiceRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"name":"Fear and Greed Index","data":[
			{"value":"72","value_classification":"Greed","timestamp":"1700000000","time_until_update":"3600"},
			{"value":"65","value_classification":"Greed","timestamp":"1699913600"}
		],"metadata":{"error":null}}`))
	}))
	defer srv.Close()

	svc := NewFearGreedService(srv.URL, time.Second)
	_, ok := svc.Get()
	assert.False(t, ok)

	svc.RefreshIfStale(context.Background())
	data, ok := svc.Get()
	require.True(t, ok)
	assert.Equal(t, 72, data.Value)
	assert.Equal(t, "Greed", data.Classification)
	assert.Len(t, data.History, 2)

	svc.RefreshIfStale(context.Background())
	assert.Equal(t, 1, calls, "cached until the advertised update")
}

func TestFearGreedServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"metadata":{"error":"rate limited"}}`))
	}))
	defer srv.Close()

	svc := NewFearGreedService(srv.URL, time.Second)
	svc.RefreshIfStale(context.Background())
	data, ok := svc.Get()
	assert.False(t, ok)
	assert.Contains(t, data.Error, "rate limited")
}
