package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluence/internal/execution"
	"confluence/internal/ratelimit"
)

type fakeVenue struct {
	mu    sync.Mutex
	hits  map[string]int
	close time.Time
}

func (f *fakeVenue) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeVenue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	closeMs := f.close.UnixMilli()
	switch r.URL.Path {
	case "/fapi/v1/klines":
		fmt.Fprintf(w, `[[%d,"100","101","99","100.5","10",%d,"1005",5,"6","603","0"],[%d,"100.5","102","100","101.5","12",%d,"1218",7,"4","406","0"]]`,
			closeMs-119999, closeMs-60000, closeMs-59999, closeMs)
	case "/fapi/v1/depth":
		fmt.Fprintf(w, `{"lastUpdateId":1,"E":%d,"T":%d,"bids":[["101.4","3"],["101.3","1"]],"asks":[["101.6","2"]]}`, closeMs, closeMs)
	case "/fapi/v1/trades":
		fmt.Fprintf(w, `[{"id":1,"price":"101.5","qty":"2","quoteQty":"203","time":%d,"isBuyerMaker":false},{"id":2,"price":"101.4","qty":"1","quoteQty":"101.4","time":%d,"isBuyerMaker":true}]`, closeMs, closeMs)
	case "/fapi/v1/ticker/24hr":
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","priceChange":"1.5","priceChangePercent":"1.5","lastPrice":"101.5","quoteVolume":"250000","closeTime":%d}]`, closeMs)
	case "/fapi/v1/premiumIndex":
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","markPrice":"101.45","lastFundingRate":"0.0001","nextFundingTime":0,"time":%d}]`, closeMs)
	default:
		http.NotFound(w, r)
	}
}

func newTestDataClient(t *testing.T) (*DataClient, *fakeVenue, *ratelimit.Budget, time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	venue := &fakeVenue{hits: make(map[string]int), close: now.Add(-time.Millisecond)}
	srv := httptest.NewServer(venue)
	t.Cleanup(srv.Close)

	budget := ratelimit.New(ratelimit.Config{})
	client, err := NewDataClient(Config{RESTBaseURL: srv.URL, SnapshotTTL: time.Minute}, budget)
	require.NoError(t, err)
	client.clock = func() time.Time { return now }
	return client, venue, budget, now
}

func TestDataClientAssemblesSnapshot(t *testing.T) {
	client, _, budget, now := newTestDataClient(t)

	snap, err := client.Snapshot(context.Background(), "btc/usdt")
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, now, snap.FetchedAt)
	require.Len(t, snap.Candles, 2)
	assert.Equal(t, 4.0, snap.Candles[1].TakerBuyVolume)
	assert.Equal(t, 101.5, snap.Candles[1].Close)

	bid, ok := snap.OrderBook.BestBid()
	require.True(t, ok)
	assert.Equal(t, 101.4, bid.Price)
	bids, asks := snap.OrderBook.Depth(10)
	assert.Equal(t, 4.0, bids)
	assert.Equal(t, 2.0, asks)

	require.Len(t, snap.Trades, 2)
	assert.True(t, snap.Trades[1].BuyerMaker)

	assert.Equal(t, 101.5, snap.Ticker.LastPrice)
	assert.Equal(t, 101.45, snap.Ticker.MarkPrice)
	assert.Equal(t, 0.0001, snap.Ticker.FundingRate)
	assert.Equal(t, 101.45, snap.Price())

	usage := budget.Usage()
	assert.Equal(t, 4, usage.Requests)
	assert.Equal(t, klinesWeight(120)+depthWeight(20)+tradesWeight+tickerWeight+premiumIndexWeight, usage.Weight)
}

func TestDataClientServesFromCacheWithinTTL(t *testing.T) {
	client, venue, _, _ := newTestDataClient(t)

	_, err := client.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	_, err = client.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, 1, venue.count("/fapi/v1/klines"))
	assert.Equal(t, 1, venue.count("/fapi/v1/depth"))
}

func TestDataClientDropsFormingCandle(t *testing.T) {
	client, venue, _, now := newTestDataClient(t)
	venue.close = now.Add(30 * time.Second)

	snap, err := client.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, snap.Candles, 1)
}

func TestDataClientRejectsBadSymbol(t *testing.T) {
	client, _, _, _ := newTestDataClient(t)
	_, err := client.Snapshot(context.Background(), "")
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{DepthLimit: 30, KlineLimit: 5000}).withDefaults()
	assert.Equal(t, "https://fapi.binance.com", cfg.RESTBaseURL)
	assert.Equal(t, 50, cfg.DepthLimit)
	assert.Equal(t, maxKlineLimit, cfg.KlineLimit)
	assert.Equal(t, "5m", cfg.KlineInterval)
	assert.Equal(t, 1, cfg.Leverage)
	assert.Equal(t, 1000, normalizeDepthLimit(5000))
}

func TestTargetQuantityRoundsDownToStep(t *testing.T) {
	step := decimal.RequireFromString("0.001")
	qty := targetQuantity(10000, 0.13, 65000, step)
	// 1300 / 65000 = 0.02
	assert.Equal(t, "0.02", qty.String())

	qty = targetQuantity(10000, 0.1, 30001, step)
	assert.Equal(t, "0.033", qty.String())

	assert.Equal(t, "101.5", roundToTick(decimal.RequireFromString("101.46"), decimal.RequireFromString("0.5")).String())
}

func TestClassifySeparatesRejections(t *testing.T) {
	rejected := classify(&common.APIError{Code: -2019, Message: "Margin is insufficient."})
	assert.ErrorIs(t, rejected, execution.ErrOrderRejected)
	var re *execution.RejectedError
	require.True(t, errors.As(rejected, &re))
	assert.Equal(t, int64(-2019), re.Code)

	transient := classify(&common.APIError{Code: -1001, Message: "Internal error"})
	assert.NotErrorIs(t, transient, execution.ErrOrderRejected)
	assert.Equal(t, int64(codeDuplicateClientID), apiCode(fmt.Errorf("wrapped: %w", &common.APIError{Code: codeDuplicateClientID})))
	assert.Nil(t, classify(nil))
}

func TestStopClientIDIsStable(t *testing.T) {
	a := stopClientID("8f0c9a0e-0000-5000-8000-000000000001")
	b := stopClientID("8f0c9a0e-0000-5000-8000-000000000001")
	assert.Equal(t, a, b)
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, stopClientID("8f0c9a0e-0000-5000-8000-000000000002"))
}

func TestNewExchangeNeedsCredentials(t *testing.T) {
	_, err := NewExchange(Config{}, nil)
	assert.Error(t, err)
	ex, err := NewExchange(Config{APIKey: "k", APISecret: "s"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, ex)
}
