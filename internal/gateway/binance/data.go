package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/sync/errgroup"

	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/pkg/symbol"
)

const maxKlineLimit = 1500

type cachedSnapshot struct {
	snap market.Snapshot
	at   time.Time
}

// DataClient assembles market snapshots from the USDⓈ-M REST API. Every
// request is admitted by the shared rate budget first.
type DataClient struct {
	cfg    Config
	client *futures.Client
	budget market.RateBudget
	clock  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSnapshot
	// inflight collapses concurrent fetches for the same symbol.
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	snap market.Snapshot
	err  error
}

var _ market.DataClient = (*DataClient)(nil)

func NewDataClient(cfg Config, budget market.RateBudget) (*DataClient, error) {
	final := cfg.withDefaults()
	client, err := newFuturesClient(final)
	if err != nil {
		return nil, err
	}
	return &DataClient{
		cfg:      final,
		client:   client,
		budget:   budget,
		clock:    time.Now,
		cache:    make(map[string]cachedSnapshot),
		inflight: make(map[string]*fetchCall),
	}, nil
}

func (d *DataClient) Snapshot(ctx context.Context, raw string) (market.Snapshot, error) {
	sym := symbol.Normalize(raw)
	if sym == "" {
		return market.Snapshot{}, fmt.Errorf("invalid symbol: %s", raw)
	}

	d.mu.Lock()
	if c, ok := d.cache[sym]; ok && d.clock().Sub(c.at) < d.cfg.SnapshotTTL {
		d.mu.Unlock()
		return c.snap, nil
	}
	if call, ok := d.inflight[sym]; ok {
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.snap, call.err
		case <-ctx.Done():
			return market.Snapshot{}, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	d.inflight[sym] = call
	d.mu.Unlock()

	call.snap, call.err = d.fetch(ctx, sym)

	d.mu.Lock()
	delete(d.inflight, sym)
	if call.err == nil {
		d.cache[sym] = cachedSnapshot{snap: call.snap, at: call.snap.FetchedAt}
	}
	d.mu.Unlock()
	close(call.done)
	return call.snap, call.err
}

func (d *DataClient) fetch(ctx context.Context, sym string) (market.Snapshot, error) {
	snap := market.Snapshot{Symbol: sym}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		candles, err := d.klines(gctx, sym)
		if err != nil {
			return feedErr(sym, "klines", err)
		}
		snap.Candles = candles
		return nil
	})
	group.Go(func() error {
		book, err := d.depth(gctx, sym)
		if err != nil {
			return feedErr(sym, "depth", err)
		}
		snap.OrderBook = book
		return nil
	})
	group.Go(func() error {
		trades, err := d.trades(gctx, sym)
		if err != nil {
			return feedErr(sym, "trades", err)
		}
		snap.Trades = trades
		return nil
	})
	group.Go(func() error {
		ticker, err := d.ticker(gctx, sym)
		if err != nil {
			return feedErr(sym, "ticker", err)
		}
		snap.Ticker = ticker
		return nil
	})
	if err := group.Wait(); err != nil {
		return market.Snapshot{}, err
	}
	snap.FetchedAt = d.clock()
	snap.Candles = market.DropUnclosed(snap.Candles, snap.FetchedAt)
	return snap, nil
}

func feedErr(sym, feed string, err error) error {
	return &market.DataUnavailableError{Symbol: sym, Feed: feed, Err: err}
}

// admit blocks on the rate budget and records the request once it is sent.
func (d *DataClient) admit(ctx context.Context, weight int) error {
	if d.budget == nil {
		return nil
	}
	if err := d.budget.WaitIfNeeded(ctx, weight); err != nil {
		return err
	}
	d.budget.Record(weight)
	return nil
}

func (d *DataClient) klines(ctx context.Context, sym string) ([]market.Candle, error) {
	if err := d.admit(ctx, klinesWeight(d.cfg.KlineLimit)); err != nil {
		return nil, err
	}
	kls, err := d.client.NewKlinesService().Symbol(sym).Interval(d.cfg.KlineInterval).Limit(d.cfg.KlineLimit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:       kl.OpenTime,
			CloseTime:      kl.CloseTime,
			Open:           parseFloat(kl.Open),
			High:           parseFloat(kl.High),
			Low:            parseFloat(kl.Low),
			Close:          parseFloat(kl.Close),
			Volume:         parseFloat(kl.Volume),
			TakerBuyVolume: parseFloat(kl.TakerBuyBaseAssetVolume),
			Trades:         kl.TradeNum,
		})
	}
	return out, nil
}

func (d *DataClient) depth(ctx context.Context, sym string) (market.OrderBook, error) {
	if err := d.admit(ctx, depthWeight(d.cfg.DepthLimit)); err != nil {
		return market.OrderBook{}, err
	}
	res, err := d.client.NewDepthService().Symbol(sym).Limit(d.cfg.DepthLimit).Do(ctx)
	if err != nil {
		return market.OrderBook{}, err
	}
	book := market.OrderBook{
		Bids: make([]market.BookLevel, 0, len(res.Bids)),
		Asks: make([]market.BookLevel, 0, len(res.Asks)),
		Time: d.clock(),
	}
	if res.TradeTime > 0 {
		book.Time = time.UnixMilli(res.TradeTime)
	}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, market.BookLevel{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, market.BookLevel{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return book, nil
}

func (d *DataClient) trades(ctx context.Context, sym string) ([]market.Trade, error) {
	if err := d.admit(ctx, tradesWeight); err != nil {
		return nil, err
	}
	res, err := d.client.NewRecentTradesService().Symbol(sym).Limit(d.cfg.TradesLimit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Trade, 0, len(res))
	for _, t := range res {
		if t == nil {
			continue
		}
		out = append(out, market.Trade{
			Price:      parseFloat(t.Price),
			Quantity:   parseFloat(t.Quantity),
			BuyerMaker: t.IsBuyerMaker,
			Time:       time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// ticker merges 24h stats with the premium index, which carries the mark
// price and the funding rate.
func (d *DataClient) ticker(ctx context.Context, sym string) (market.Ticker, error) {
	if err := d.admit(ctx, tickerWeight+premiumIndexWeight); err != nil {
		return market.Ticker{}, err
	}
	out := market.Ticker{Symbol: sym}
	stats, err := d.client.NewListPriceChangeStatsService().Symbol(sym).Do(ctx)
	if err != nil {
		return out, err
	}
	for _, st := range stats {
		if st == nil || !strings.EqualFold(st.Symbol, sym) {
			continue
		}
		out.LastPrice = parseFloat(st.LastPrice)
		out.PriceChangePct = parseFloat(st.PriceChangePercent)
		out.QuoteVolume = parseFloat(st.QuoteVolume)
		if st.CloseTime > 0 {
			out.Time = time.UnixMilli(st.CloseTime)
		}
	}
	idx, err := d.client.NewPremiumIndexService().Symbol(sym).Do(ctx)
	if err != nil {
		return out, err
	}
	for _, entry := range idx {
		if entry == nil || !strings.EqualFold(entry.Symbol, sym) {
			continue
		}
		out.MarkPrice = parseFloat(entry.MarkPrice)
		out.FundingRate = parseFloat(entry.LastFundingRate)
		if entry.Time > 0 {
			out.Time = time.UnixMilli(entry.Time)
		}
	}
	if out.LastPrice <= 0 && out.MarkPrice <= 0 {
		logger.Warnf("binance ticker %s returned no price", sym)
	}
	return out, nil
}

// MarkPrice reads the latest mark, bypassing the snapshot cache.
func (d *DataClient) MarkPrice(ctx context.Context, raw string) (float64, error) {
	sym := symbol.Normalize(raw)
	if sym == "" {
		return 0, fmt.Errorf("invalid symbol: %s", raw)
	}
	if err := d.admit(ctx, premiumIndexWeight); err != nil {
		return 0, err
	}
	idx, err := d.client.NewPremiumIndexService().Symbol(sym).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range idx {
		if entry != nil && strings.EqualFold(entry.Symbol, sym) {
			return parseFloat(entry.MarkPrice), nil
		}
	}
	return 0, fmt.Errorf("mark price not available for %s", sym)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
