package app

import (
	"context"
	"fmt"
	"time"

	"confluence/internal/config"
	"confluence/internal/confluence"
	"confluence/internal/execution"
	"confluence/internal/gateway/binance"
	"confluence/internal/indicator"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/metrics"
	"confluence/internal/notify"
	"confluence/internal/orchestrator"
	"confluence/internal/pkg/circuit"
	"confluence/internal/ratelimit"
	"confluence/internal/risk"
	"confluence/internal/signal"
	"confluence/internal/store/journal"
	"confluence/internal/store/ledger"
	apihttp "confluence/internal/transport/http/api"
)

// MarketData 是评估循环需要的行情接口，另外提供模拟盘撮合使用的标记价格。
type MarketData interface {
	market.DataClient
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

type AppBuilder struct {
	cfg *config.Config

	marketDataFn func(*config.Config, market.RateBudget) (MarketData, error)
	exchangeFn   func(*config.Config, market.RateBudget, execution.PriceFunc) (execution.Exchange, error)
	sinksFn      func(*config.Config) ([]notify.Sink, error)
	fearGreedFn  func(*config.Config) indicator.IndexSource
}

type AppBuilderOption func(*AppBuilder)

// WithMarketData 替换币安行情客户端，主要用于测试。
func WithMarketData(fn func(*config.Config, market.RateBudget) (MarketData, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketDataFn = fn
		}
	}
}

func WithExchange(fn func(*config.Config, market.RateBudget, execution.PriceFunc) (execution.Exchange, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.exchangeFn = fn
		}
	}
}

func WithSinks(fn func(*config.Config) ([]notify.Sink, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sinksFn = fn
		}
	}
}

func WithFearGreed(fn func(*config.Config) indicator.IndexSource) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.fearGreedFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		marketDataFn: buildMarketData,
		exchangeFn:   buildExchange,
		sinksFn:      buildSinks,
		fearGreedFn:  buildFearGreed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 按依赖顺序装配：限流预算→行情→指标套件→评估器→仓位计算→执行网关→编排器→HTTP。
// 任一步失败都会关闭已打开的资源。
func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if b == nil || b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	a.budget = ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		MaxWeight:   cfg.RateLimit.MaxWeight,
		Window:      cfg.RateLimit.Window,
	})
	a.metrics = metrics.New()
	a.metrics.WatchBudget(a.budget)

	data, err := b.marketDataFn(cfg, a.budget)
	if err != nil {
		return nil, fmt.Errorf("init market data: %w", err)
	}
	suite := indicator.NewSuite(indicatorSettings(cfg.Indicator), b.fearGreedFn(cfg))

	if cfg.Journal.Enabled {
		a.journal, err = journal.Open(journal.Config{Path: cfg.Journal.Path, QueueSize: cfg.Journal.QueueSize})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	evalOpts := []signal.Option{
		signal.WithScorer(confluence.NewScorer(confluence.PairwiseAgreement{DeviationThreshold: cfg.Confluence.DeviationThreshold})),
		signal.WithObserver(a.metrics),
	}
	if a.journal != nil {
		evalOpts = append(evalOpts, signal.WithObserver(a.journal))
	}
	sigCfg, err := signalConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.evaluator, err = signal.NewEvaluator(sigCfg, data, suite, evalOpts...)
	if err != nil {
		return nil, fmt.Errorf("init evaluator: %w", err)
	}

	sizer, err := risk.NewSizer(sizerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init sizer: %w", err)
	}

	exchange, err := b.exchangeFn(cfg, a.budget, data.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("init exchange: %w", err)
	}
	var orderLedger execution.Ledger = execution.NewMemoryLedger()
	if cfg.Execution.LedgerPath != "" {
		a.ledger, err = ledger.Open(cfg.Execution.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		orderLedger = a.ledger
	}
	breaker := circuit.NewCircuitBreaker("exchange", cfg.Execution.BreakerThreshold, cfg.Execution.BreakerTimeout)
	a.metrics.WatchBreaker("exchange", breaker)
	a.gateway = execution.NewGateway(executionConfig(cfg.Execution), exchange,
		execution.WithLedger(orderLedger),
		execution.WithGatewayObserver(a.metrics),
		execution.WithBreaker(breaker),
	)

	sinks, err := b.sinksFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("init notify sinks: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(notify.Config{
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
		Kinds:       cfg.Notify.Kinds,
	}, sinks...)

	sysOpts := []orchestrator.Option{
		orchestrator.WithMonitor(a.evaluator),
		orchestrator.WithListener(a.metrics),
		orchestrator.WithListener(a.dispatcher),
	}
	if a.journal != nil {
		sysOpts = append(sysOpts, orchestrator.WithListener(a.journal))
	}
	a.system, err = orchestrator.New(orchestratorConfig(cfg), a.evaluator, sizer, a.gateway, sysOpts...)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	if cfg.Orchestrator.WatchlistPath != "" {
		a.watchlist, err = config.NewWatchlist(cfg.Orchestrator.WatchlistPath)
		if err != nil {
			return nil, err
		}
	}

	srvCfg := apihttp.ServerConfig{
		Addr:          cfg.App.HTTPAddr,
		Instruments:   a.system,
		Usage:         a.budget,
		Breaker:       a.gateway,
		Metrics:       a.metrics.Handler(),
		RemoveTimeout: cfg.Orchestrator.CallTimeout,
	}
	if a.journal != nil {
		srvCfg.Journal = a.journal
	}
	a.http, err = apihttp.NewServer(srvCfg)
	if err != nil {
		return nil, err
	}

	a.Summary = buildSummary(cfg, sigCfg, a.initialSymbols())
	logger.Infof("app built: mode=%s journal=%t sinks=%d", cfg.Execution.Mode, a.journal != nil, len(sinks))
	return a, nil
}

func buildMarketData(cfg *config.Config, budget market.RateBudget) (MarketData, error) {
	return binance.NewDataClient(binanceConfig(cfg), budget)
}

// buildExchange 在 paper 模式下使用本地撮合，标记价格来自行情客户端。
func buildExchange(cfg *config.Config, budget market.RateBudget, price execution.PriceFunc) (execution.Exchange, error) {
	if !cfg.Execution.Live() {
		logger.Infof("execution mode paper, equity %.2f", cfg.Execution.PaperEquity)
		return execution.NewPaperExchange(cfg.Execution.PaperEquity, price), nil
	}
	return binance.NewExchange(binanceConfig(cfg), budget)
}

func buildFearGreed(cfg *config.Config) indicator.IndexSource {
	return market.NewFearGreedService(cfg.Market.FearGreedURL, cfg.Market.FearGreedTimeout)
}

func buildSinks(cfg *config.Config) ([]notify.Sink, error) {
	n := cfg.Notify
	var sinks []notify.Sink
	if n.Log {
		sinks = append(sinks, notify.LogSink{})
	}
	if n.Telegram.Enabled {
		tg, err := notify.NewTelegramSink(n.Telegram.BotToken, n.Telegram.ChatID, n.Telegram.MaxRetries, n.Telegram.RetryDelay)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	if n.Kafka.Enabled {
		k, err := notify.NewKafkaSink(notify.KafkaConfig{
			Brokers:      n.Kafka.Brokers,
			Topic:        n.Kafka.Topic,
			Compression:  n.Kafka.Compression,
			WriteTimeout: n.SendTimeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}

func binanceConfig(cfg *config.Config) binance.Config {
	m := cfg.Market
	return binance.Config{
		RESTBaseURL:   m.RESTBaseURL,
		APIKey:        m.APIKey,
		APISecret:     m.APISecret,
		HTTPTimeout:   m.HTTPTimeout,
		ProxyEnabled:  m.ProxyEnabled,
		RESTProxyURL:  m.ProxyURL,
		KlineInterval: m.KlineInterval,
		KlineLimit:    m.KlineLimit,
		DepthLimit:    m.DepthLimit,
		TradesLimit:   m.TradesLimit,
		SnapshotTTL:   m.SnapshotTTL,
		Leverage:      cfg.Execution.Leverage,
		RecvWindow:    m.RecvWindow,
	}
}

func indicatorSettings(c config.IndicatorConfig) indicator.Settings {
	s := indicator.DefaultSettings()
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setInt(&s.RSIPeriod, c.RSIPeriod)
	setInt(&s.EMAFast, c.EMAFast)
	setInt(&s.EMASlow, c.EMASlow)
	setInt(&s.MACDFast, c.MACDFast)
	setInt(&s.MACDSlow, c.MACDSlow)
	setInt(&s.MACDSignal, c.MACDSignal)
	setInt(&s.StochPeriod, c.StochPeriod)
	setInt(&s.ATRPeriod, c.ATRPeriod)
	setInt(&s.VolumePeriod, c.VolumePeriod)
	setInt(&s.DepthLevels, c.DepthLevels)
	setInt(&s.StructureLookback, c.StructureLookback)
	if c.FundingScale > 0 {
		s.FundingScale = c.FundingScale
	}
	if c.SentimentIndexWeight > 0 {
		s.SentimentIndexWeight = c.SentimentIndexWeight
	}
	return s
}

func signalConfig(cfg *config.Config) (signal.Config, error) {
	weights, err := cfg.Confluence.WeightSet()
	if err != nil {
		return signal.Config{}, err
	}
	required, err := cfg.Signal.Components()
	if err != nil {
		return signal.Config{}, err
	}
	s := cfg.Signal
	return signal.Config{
		BuyThreshold:   s.BuyThreshold,
		SellThreshold:  s.SellThreshold,
		Weights:        weights,
		Required:       required,
		MinReliability: s.MinReliability,
		MaxDataAge:     s.MaxDataAge,
		FetchTimeout:   s.FetchTimeout,
		Interval:       s.MonitorInterval,
		Concurrency:    s.Concurrency,
	}, nil
}

func sizerConfig(cfg *config.Config) risk.SizerConfig {
	z := cfg.Sizing
	return risk.SizerConfig{
		BuyThreshold:      cfg.Signal.BuyThreshold,
		SellThreshold:     cfg.Signal.SellThreshold,
		BasePct:           z.BasePct,
		MaxPct:            z.MaxPct,
		ScalePerPoint:     z.ScalePerPoint,
		BaseStop:          z.BaseStop,
		MinStopMultiplier: z.MinStopMultiplier,
		MaxStopMultiplier: z.MaxStopMultiplier,
	}
}

func executionConfig(e config.ExecutionConfig) execution.Config {
	return execution.Config{
		MaxAttempts:      e.MaxRetries,
		InitialBackoff:   e.RetryBaseDelay,
		MaxBackoff:       e.RetryMaxDelay,
		CallTimeout:      e.CallTimeout,
		BreakerThreshold: e.BreakerThreshold,
		BreakerCooldown:  e.BreakerTimeout,
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	return orchestrator.Config{
		UpdateInterval:    o.UpdateInterval,
		RiskCheckInterval: o.RiskCheckInterval,
		MaxSymbols:        o.MaxSymbols,
		MaxSignalAge:      cfg.Signal.MaxSignalAge,
		CallTimeout:       o.CallTimeout,
		Concurrency:       o.Concurrency,
		Limits: risk.Limits{
			MaxTotalExposure:    cfg.Risk.MaxTotalExposure,
			MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
			MaxPositionFraction: cfg.Risk.MaxPositionFraction,
			EnforceStops:        cfg.Risk.EnforceStopLoss,
		},
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Orchestrator.ShutdownTimeout > 0 {
		return cfg.Orchestrator.ShutdownTimeout
	}
	return time.Minute
}
