package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultAppLogPath        = "data/logs/confluence.log"
	defaultDeviation         = 30.0
	defaultBuyThreshold      = 68.0
	defaultSellThreshold     = 35.0
	defaultMaxDataAge        = 30 * time.Second
	defaultMaxSignalAge      = 2 * time.Minute
	defaultMonitorInterval   = 30 * time.Second
	defaultFetchTimeout      = 10 * time.Second
	defaultConcurrency       = 8
	defaultBasePct           = 0.03
	defaultMaxPct            = 0.20
	defaultScalePerPoint     = 0.01
	defaultBaseStop          = 0.03
	defaultMinStopMult       = 0.8
	defaultMaxStopMult       = 1.5
	defaultUpdateInterval    = 10 * time.Second
	defaultRiskInterval      = 5 * time.Second
	defaultMaxSymbols        = 20
	defaultCallTimeout       = 30 * time.Second
	defaultShutdownTimeout   = 60 * time.Second
	defaultMaxExposure       = 0.60
	defaultMaxOpenPositions  = 5
	defaultExecMode          = "paper"
	defaultPaperEquity       = 10000.0
	defaultExecCallTimeout   = 15 * time.Second
	defaultMaxRetries        = 3
	defaultRetryBase         = 500 * time.Millisecond
	defaultRetryMax          = 10 * time.Second
	defaultLeverage          = 1
	defaultBreakerThreshold  = 5
	defaultBreakerTimeout    = time.Minute
	defaultLedgerPath        = "data/db/ledger.db"
	defaultMarketREST        = "https://fapi.binance.com"
	defaultHTTPTimeout       = 10 * time.Second
	defaultKlineInterval     = "5m"
	defaultKlineLimit        = 120
	defaultDepthLimit        = 20
	defaultTradesLimit       = 200
	defaultSnapshotTTL       = 2 * time.Second
	defaultRecvWindow        = 5000
	defaultFearGreedTimeout  = 5 * time.Second
	defaultRateWindow        = time.Minute
	defaultRateMaxRequests   = 1200
	defaultRateMaxWeight     = 2400
	defaultJournalPath       = "data/db/journal.db"
	defaultJournalQueue      = 1024
	defaultNotifyQueue       = 256
	defaultNotifySendTimeout = 15 * time.Second
	defaultKafkaTopic        = "confluence.events"
)

// applyDefaults 为所有子配置应用默认值；文件中显式写出的键不会被覆盖。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Confluence.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Sizing.applyDefaults(keys)
	c.Orchestrator.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (c *ConfluenceConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("confluence.deviation_threshold", &c.DeviationThreshold, defaultDeviation),
	)
	if len(c.Weights) > 0 {
		norm := make(map[string]float64, len(c.Weights))
		for k, v := range c.Weights {
			norm[strings.ToLower(strings.TrimSpace(k))] = v
		}
		c.Weights = norm
	}
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("signal.buy_threshold", &s.BuyThreshold, defaultBuyThreshold),
		floatFieldDefault("signal.sell_threshold", &s.SellThreshold, defaultSellThreshold),
		durationFieldDefault("signal.max_data_age", &s.MaxDataAge, defaultMaxDataAge),
		durationFieldDefault("signal.max_signal_age", &s.MaxSignalAge, defaultMaxSignalAge),
		durationFieldDefault("signal.monitor_interval", &s.MonitorInterval, defaultMonitorInterval),
		durationFieldDefault("signal.fetch_timeout", &s.FetchTimeout, defaultFetchTimeout),
		intFieldDefault("signal.concurrency", &s.Concurrency, defaultConcurrency),
	)
}

func (s *SizingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("sizing.base_pct", &s.BasePct, defaultBasePct),
		floatFieldDefault("sizing.max_pct", &s.MaxPct, defaultMaxPct),
		floatFieldDefault("sizing.scale_per_point", &s.ScalePerPoint, defaultScalePerPoint),
		floatFieldDefault("sizing.base_stop", &s.BaseStop, defaultBaseStop),
		floatFieldDefault("sizing.min_stop_multiplier", &s.MinStopMultiplier, defaultMinStopMult),
		floatFieldDefault("sizing.max_stop_multiplier", &s.MaxStopMultiplier, defaultMaxStopMult),
	)
}

func (o *OrchestratorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("orchestrator.update_interval", &o.UpdateInterval, defaultUpdateInterval),
		durationFieldDefault("orchestrator.risk_check_interval", &o.RiskCheckInterval, defaultRiskInterval),
		intFieldDefault("orchestrator.max_symbols", &o.MaxSymbols, defaultMaxSymbols),
		durationFieldDefault("orchestrator.call_timeout", &o.CallTimeout, defaultCallTimeout),
		intFieldDefault("orchestrator.concurrency", &o.Concurrency, defaultConcurrency),
		durationFieldDefault("orchestrator.shutdown_timeout", &o.ShutdownTimeout, defaultShutdownTimeout),
	)
	o.Symbols = normalizeList(o.Symbols, strings.ToUpper)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_total_exposure", &r.MaxTotalExposure, defaultMaxExposure),
		intFieldDefault("risk.max_open_positions", &r.MaxOpenPositions, defaultMaxOpenPositions),
		boolFieldDefault("risk.enforce_stop_loss", &r.EnforceStopLoss, true),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("execution.mode", &e.Mode, defaultExecMode),
		floatFieldDefault("execution.paper_equity", &e.PaperEquity, defaultPaperEquity),
		durationFieldDefault("execution.call_timeout", &e.CallTimeout, defaultExecCallTimeout),
		intFieldDefault("execution.max_retries", &e.MaxRetries, defaultMaxRetries),
		durationFieldDefault("execution.retry_base_delay", &e.RetryBaseDelay, defaultRetryBase),
		durationFieldDefault("execution.retry_max_delay", &e.RetryMaxDelay, defaultRetryMax),
		intFieldDefault("execution.leverage", &e.Leverage, defaultLeverage),
		intFieldDefault("execution.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		durationFieldDefault("execution.breaker_timeout", &e.BreakerTimeout, defaultBreakerTimeout),
		stringFieldDefault("execution.ledger_path", &e.LedgerPath, defaultLedgerPath),
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		durationFieldDefault("market.http_timeout", &m.HTTPTimeout, defaultHTTPTimeout),
		stringFieldDefault("market.kline_interval", &m.KlineInterval, defaultKlineInterval),
		intFieldDefault("market.kline_limit", &m.KlineLimit, defaultKlineLimit),
		intFieldDefault("market.depth_limit", &m.DepthLimit, defaultDepthLimit),
		intFieldDefault("market.trades_limit", &m.TradesLimit, defaultTradesLimit),
		durationFieldDefault("market.snapshot_ttl", &m.SnapshotTTL, defaultSnapshotTTL),
		durationFieldDefault("market.fear_greed_timeout", &m.FearGreedTimeout, defaultFearGreedTimeout),
		fieldDefault{
			key:   "market.recv_window",
			need:  func() bool { return m.RecvWindow <= 0 },
			apply: func() { m.RecvWindow = defaultRecvWindow },
		},
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("ratelimit.window", &r.Window, defaultRateWindow),
		intFieldDefault("ratelimit.max_requests", &r.MaxRequests, defaultRateMaxRequests),
		intFieldDefault("ratelimit.max_weight", &r.MaxWeight, defaultRateMaxWeight),
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("journal.enabled", &j.Enabled, true),
		stringFieldDefault("journal.path", &j.Path, defaultJournalPath),
		intFieldDefault("journal.queue_size", &j.QueueSize, defaultJournalQueue),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
		durationFieldDefault("notify.send_timeout", &n.SendTimeout, defaultNotifySendTimeout),
		boolFieldDefault("notify.log", &n.Log, true),
		stringFieldDefault("notify.kafka.topic", &n.Kafka.Topic, defaultKafkaTopic),
		stringFieldDefault("notify.kafka.compression", &n.Kafka.Compression, "gzip"),
	)
	n.Kinds = normalizeList(n.Kinds, strings.ToLower)
	n.Kafka.Brokers = normalizeList(n.Kafka.Brokers, nil)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 仅在键缺失时生效，否则无法区分 false 与未配置。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizeList(in []string, transform func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if transform != nil {
			item = transform(item)
		}
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
