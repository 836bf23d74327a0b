package config

import (
	"strings"
	"time"
)

// Config 是引擎的主配置载体，加载后只读。
type Config struct {
	App          AppConfig          `toml:"app"`
	Confluence   ConfluenceConfig   `toml:"confluence"`
	Signal       SignalConfig       `toml:"signal"`
	Sizing       SizingConfig       `toml:"sizing"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Risk         RiskConfig         `toml:"risk"`
	Execution    ExecutionConfig    `toml:"execution"`
	Market       MarketConfig       `toml:"market"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
	Journal      JournalConfig      `toml:"journal"`
	Notify       NotifyConfig       `toml:"notify"`
	Indicator    IndicatorConfig    `toml:"indicator"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

type ConfluenceConfig struct {
	// Weights 以组件名为键，缺省使用内置权重。
	Weights            map[string]float64 `toml:"weights"`
	DeviationThreshold float64            `toml:"deviation_threshold"`
}

type SignalConfig struct {
	BuyThreshold       float64       `toml:"buy_threshold"`
	SellThreshold      float64       `toml:"sell_threshold"`
	MinReliability     float64       `toml:"min_reliability"`
	MaxDataAge         time.Duration `toml:"max_data_age"`
	MaxSignalAge       time.Duration `toml:"max_signal_age"`
	MonitorInterval    time.Duration `toml:"monitor_interval"`
	FetchTimeout       time.Duration `toml:"fetch_timeout"`
	Concurrency        int           `toml:"concurrency"`
	RequiredComponents []string      `toml:"required_components"`
}

type SizingConfig struct {
	BasePct           float64 `toml:"base_pct"`
	MaxPct            float64 `toml:"max_pct"`
	ScalePerPoint     float64 `toml:"scale_per_point"`
	BaseStop          float64 `toml:"base_stop"`
	MinStopMultiplier float64 `toml:"min_stop_multiplier"`
	MaxStopMultiplier float64 `toml:"max_stop_multiplier"`
}

type OrchestratorConfig struct {
	UpdateInterval    time.Duration `toml:"update_interval"`
	RiskCheckInterval time.Duration `toml:"risk_check_interval"`
	MaxSymbols        int           `toml:"max_symbols"`
	Symbols           []string      `toml:"symbols"`
	// WatchlistPath 指向可热更新的交易对列表文件，留空则不监听。
	WatchlistPath   string        `toml:"watchlist_path"`
	CallTimeout     time.Duration `toml:"call_timeout"`
	Concurrency     int           `toml:"concurrency"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type RiskConfig struct {
	MaxTotalExposure    float64 `toml:"max_total_exposure"`
	MaxOpenPositions    int     `toml:"max_open_positions"`
	MaxPositionFraction float64 `toml:"max_position_fraction"`
	EnforceStopLoss     bool    `toml:"enforce_stop_loss"`
}

type ExecutionConfig struct {
	// Mode 为 paper（本地模拟撮合）或 live（币安 U 本位合约）。
	Mode             string        `toml:"mode"`
	PaperEquity      float64       `toml:"paper_equity"`
	CallTimeout      time.Duration `toml:"call_timeout"`
	MaxRetries       int           `toml:"max_retries"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `toml:"retry_max_delay"`
	Leverage         int           `toml:"leverage"`
	BreakerThreshold int           `toml:"breaker_threshold"`
	BreakerTimeout   time.Duration `toml:"breaker_timeout"`
	LedgerPath       string        `toml:"ledger_path"`
}

func (e ExecutionConfig) Live() bool {
	return strings.EqualFold(strings.TrimSpace(e.Mode), "live")
}

type MarketConfig struct {
	RESTBaseURL      string        `toml:"rest_base_url"`
	APIKey           string        `toml:"api_key"`
	APISecret        string        `toml:"api_secret"`
	HTTPTimeout      time.Duration `toml:"http_timeout"`
	ProxyEnabled     bool          `toml:"proxy_enabled"`
	ProxyURL         string        `toml:"proxy_url"`
	KlineInterval    string        `toml:"kline_interval"`
	KlineLimit       int           `toml:"kline_limit"`
	DepthLimit       int           `toml:"depth_limit"`
	TradesLimit      int           `toml:"trades_limit"`
	SnapshotTTL      time.Duration `toml:"snapshot_ttl"`
	RecvWindow       int64         `toml:"recv_window"`
	FearGreedURL     string        `toml:"fear_greed_url"`
	FearGreedTimeout time.Duration `toml:"fear_greed_timeout"`
}

type RateLimitConfig struct {
	Window      time.Duration `toml:"window"`
	MaxRequests int           `toml:"max_requests"`
	MaxWeight   int           `toml:"max_weight"`
}

type JournalConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	QueueSize int    `toml:"queue_size"`
}

type NotifyConfig struct {
	Kinds       []string       `toml:"kinds"`
	QueueSize   int            `toml:"queue_size"`
	SendTimeout time.Duration  `toml:"send_timeout"`
	Log         bool           `toml:"log"`
	Telegram    TelegramConfig `toml:"telegram"`
	Kafka       KafkaConfig    `toml:"kafka"`
}

type TelegramConfig struct {
	Enabled    bool          `toml:"enabled"`
	BotToken   string        `toml:"bot_token"`
	ChatID     string        `toml:"chat_id"`
	MaxRetries int           `toml:"max_retries"`
	RetryDelay time.Duration `toml:"retry_delay"`
}

type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`
	Brokers     []string `toml:"brokers"`
	Topic       string   `toml:"topic"`
	Compression string   `toml:"compression"`
}

type IndicatorConfig struct {
	RSIPeriod            int     `toml:"rsi_period"`
	EMAFast              int     `toml:"ema_fast"`
	EMASlow              int     `toml:"ema_slow"`
	MACDFast             int     `toml:"macd_fast"`
	MACDSlow             int     `toml:"macd_slow"`
	MACDSignal           int     `toml:"macd_signal"`
	StochPeriod          int     `toml:"stoch_period"`
	ATRPeriod            int     `toml:"atr_period"`
	VolumePeriod         int     `toml:"volume_period"`
	DepthLevels          int     `toml:"depth_levels"`
	StructureLookback    int     `toml:"structure_lookback"`
	FundingScale         float64 `toml:"funding_scale"`
	SentimentIndexWeight float64 `toml:"sentiment_index_weight"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
