package config

import (
	"fmt"
	"math"
	"strings"

	"confluence/internal/confluence"
	"confluence/internal/pkg/symbol"
	"confluence/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	checks := []func() error{
		c.Confluence.validate,
		c.Signal.validate,
		c.Sizing.validate,
		c.Orchestrator.validate,
		c.Risk.validate,
		c.Execution.validate,
		c.Market.validate,
		c.Notify.validate,
		c.Indicator.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConfluenceConfig) validate() error {
	if len(c.Weights) > 0 {
		if _, err := c.WeightSet(); err != nil {
			return fmt.Errorf("confluence.weights: %w", err)
		}
	}
	if c.DeviationThreshold < 0 || c.DeviationThreshold > 100 {
		return fmt.Errorf("confluence.deviation_threshold must be within [0,100]")
	}
	return nil
}

// WeightSet 将配置的权重转换为评分器使用的类型，未配置时返回 nil。
func (c ConfluenceConfig) WeightSet() (confluence.WeightSet, error) {
	if len(c.Weights) == 0 {
		return nil, nil
	}
	out := make(confluence.WeightSet, len(c.Weights))
	for name, w := range c.Weights {
		comp, err := confluence.ParseComponent(name)
		if err != nil {
			return nil, err
		}
		out[comp] = w
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SignalConfig) validate() error {
	if s.BuyThreshold <= 0 || s.BuyThreshold > 100 {
		return fmt.Errorf("signal.buy_threshold must be within (0,100]")
	}
	if s.SellThreshold < 0 || s.SellThreshold >= s.BuyThreshold {
		return fmt.Errorf("signal.sell_threshold must be >= 0 and below buy_threshold")
	}
	if s.MinReliability < 0 || s.MinReliability > 1 {
		return fmt.Errorf("signal.min_reliability must be within [0,1]")
	}
	if _, err := s.Components(); err != nil {
		return fmt.Errorf("signal.required_components: %w", err)
	}
	return nil
}

// Components 解析 required_components；未配置时返回 nil 以使用内置默认值。
func (s SignalConfig) Components() ([]confluence.Component, error) {
	if s.RequiredComponents == nil {
		return nil, nil
	}
	out := make([]confluence.Component, 0, len(s.RequiredComponents))
	for _, raw := range s.RequiredComponents {
		comp, err := confluence.ParseComponent(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, nil
}

func (s *SizingConfig) validate() error {
	for name, v := range map[string]float64{
		"base_pct":            s.BasePct,
		"max_pct":             s.MaxPct,
		"scale_per_point":     s.ScalePerPoint,
		"base_stop":           s.BaseStop,
		"min_stop_multiplier": s.MinStopMultiplier,
		"max_stop_multiplier": s.MaxStopMultiplier,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("sizing.%s must be a non-negative number", name)
		}
	}
	if s.MaxPct > 1 || s.BasePct > s.MaxPct {
		return fmt.Errorf("sizing requires base_pct <= max_pct <= 1")
	}
	if s.MinStopMultiplier > s.MaxStopMultiplier {
		return fmt.Errorf("sizing.min_stop_multiplier must not exceed max_stop_multiplier")
	}
	return nil
}

func (o *OrchestratorConfig) validate() error {
	for _, raw := range o.Symbols {
		if !symbol.IsValid(raw) {
			return fmt.Errorf("orchestrator.symbols contains unrecognised pair %q", raw)
		}
	}
	o.Symbols = symbol.NormalizeList(o.Symbols)
	if len(o.Symbols) > o.MaxSymbols {
		return fmt.Errorf("orchestrator.symbols lists %d symbols, max_symbols is %d", len(o.Symbols), o.MaxSymbols)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk.max_total_exposure must be > 0")
	}
	if r.MaxPositionFraction < 0 || r.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be within [0,1]")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	switch e.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("execution.mode must be paper or live, got %q", e.Mode)
	}
	if e.Mode == "paper" && e.PaperEquity <= 0 {
		return fmt.Errorf("execution.paper_equity must be > 0 in paper mode")
	}
	if e.Leverage < 1 || e.Leverage > 125 {
		return fmt.Errorf("execution.leverage must be within [1,125]")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if _, ok := scheduler.ParseIntervalDuration(m.KlineInterval); !ok {
		return fmt.Errorf("market.kline_interval %q is not a valid interval", m.KlineInterval)
	}
	if m.ProxyEnabled && strings.TrimSpace(m.ProxyURL) == "" {
		return fmt.Errorf("market.proxy_url is required when proxy_enabled")
	}
	return nil
}

var knownEventKinds = map[string]bool{
	"order_ok":           true,
	"order_failed":       true,
	"risk_close":         true,
	"symbol_error":       true,
	"removal_blocked":    true,
	"instrument_added":   true,
	"instrument_removed": true,
	"shutdown":           true,
}

func (n *NotifyConfig) validate() error {
	for _, k := range n.Kinds {
		if !knownEventKinds[k] {
			return fmt.Errorf("notify.kinds contains unknown event kind %q", k)
		}
	}
	if n.Telegram.Enabled && (strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	if n.Kafka.Enabled && len(n.Kafka.Brokers) == 0 {
		return fmt.Errorf("notify.kafka requires brokers when enabled")
	}
	return nil
}

func (i *IndicatorConfig) validate() error {
	if i.SentimentIndexWeight < 0 || i.SentimentIndexWeight > 1 {
		return fmt.Errorf("indicator.sentiment_index_weight must be within [0,1]")
	}
	if i.EMAFast > 0 && i.EMASlow > 0 && i.EMAFast >= i.EMASlow {
		return fmt.Errorf("indicator.ema_fast must be below ema_slow")
	}
	return nil
}
