package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"confluence/internal/config"
	"confluence/internal/confluence"
	"confluence/internal/signal"
)

type StartupSummary struct {
	Mode     string
	HTTPAddr string
	Symbols  []string
	Signal   SignalSummary
	Sizing   config.SizingConfig
	Risk     config.RiskConfig
	Sinks    []string
	Journal  string
	Ledger   string
	Watching string
}

type SignalSummary struct {
	BuyThreshold   float64
	SellThreshold  float64
	MinReliability float64
	Weights        map[string]float64
	Required       []string
}

func buildSummary(cfg *config.Config, sig signal.Config, symbols []string) *StartupSummary {
	weights := sig.Weights
	if weights == nil {
		weights = confluence.DefaultWeights()
	}
	required := sig.Required
	if required == nil {
		required = signal.DefaultRequired()
	}
	s := &StartupSummary{
		Mode:     cfg.Execution.Mode,
		HTTPAddr: cfg.App.HTTPAddr,
		Symbols:  symbols,
		Signal: SignalSummary{
			BuyThreshold:   sig.BuyThreshold,
			SellThreshold:  sig.SellThreshold,
			MinReliability: sig.MinReliability,
			Weights:        make(map[string]float64, len(weights)),
		},
		Sizing:   cfg.Sizing,
		Risk:     cfg.Risk,
		Ledger:   cfg.Execution.LedgerPath,
		Watching: cfg.Orchestrator.WatchlistPath,
	}
	for comp, w := range weights {
		s.Signal.Weights[string(comp)] = w
	}
	for _, comp := range required {
		s.Signal.Required = append(s.Signal.Required, string(comp))
	}
	if cfg.Journal.Enabled {
		s.Journal = cfg.Journal.Path
	}
	if cfg.Notify.Log {
		s.Sinks = append(s.Sinks, "log")
	}
	if cfg.Notify.Telegram.Enabled {
		s.Sinks = append(s.Sinks, "telegram")
	}
	if cfg.Notify.Kafka.Enabled {
		s.Sinks = append(s.Sinks, "kafka:"+cfg.Notify.Kafka.Topic)
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[运行模式 (RUNTIME)]")
	fmt.Fprintf(w, "  执行模式: %s\n", s.Mode)
	fmt.Fprintf(w, "  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(w, "  监控币种: %s\n", formatList(s.Symbols))
	fmt.Fprintf(w, "  热更新列表: %s\n", orDash(s.Watching))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[信号 (SIGNAL)]")
	fmt.Fprintf(w, "  买入阈值: %.1f  卖出阈值: %.1f  最低可靠度: %.2f\n",
		s.Signal.BuyThreshold, s.Signal.SellThreshold, s.Signal.MinReliability)
	names := make([]string, 0, len(s.Signal.Weights))
	for name := range s.Signal.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  - %-16s 权重 %.2f\n", name, s.Signal.Weights[name])
	}
	fmt.Fprintf(w, "  必需组件: %s\n", formatList(s.Signal.Required))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[仓位与风控 (SIZING / RISK)]")
	fmt.Fprintf(w, "  仓位: %.2f%% ~ %.2f%%，每分 %.3f%%\n", s.Sizing.BasePct*100, s.Sizing.MaxPct*100, s.Sizing.ScalePerPoint*100)
	fmt.Fprintf(w, "  止损: %.2f%% x [%.2f, %.2f]\n", s.Sizing.BaseStop*100, s.Sizing.MinStopMultiplier, s.Sizing.MaxStopMultiplier)
	fmt.Fprintf(w, "  总敞口上限: %.2f  最大持仓数: %d  强制止损: %t\n", s.Risk.MaxTotalExposure, s.Risk.MaxOpenPositions, s.Risk.EnforceStopLoss)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[输出 (OUTPUTS)]")
	fmt.Fprintf(w, "  通知: %s\n", formatList(s.Sinks))
	fmt.Fprintf(w, "  评估日志: %s\n", orDash(s.Journal))
	fmt.Fprintf(w, "  订单账本: %s\n", orDash(s.Ledger))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
