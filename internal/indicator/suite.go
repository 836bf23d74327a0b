// Package indicator 提供六个 confluence 分量的参考计算器。
package indicator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"confluence/internal/confluence"
	"confluence/internal/market"
)

// ErrInsufficientData 表示快照不足以计算该分量；评估器将其视为缺失。
var ErrInsufficientData = errors.New("insufficient data")

// Calculator 把一次市场快照映射为 0~100 的分量得分。
type Calculator interface {
	Score(ctx context.Context, snap market.Snapshot) (float64, error)
}

type CalculatorFunc func(ctx context.Context, snap market.Snapshot) (float64, error)

func (f CalculatorFunc) Score(ctx context.Context, snap market.Snapshot) (float64, error) {
	return f(ctx, snap)
}

// Settings 汇总各计算器参数。
type Settings struct {
	RSIPeriod         int
	EMAFast           int
	EMASlow           int
	MACDFast          int
	MACDSlow          int
	MACDSignal        int
	StochPeriod       int
	ATRPeriod         int
	VolumePeriod      int
	DepthLevels       int
	StructureLookback int
	// FundingScale 是资金费率映射到满偏的绝对值。
	FundingScale float64
	// SentimentIndexWeight 是恐惧贪婪指数在情绪分量中的占比，其余为资金费率。
	SentimentIndexWeight float64
}

func DefaultSettings() Settings {
	return Settings{
		RSIPeriod:            14,
		EMAFast:              21,
		EMASlow:              50,
		MACDFast:             12,
		MACDSlow:             26,
		MACDSignal:           9,
		StochPeriod:          14,
		ATRPeriod:            14,
		VolumePeriod:         20,
		DepthLevels:          10,
		StructureLookback:    20,
		FundingScale:         0.0005,
		SentimentIndexWeight: 0.7,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	pick := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	s.RSIPeriod = pick(s.RSIPeriod, d.RSIPeriod)
	s.EMAFast = pick(s.EMAFast, d.EMAFast)
	s.EMASlow = pick(s.EMASlow, d.EMASlow)
	s.MACDFast = pick(s.MACDFast, d.MACDFast)
	s.MACDSlow = pick(s.MACDSlow, d.MACDSlow)
	s.MACDSignal = pick(s.MACDSignal, d.MACDSignal)
	s.StochPeriod = pick(s.StochPeriod, d.StochPeriod)
	s.ATRPeriod = pick(s.ATRPeriod, d.ATRPeriod)
	s.VolumePeriod = pick(s.VolumePeriod, d.VolumePeriod)
	s.DepthLevels = pick(s.DepthLevels, d.DepthLevels)
	s.StructureLookback = pick(s.StructureLookback, d.StructureLookback)
	if s.FundingScale <= 0 {
		s.FundingScale = d.FundingScale
	}
	if s.SentimentIndexWeight <= 0 || s.SentimentIndexWeight > 1 {
		s.SentimentIndexWeight = d.SentimentIndexWeight
	}
	return s
}

// Suite 按分量名分派到对应计算器，实现 signal.ComponentSource。
type Suite struct {
	mu    sync.RWMutex
	calcs map[confluence.Component]Calculator
}

// NewSuite 注册全部六个参考计算器。fg 为 nil 时情绪分量只看资金费率。
func NewSuite(cfg Settings, fg IndexSource) *Suite {
	cfg = cfg.withDefaults()
	s := &Suite{calcs: make(map[confluence.Component]Calculator, len(confluence.AllComponents))}
	s.Register(confluence.Technical, Technical{cfg: cfg})
	s.Register(confluence.Volume, Volume{cfg: cfg})
	s.Register(confluence.Orderbook, Orderbook{cfg: cfg})
	s.Register(confluence.Orderflow, Orderflow{})
	s.Register(confluence.PriceStructure, PriceStructure{cfg: cfg})
	s.Register(confluence.Sentiment, Sentiment{cfg: cfg, index: fg})
	return s
}

// Register 替换某个分量的计算器。
func (s *Suite) Register(name confluence.Component, calc Calculator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if calc == nil {
		delete(s.calcs, name)
		return
	}
	s.calcs[name] = calc
}

func (s *Suite) ComponentScore(ctx context.Context, name confluence.Component, snap market.Snapshot) (confluence.ComponentScore, error) {
	s.mu.RLock()
	calc, ok := s.calcs[name]
	s.mu.RUnlock()
	if !ok {
		return confluence.ComponentScore{}, fmt.Errorf("%s: no calculator registered", name)
	}
	v, err := calc.Score(ctx, snap)
	if err != nil {
		return confluence.ComponentScore{}, fmt.Errorf("%s: %w", name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return confluence.ComponentScore{}, fmt.Errorf("%s: %w: non-finite result", name, ErrInsufficientData)
	}
	return confluence.ComponentScore{Name: name, Value: clampScore(v), Timestamp: snap.FetchedAt}, nil
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// bipolar 把 [-1,1] 的方向强度映射到 0~100，0 对应 50 中性。
func bipolar(v float64) float64 {
	return 50 + 50*clampUnit(v)
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}
