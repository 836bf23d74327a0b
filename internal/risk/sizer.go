// Package risk maps a confluence score to position size and stop distance,
// and audits open exposure against portfolio limits.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"confluence/internal/types"
)

// SizerConfig holds the sizing constants. Fractions are 0~1.
type SizerConfig struct {
	BuyThreshold  float64
	SellThreshold float64

	BasePct       float64 // size at the threshold
	MaxPct        float64 // hard ceiling on position fraction
	ScalePerPoint float64 // added per score point beyond the threshold

	BaseStop          float64
	MinStopMultiplier float64 // min_stop = BaseStop * MinStopMultiplier
	MaxStopMultiplier float64 // max_stop = BaseStop * MaxStopMultiplier
}

func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		BuyThreshold:      68,
		SellThreshold:     35,
		BasePct:           0.03,
		MaxPct:            0.20,
		ScalePerPoint:     0.01,
		BaseStop:          0.03,
		MinStopMultiplier: 0.8,
		MaxStopMultiplier: 1.5,
	}
}

func (c SizerConfig) Validate() error {
	switch {
	case !finite(c.BuyThreshold, c.SellThreshold, c.BasePct, c.MaxPct, c.ScalePerPoint, c.BaseStop, c.MinStopMultiplier, c.MaxStopMultiplier):
		return fmt.Errorf("%w: non-finite value", ErrInvalidConfig)
	case c.SellThreshold <= 0 || c.BuyThreshold >= 100:
		return fmt.Errorf("%w: thresholds must lie inside (0,100)", ErrInvalidConfig)
	case c.SellThreshold >= c.BuyThreshold:
		return fmt.Errorf("%w: sell_threshold %.2f must be below buy_threshold %.2f", ErrInvalidConfig, c.SellThreshold, c.BuyThreshold)
	case c.BasePct <= 0 || c.MaxPct <= 0 || c.MaxPct > 1:
		return fmt.Errorf("%w: base_pct and max_pct must be in (0,1]", ErrInvalidConfig)
	case c.BasePct > c.MaxPct:
		return fmt.Errorf("%w: base_pct exceeds max_pct", ErrInvalidConfig)
	case c.ScalePerPoint < 0:
		return fmt.Errorf("%w: scale_per_point must be >= 0", ErrInvalidConfig)
	case c.BaseStop <= 0 || c.BaseStop >= 1:
		return fmt.Errorf("%w: base_stop must be in (0,1)", ErrInvalidConfig)
	case c.MinStopMultiplier <= 0 || c.MinStopMultiplier > c.MaxStopMultiplier:
		return fmt.Errorf("%w: stop multipliers must satisfy 0 < min <= max", ErrInvalidConfig)
	}
	return nil
}

// MinStop and MaxStop bound every stop-loss fraction the sizer returns.
func (c SizerConfig) MinStop() float64 {
	return decToFloat(decFromFloat(c.BaseStop).Mul(decFromFloat(c.MinStopMultiplier)))
}

func (c SizerConfig) MaxStop() float64 {
	return decToFloat(decFromFloat(c.BaseStop).Mul(decFromFloat(c.MaxStopMultiplier)))
}

// Classify applies the signal thresholds. Scores strictly between them are
// neutral.
func (c SizerConfig) Classify(score float64) types.Side {
	switch {
	case score >= c.BuyThreshold:
		return types.Long
	case score <= c.SellThreshold:
		return types.Short
	default:
		return types.Neutral
	}
}

// distance returns how far past its threshold the score sits, or an error
// when the score is on the wrong side for the requested direction. The side
// is checked first: a neutral side fails regardless of score.
func (c SizerConfig) distance(side types.Side, score float64) (decimal.Decimal, error) {
	if !side.Directional() {
		return decZero, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	if math.IsNaN(score) || score < 0 || score > 100 {
		return decZero, fmt.Errorf("%w: score %v outside [0,100]", ErrPrecondition, score)
	}
	s := decFromFloat(score)
	if side == types.Long {
		if score < c.BuyThreshold {
			return decZero, fmt.Errorf("%w: long at %.4f below buy_threshold %.2f", ErrPrecondition, score, c.BuyThreshold)
		}
		return s.Sub(decFromFloat(c.BuyThreshold)), nil
	}
	if score > c.SellThreshold {
		return decZero, fmt.Errorf("%w: short at %.4f above sell_threshold %.2f", ErrPrecondition, score, c.SellThreshold)
	}
	return decFromFloat(c.SellThreshold).Sub(s), nil
}

// SizePosition returns the capital fraction for a directional signal:
// base + distance*scale, capped at MaxPct.
func SizePosition(side types.Side, score float64, cfg SizerConfig) (float64, error) {
	dist, err := cfg.distance(side, score)
	if err != nil {
		return 0, err
	}
	frac := decFromFloat(cfg.BasePct).Add(dist.Mul(decFromFloat(cfg.ScalePerPoint)))
	maxPct := decFromFloat(cfg.MaxPct)
	if frac.GreaterThan(maxPct) {
		frac = maxPct
	}
	return decToFloat(frac), nil
}

// SizeStopLoss widens the stop linearly from MinStop at the threshold to
// MaxStop at the score extreme.
func SizeStopLoss(side types.Side, score float64, cfg SizerConfig) (float64, error) {
	dist, err := cfg.distance(side, score)
	if err != nil {
		return 0, err
	}
	var span decimal.Decimal
	if side == types.Long {
		span = decHundred.Sub(decFromFloat(cfg.BuyThreshold))
	} else {
		span = decFromFloat(cfg.SellThreshold)
	}
	normalized := decOne
	if span.GreaterThan(decZero) {
		normalized = decClamp(dist.Div(span), decZero, decOne)
	}
	minStop := decFromFloat(cfg.BaseStop).Mul(decFromFloat(cfg.MinStopMultiplier))
	maxStop := decFromFloat(cfg.BaseStop).Mul(decFromFloat(cfg.MaxStopMultiplier))
	stop := minStop.Add(normalized.Mul(maxStop.Sub(minStop)))
	return decToFloat(decClamp(stop, minStop, maxStop)), nil
}

// SizedDecision is the immutable output handed to execution.
type SizedDecision struct {
	Symbol           string     `json:"symbol"`
	Side             types.Side `json:"side"`
	PositionFraction float64    `json:"position_fraction"`
	StopLossFraction float64    `json:"stop_loss_fraction"`
	Score            float64    `json:"score"`
	Reliability      float64    `json:"reliability"`
	SignalID         string     `json:"signal_id,omitempty"`
	DecidedAt        time.Time  `json:"decided_at"`
}

// Sizer bundles a validated config.
type Sizer struct {
	cfg SizerConfig
}

func NewSizer(cfg SizerConfig) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

func (s *Sizer) Config() SizerConfig { return s.cfg }

// Decide sizes both legs of a directional signal and tags the decision with
// the signal's id.
func (s *Sizer) Decide(signalID, symbol string, side types.Side, score, reliability float64, at time.Time) (SizedDecision, error) {
	frac, err := SizePosition(side, score, s.cfg)
	if err != nil {
		return SizedDecision{}, fmt.Errorf("%s: %w", symbol, err)
	}
	stop, err := SizeStopLoss(side, score, s.cfg)
	if err != nil {
		return SizedDecision{}, fmt.Errorf("%s: %w", symbol, err)
	}
	return SizedDecision{
		Symbol:           symbol,
		Side:             side,
		PositionFraction: frac,
		StopLossFraction: stop,
		Score:            score,
		Reliability:      reliability,
		SignalID:         signalID,
		DecidedAt:        at,
	}, nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
