package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluence/internal/types"
)

func stopCfg() SizerConfig {
	cfg := DefaultSizerConfig()
	cfg.BuyThreshold = 70
	cfg.SellThreshold = 30
	return cfg
}

func TestSizePositionLong(t *testing.T) {
	cfg := DefaultSizerConfig()
	cases := []struct {
		score float64
		want  float64
	}{
		{68, 0.03},
		{75, 0.10},
		{85, 0.20},
		{100, 0.20},
	}
	for _, tc := range cases {
		got, err := SizePosition(types.Long, tc.score, cfg)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "score %v", tc.score)
	}
}

func TestSizeStopLossLong(t *testing.T) {
	cfg := stopCfg()
	cases := []struct {
		score float64
		want  float64
	}{
		{70, 0.024},
		{88, 0.0366},
		{100, 0.045},
	}
	for _, tc := range cases {
		got, err := SizeStopLoss(types.Long, tc.score, cfg)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-12, "score %v", tc.score)
	}
	assert.Equal(t, 0.024, cfg.MinStop())
	assert.Equal(t, 0.045, cfg.MaxStop())
}

func TestSizeStopLossShort(t *testing.T) {
	cfg := stopCfg()
	got, err := SizeStopLoss(types.Short, 30, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.024, got, 1e-12)

	got, err = SizeStopLoss(types.Short, 0, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.045, got, 1e-12)

	got, err = SizeStopLoss(types.Short, 15, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.0345, got, 1e-12)
}

func TestSizingSymmetry(t *testing.T) {
	cfg := DefaultSizerConfig()
	cfg.BuyThreshold = 65
	cfg.SellThreshold = 35
	for d := 0.0; d <= 35; d += 0.5 {
		long, err := SizePosition(types.Long, cfg.BuyThreshold+d, cfg)
		require.NoError(t, err)
		short, err := SizePosition(types.Short, cfg.SellThreshold-d, cfg)
		require.NoError(t, err)
		assert.Equal(t, long, short, "delta %v", d)
	}
}

func TestSizingBounds(t *testing.T) {
	cfg := DefaultSizerConfig()
	for score := cfg.BuyThreshold; score <= 100; score += 0.25 {
		frac, err := SizePosition(types.Long, score, cfg)
		require.NoError(t, err)
		assert.Greater(t, frac, 0.0)
		assert.LessOrEqual(t, frac, cfg.MaxPct)

		stop, err := SizeStopLoss(types.Long, score, cfg)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stop, cfg.MinStop())
		assert.LessOrEqual(t, stop, cfg.MaxStop())
	}
}

func TestSizingPreconditions(t *testing.T) {
	cfg := DefaultSizerConfig()

	_, err := SizePosition(types.Neutral, 80, cfg)
	assert.ErrorIs(t, err, ErrInvalidSide)
	_, err = SizeStopLoss(types.Side(7), 80, cfg)
	assert.ErrorIs(t, err, ErrInvalidSide)
	// 方向优先于分数范围校验。
	for _, score := range []float64{150, -1, math.NaN()} {
		_, err = SizePosition(types.Neutral, score, cfg)
		assert.ErrorIs(t, err, ErrInvalidSide)
		assert.NotErrorIs(t, err, ErrPrecondition)
		_, err = SizeStopLoss(types.Neutral, score, cfg)
		assert.ErrorIs(t, err, ErrInvalidSide)
	}

	_, err = SizePosition(types.Long, 67.9, cfg)
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = SizePosition(types.Short, 36, cfg)
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = SizeStopLoss(types.Long, 101, cfg)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestClassify(t *testing.T) {
	cfg := DefaultSizerConfig()
	assert.Equal(t, types.Long, cfg.Classify(68))
	assert.Equal(t, types.Short, cfg.Classify(35))
	assert.Equal(t, types.Neutral, cfg.Classify(67.25/0.99))
	assert.Equal(t, types.Neutral, cfg.Classify(50))
}

func TestSizerConfigValidate(t *testing.T) {
	require.NoError(t, DefaultSizerConfig().Validate())

	bad := DefaultSizerConfig()
	bad.SellThreshold = 70
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultSizerConfig()
	bad.BasePct = 0.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultSizerConfig()
	bad.MinStopMultiplier = 2
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := NewSizer(bad)
	assert.Error(t, err)
}

func TestDecide(t *testing.T) {
	s, err := NewSizer(DefaultSizerConfig())
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	d, err := s.Decide("", "BTCUSDT", types.Long, 75, 0.9, now)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.Equal(t, 0.10, d.PositionFraction)
	assert.InDelta(t, 0.024+7.0/32*0.021, d.StopLossFraction, 1e-12)
	assert.Equal(t, now, d.DecidedAt)

	assert.Empty(t, d.SignalID)

	d, err = s.Decide("sig-1", "BTCUSDT", types.Short, 20, 0.9, now)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", d.SignalID)
	assert.Equal(t, types.Short, d.Side)

	_, err = s.Decide("", "BTCUSDT", types.Neutral, 75, 0.9, now)
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestDecideQuotedScenarioScore(t *testing.T) {
	s, err := NewSizer(DefaultSizerConfig())
	require.NoError(t, err)
	d, err := s.Decide("", "BTCUSDT", types.Long, 68.45, 1, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.0345, d.PositionFraction, 1e-9)
	// (68.45-68)/32 of the way from 0.024 to 0.045.
	assert.InDelta(t, 0.024+0.45/32*0.021, d.StopLossFraction, 1e-9)
}
