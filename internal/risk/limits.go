package risk

import (
	"fmt"
	"sort"
	"time"

	"confluence/internal/types"
)

// Limits are the portfolio-level bounds audited by the risk-check loop.
// Zero disables a bound.
type Limits struct {
	MaxTotalExposure    float64 // sum of open position fractions
	MaxOpenPositions    int
	MaxPositionFraction float64
	EnforceStops        bool
}

// Exposure is the risk view of one open position.
type Exposure struct {
	Symbol           string
	Side             types.Side
	Fraction         float64
	StopLossFraction float64
	EntryPrice       float64
	MarkPrice        float64
	OpenedAt         time.Time
}

type ViolationKind string

const (
	ViolationStopLoss      ViolationKind = "stop_loss"
	ViolationPositionSize  ViolationKind = "position_size"
	ViolationOpenPositions ViolationKind = "open_positions"
	ViolationExposure      ViolationKind = "total_exposure"
)

// Violation names a position that must be force-closed.
type Violation struct {
	Symbol string
	Kind   ViolationKind
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s", v.Symbol, v.Kind, v.Detail)
}

// Check returns at most one violation per symbol. Per-position breaches are
// evaluated first; portfolio overflow then closes the newest positions until
// the remaining set fits.
func (l Limits) Check(exposures []Exposure) []Violation {
	out := make([]Violation, 0)
	flagged := make(map[string]bool, len(exposures))
	survivors := make([]Exposure, 0, len(exposures))

	for _, e := range exposures {
		if !e.Side.Directional() {
			continue
		}
		if l.MaxPositionFraction > 0 && decFromFloat(e.Fraction).GreaterThan(decFromFloat(l.MaxPositionFraction).Add(decimalEps)) {
			out = append(out, Violation{Symbol: e.Symbol, Kind: ViolationPositionSize,
				Detail: fmt.Sprintf("fraction %.4f > max %.4f", e.Fraction, l.MaxPositionFraction)})
			flagged[e.Symbol] = true
			continue
		}
		if l.EnforceStops && e.StopLossFraction > 0 {
			move := adverseMove(e.Side, e.EntryPrice, e.MarkPrice)
			if decFromFloat(move).GreaterThanOrEqual(decFromFloat(e.StopLossFraction)) {
				out = append(out, Violation{Symbol: e.Symbol, Kind: ViolationStopLoss,
					Detail: fmt.Sprintf("adverse move %.4f >= stop %.4f (mark %.6g, stop price %.6g)",
						move, e.StopLossFraction, e.MarkPrice, stopPrice(e.Side, e.EntryPrice, e.StopLossFraction))})
				flagged[e.Symbol] = true
				continue
			}
		}
		survivors = append(survivors, e)
	}

	// Oldest positions keep priority; ties break on symbol for determinism.
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].OpenedAt.Equal(survivors[j].OpenedAt) {
			return survivors[i].Symbol < survivors[j].Symbol
		}
		return survivors[i].OpenedAt.Before(survivors[j].OpenedAt)
	})

	total := decZero
	kept := 0
	for _, e := range survivors {
		if flagged[e.Symbol] {
			continue
		}
		if l.MaxOpenPositions > 0 && kept >= l.MaxOpenPositions {
			out = append(out, Violation{Symbol: e.Symbol, Kind: ViolationOpenPositions,
				Detail: fmt.Sprintf("open positions exceed %d", l.MaxOpenPositions)})
			flagged[e.Symbol] = true
			continue
		}
		next := total.Add(decFromFloat(e.Fraction))
		if l.MaxTotalExposure > 0 && next.GreaterThan(decFromFloat(l.MaxTotalExposure).Add(decimalEps)) {
			out = append(out, Violation{Symbol: e.Symbol, Kind: ViolationExposure,
				Detail: fmt.Sprintf("total exposure %.4f > max %.4f", decToFloat(next), l.MaxTotalExposure)})
			flagged[e.Symbol] = true
			continue
		}
		total = next
		kept++
	}
	return out
}

// AllowsOpen reports whether adding a position of the given fraction keeps
// the portfolio inside its limits. The update loop uses it as a pre-trade
// gate so the risk loop does not immediately undo a fresh entry.
func (l Limits) AllowsOpen(open []Exposure, symbol string, fraction float64) error {
	count := 0
	total := decZero
	for _, e := range open {
		if e.Symbol == symbol || !e.Side.Directional() {
			continue
		}
		count++
		total = total.Add(decFromFloat(e.Fraction))
	}
	if l.MaxOpenPositions > 0 && count+1 > l.MaxOpenPositions {
		return fmt.Errorf("%w: %d open positions at limit", ErrLimitExceeded, count)
	}
	next := total.Add(decFromFloat(fraction))
	if l.MaxTotalExposure > 0 && next.GreaterThan(decFromFloat(l.MaxTotalExposure).Add(decimalEps)) {
		return fmt.Errorf("%w: exposure %.4f would exceed %.4f", ErrLimitExceeded, decToFloat(next), l.MaxTotalExposure)
	}
	if l.MaxPositionFraction > 0 && decFromFloat(fraction).GreaterThan(decFromFloat(l.MaxPositionFraction).Add(decimalEps)) {
		return fmt.Errorf("%w: fraction %.4f > max %.4f", ErrLimitExceeded, fraction, l.MaxPositionFraction)
	}
	return nil
}
