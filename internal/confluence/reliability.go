package confluence

import "math"

const defaultDeviationThreshold = 30.0

// ReliabilityInput is what a reliability policy sees: the present component
// values and the full configured weight set (missing = weighted but absent).
type ReliabilityInput struct {
	Values  map[Component]float64
	Weights WeightSet
}

// ReliabilityPolicy maps data completeness and cross-component agreement to
// a confidence in [0,1]. Implementations must be pure.
type ReliabilityPolicy interface {
	Reliability(in ReliabilityInput) float64
}

// ReliabilityFunc adapts a plain function to ReliabilityPolicy.
type ReliabilityFunc func(in ReliabilityInput) float64

func (f ReliabilityFunc) Reliability(in ReliabilityInput) float64 { return f(in) }

// PairwiseAgreement scores every weighted component pair (self-pairs
// included) by w_i*w_j. A pair counts only when both sides are present and
// agrees fully while |v_i - v_j| <= DeviationThreshold, fading linearly to 0
// at a 100 point gap. Reliability is the agreeing mass over the total mass.
//
// Dropping a component only removes pair terms and widening a gap only
// shrinks one, so the result never rises as data goes missing or diverges.
type PairwiseAgreement struct {
	DeviationThreshold float64
}

func DefaultReliability() PairwiseAgreement {
	return PairwiseAgreement{DeviationThreshold: defaultDeviationThreshold}
}

func (p PairwiseAgreement) threshold() float64 {
	t := p.DeviationThreshold
	if math.IsNaN(t) || t <= 0 {
		return defaultDeviationThreshold
	}
	if t >= 100 {
		return 100
	}
	return t
}

func (p PairwiseAgreement) pairAgreement(a, b float64) float64 {
	dev := math.Abs(a - b)
	t := p.threshold()
	if dev <= t {
		return 1
	}
	if t >= 100 {
		return 1
	}
	return clamp(1-(dev-t)/(100-t), 0, 1)
}

func (p PairwiseAgreement) Reliability(in ReliabilityInput) float64 {
	names := in.Weights.weighted()
	if len(names) == 0 {
		return 0
	}
	var total, agreeing float64
	for i, a := range names {
		wa := in.Weights[a]
		va, okA := in.Values[a]
		for _, b := range names[i:] {
			wb := in.Weights[b]
			mass := wa * wb
			total += mass
			if !okA {
				continue
			}
			vb, okB := in.Values[b]
			if !okB {
				continue
			}
			agreeing += mass * p.pairAgreement(va, vb)
		}
	}
	if total <= 0 {
		return 0
	}
	return clamp(agreeing/total, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
