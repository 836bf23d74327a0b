package confluence

import (
	"math"
	"sort"
)

// Result is the outcome of one scoring pass. It is built once per evaluation
// cycle and not mutated afterwards.
type Result struct {
	OverallScore float64                      `json:"overall_score"`
	Reliability  float64                      `json:"reliability"`
	Components   map[Component]ComponentScore `json:"components"`
	Impacts      map[Component]float64        `json:"impacts"`
	// MissingWeight is the share of configured weight mass with no score.
	MissingWeight float64     `json:"missing_weight"`
	Missing       []Component `json:"missing,omitempty"`
}

// Impact returns the weighted contribution of one component, 0 when absent.
func (r Result) Impact(name Component) float64 {
	return r.Impacts[name]
}

// Scorer combines component scores with a pluggable reliability policy.
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	policy ReliabilityPolicy
}

func NewScorer(policy ReliabilityPolicy) *Scorer {
	if policy == nil {
		policy = DefaultReliability()
	}
	return &Scorer{policy: policy}
}

var defaultScorer = NewScorer(nil)

// Score runs the default scorer over a name to value mapping.
func Score(values map[Component]float64, weights WeightSet) (Result, error) {
	return defaultScorer.ScoreValues(values, weights)
}

func (s *Scorer) ScoreValues(values map[Component]float64, weights WeightSet) (Result, error) {
	scores := make([]ComponentScore, 0, len(values))
	for name, v := range values {
		scores = append(scores, ComponentScore{Name: name, Value: v})
	}
	return s.Score(scores, weights)
}

func (s *Scorer) Score(scores []ComponentScore, weights WeightSet) (Result, error) {
	if err := weights.Validate(); err != nil {
		return Result{}, err
	}
	present := make(map[Component]ComponentScore, len(scores))
	values := make(map[Component]float64, len(scores))
	for _, cs := range scores {
		if err := validateScore(cs); err != nil {
			return Result{}, err
		}
		if _, dup := present[cs.Name]; dup {
			return Result{}, &InvalidComponentScoreError{Component: cs.Name, Value: cs.Value, Reason: "duplicate component"}
		}
		present[cs.Name] = cs
		values[cs.Name] = cs.Value
	}

	var presentWeight, total, weighted float64
	missing := make([]Component, 0)
	for _, name := range weights.weighted() {
		w := weights[name]
		total += w
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		presentWeight += w
		weighted += w * v
	}
	if presentWeight <= 0 {
		return Result{}, ErrNoComponents
	}

	impacts := make(map[Component]float64, len(present))
	for name, v := range values {
		w := weights[name]
		if w <= 0 {
			impacts[name] = 0
			continue
		}
		impacts[name] = w / presentWeight * v
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return Result{
		OverallScore:  clamp(weighted/presentWeight, 0, 100),
		Reliability:   clamp(s.policy.Reliability(ReliabilityInput{Values: values, Weights: weights}), 0, 1),
		Components:    present,
		Impacts:       impacts,
		MissingWeight: clamp((total-presentWeight)/total, 0, 1),
		Missing:       missing,
	}, nil
}

func validateScore(cs ComponentScore) error {
	if !cs.Name.Valid() {
		return &InvalidComponentScoreError{Component: cs.Name, Value: cs.Value, Reason: "unknown component"}
	}
	if math.IsNaN(cs.Value) || math.IsInf(cs.Value, 0) {
		return &InvalidComponentScoreError{Component: cs.Name, Value: cs.Value, Reason: "non-finite"}
	}
	if cs.Value < 0 || cs.Value > 100 {
		return &InvalidComponentScoreError{Component: cs.Name, Value: cs.Value, Reason: "outside [0,100]"}
	}
	return nil
}
