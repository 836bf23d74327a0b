// Package confluence fuses independent component scores into one 0-100
// confluence score with a reliability estimate.
package confluence

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Component names one analysis dimension.
type Component string

const (
	Technical      Component = "technical"
	Volume         Component = "volume"
	Orderbook      Component = "orderbook"
	Orderflow      Component = "orderflow"
	PriceStructure Component = "price_structure"
	Sentiment      Component = "sentiment"
)

// AllComponents lists the six dimensions in canonical order.
var AllComponents = []Component{Technical, Volume, Orderbook, Orderflow, PriceStructure, Sentiment}

func (c Component) Valid() bool {
	switch c {
	case Technical, Volume, Orderbook, Orderflow, PriceStructure, Sentiment:
		return true
	default:
		return false
	}
}

func ParseComponent(raw string) (Component, error) {
	c := Component(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown component %q", raw)
	}
	return c, nil
}

// ComponentScore is one indicator output for one evaluation cycle.
type ComponentScore struct {
	Name      Component `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// WeightSet maps a component to its configured weight. Weights must be
// non-negative; they are normalised at scoring time so they need not sum to 1.
type WeightSet map[Component]float64

// DefaultWeights is the stock weighting used when configuration omits one.
func DefaultWeights() WeightSet {
	return WeightSet{
		Technical:      0.17,
		Volume:         0.12,
		Orderbook:      0.20,
		Orderflow:      0.25,
		PriceStructure: 0.15,
		Sentiment:      0.10,
	}
}

func (w WeightSet) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("%w: weight set is empty", ErrInvalidWeight)
	}
	total := 0.0
	for name, weight := range w {
		if !name.Valid() {
			return fmt.Errorf("%w: unknown component %q", ErrInvalidWeight, name)
		}
		if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeight, name, weight)
		}
		total += weight
	}
	if total <= 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidWeight)
	}
	return nil
}

func (w WeightSet) Total() float64 {
	total := 0.0
	for _, weight := range w {
		total += weight
	}
	return total
}

// Clone returns an independent copy.
func (w WeightSet) Clone() WeightSet {
	out := make(WeightSet, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// weighted returns the components carrying positive weight, sorted for
// deterministic iteration.
func (w WeightSet) weighted() []Component {
	out := make([]Component, 0, len(w))
	for name, weight := range w {
		if weight > 0 {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WeightsFromMap converts a config map (string keys) into a WeightSet.
func WeightsFromMap(raw map[string]float64) (WeightSet, error) {
	out := make(WeightSet, len(raw))
	for key, weight := range raw {
		name, err := ParseComponent(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWeight, err)
		}
		out[name] = weight
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
