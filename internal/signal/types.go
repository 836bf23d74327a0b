// Package signal runs the per-symbol evaluation cycle: fetch a market
// snapshot, collect component scores, fuse them and classify a side.
package signal

import (
	"fmt"
	"time"

	"confluence/internal/confluence"
	"confluence/internal/market"
	"confluence/internal/types"
)

// ErrDataUnavailable aborts a cycle whose snapshot or required component is
// missing or stale. Details come as *market.DataUnavailableError.
var ErrDataUnavailable = market.ErrDataUnavailable

// State is the per-symbol evaluation phase.
type State int

const (
	Idle State = iota
	AwaitingData
	Scoring
	SignalEmitted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingData:
		return "awaiting_data"
	case Scoring:
		return "scoring"
	case SignalEmitted:
		return "signal_emitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signal is a directional verdict for one symbol and one tick. It is
// consumed at most once by the update loop. ID follows it into the sized
// decision, the position and every event about them.
type Signal struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	Side        types.Side        `json:"side"`
	Confluence  confluence.Result `json:"confluence"`
	Price       float64           `json:"price"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func (s Signal) Score() float64 { return s.Confluence.OverallScore }

// Evaluation describes one finished cycle, signal or not. Observers use it
// for metrics, journaling and alerts.
type Evaluation struct {
	Symbol   string
	Side     types.Side
	Result   *confluence.Result
	Signal   *Signal
	Demoted  bool // directional score below min reliability
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Observer receives every evaluation. Implementations must not block.
type Observer interface {
	OnEvaluation(ev Evaluation)
}

type ObserverFunc func(ev Evaluation)

func (f ObserverFunc) OnEvaluation(ev Evaluation) { f(ev) }

// ComponentError wraps a failed component fetch.
type ComponentError struct {
	Component confluence.Component
	Required  bool
	Err       error
}

func (e *ComponentError) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("%s component %s: %v", kind, e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }
