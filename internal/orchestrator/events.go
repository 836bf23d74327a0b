package orchestrator

import (
	"time"

	"confluence/internal/execution"
	"confluence/internal/risk"
)

type EventKind string

const (
	EventOrderOpened       EventKind = "order_ok"
	EventOrderFailed       EventKind = "order_failed"
	EventRiskClose         EventKind = "risk_close"
	EventSymbolError       EventKind = "symbol_error"
	EventRemovalBlocked    EventKind = "removal_blocked"
	EventInstrumentAdded   EventKind = "instrument_added"
	EventInstrumentRemoved EventKind = "instrument_removed"
	EventShutdown          EventKind = "shutdown"
)

// Event is a structured record of something the orchestrator did or failed
// to do. Alerts, metrics and the journal consume these.
type Event struct {
	Kind     EventKind
	Symbol   string
	SignalID string // signal that led to the order, when known
	Detail   string
	Err      error
	Decision *risk.SizedDecision
	Result   *execution.OrderResult
	At       time.Time
}

// Listener must not block; slow sinks should queue internally.
type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }
