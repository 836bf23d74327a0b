package orchestrator

import (
	"sort"
	"sync"
	"time"

	"confluence/internal/execution"
	"confluence/internal/risk"
)

// TrackedInstrument is a read-only copy of one instrument's state.
type TrackedInstrument struct {
	Symbol         string              `json:"symbol"`
	Active         bool                `json:"active"`
	PendingRemoval bool                `json:"pending_removal"`
	Position       *execution.Position `json:"position,omitempty"`
	LastDecision   *risk.SizedDecision `json:"last_decision,omitempty"`
	LastRiskClose  time.Time           `json:"last_risk_close,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	AddedAt        time.Time           `json:"added_at"`
}

// instrument is the arena slot. op serialises exchange-side mutations;
// mu guards the fields so snapshots never block on an exchange call.
type instrument struct {
	symbol  string
	addedAt time.Time
	op      priorityLock

	mu             sync.Mutex
	active         bool
	pendingRemoval bool
	position       *execution.Position
	positionAt     time.Time
	lastDecision   *risk.SizedDecision
	lastRiskClose  time.Time
	lastError      string
}

func (i *instrument) snapshot() TrackedInstrument {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := TrackedInstrument{
		Symbol:         i.symbol,
		Active:         i.active,
		PendingRemoval: i.pendingRemoval,
		LastRiskClose:  i.lastRiskClose,
		LastError:      i.lastError,
		AddedAt:        i.addedAt,
	}
	if i.position != nil {
		p := *i.position
		out.Position = &p
	}
	if i.lastDecision != nil {
		d := *i.lastDecision
		out.LastDecision = &d
	}
	return out
}

func (i *instrument) isActive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

func (i *instrument) riskCloseAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastRiskClose
}

func (i *instrument) hasPosition() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.position != nil
}

func (i *instrument) positionSignal() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.position == nil {
		return ""
	}
	return i.position.SignalID
}

func (i *instrument) setPosition(p execution.Position, d *risk.SizedDecision, at time.Time) {
	i.mu.Lock()
	i.position = &p
	i.positionAt = at
	if d != nil {
		i.lastDecision = d
	}
	i.lastError = ""
	i.mu.Unlock()
}

func (i *instrument) clearPosition(at time.Time, riskClose bool) {
	i.mu.Lock()
	i.position = nil
	i.positionAt = at
	if riskClose {
		i.lastRiskClose = at
	}
	i.mu.Unlock()
}

func (i *instrument) setError(err error) {
	if err == nil {
		return
	}
	i.mu.Lock()
	i.lastError = err.Error()
	i.mu.Unlock()
}

// syncPosition folds a venue reading into the slot unless the slot changed
// after the reading was taken.
func (i *instrument) syncPosition(venue *execution.Position, readAt time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.positionAt.After(readAt) {
		return
	}
	switch {
	case venue == nil:
		i.position = nil
	case i.position == nil:
		p := *venue
		i.position = &p
	default:
		merged := *i.position
		merged.Side = venue.Side
		merged.Quantity = venue.Quantity
		merged.MarkPrice = venue.MarkPrice
		if venue.EntryPrice > 0 {
			merged.EntryPrice = venue.EntryPrice
		}
		if venue.Fraction > 0 {
			merged.Fraction = venue.Fraction
		}
		if venue.StopLossFraction > 0 {
			merged.StopLossFraction = venue.StopLossFraction
		}
		i.position = &merged
	}
	i.positionAt = readAt
}

func (i *instrument) exposure() (risk.Exposure, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.position == nil {
		return risk.Exposure{}, false
	}
	p := i.position
	return risk.Exposure{
		Symbol:           i.symbol,
		Side:             p.Side,
		Fraction:         p.Fraction,
		StopLossFraction: p.StopLossFraction,
		EntryPrice:       p.EntryPrice,
		MarkPrice:        p.MarkPrice,
		OpenedAt:         p.OpenedAt,
	}, true
}

// arena owns the symbol to instrument map. Only the orchestrator mutates
// it; everyone else reads copies.
type arena struct {
	mu    sync.RWMutex
	items map[string]*instrument
}

func newArena() *arena {
	return &arena{items: make(map[string]*instrument)}
}

func (a *arena) get(symbol string) *instrument {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.items[symbol]
}

func (a *arena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

func (a *arena) evict(symbol string, inst *instrument) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.items[symbol]; ok && cur == inst {
		delete(a.items, symbol)
		return true
	}
	return false
}

// all returns slots sorted by symbol.
func (a *arena) all() []*instrument {
	a.mu.RLock()
	out := make([]*instrument, 0, len(a.items))
	for _, inst := range a.items {
		out = append(out, inst)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}
