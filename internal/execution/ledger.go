package execution

import (
	"context"
	"sync"
)

// Ledger remembers the last order applied per symbol so an identical
// repeat can be answered without touching the venue.
type Ledger interface {
	Last(ctx context.Context, symbol string) (OrderResult, bool, error)
	Save(ctx context.Context, res OrderResult) error
	Clear(ctx context.Context, symbol string) error
}

type MemoryLedger struct {
	mu   sync.RWMutex
	last map[string]OrderResult
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{last: make(map[string]OrderResult)}
}

func (l *MemoryLedger) Last(_ context.Context, symbol string) (OrderResult, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res, ok := l.last[symbol]
	return res, ok, nil
}

func (l *MemoryLedger) Save(_ context.Context, res OrderResult) error {
	l.mu.Lock()
	l.last[res.Symbol] = res
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Clear(_ context.Context, symbol string) error {
	l.mu.Lock()
	delete(l.last, symbol)
	l.mu.Unlock()
	return nil
}
