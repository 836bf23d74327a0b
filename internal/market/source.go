package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DataClient is the exchange-facing market data collaborator.
type DataClient interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// DataClientFunc adapts a function to DataClient.
type DataClientFunc func(ctx context.Context, symbol string) (Snapshot, error)

func (f DataClientFunc) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return f(ctx, symbol)
}

// Usage is the current consumption of a rolling request window.
type Usage struct {
	Requests int           `json:"requests"`
	Weight   int           `json:"weight"`
	Window   time.Duration `json:"window"`
}

// RateBudget is consulted before every outbound exchange request.
type RateBudget interface {
	WaitIfNeeded(ctx context.Context, cost int) error
	Record(cost int)
	Usage() Usage
}

var ErrDataUnavailable = errors.New("data unavailable")

// DataUnavailableError reports a missing or stale feed for one symbol.
type DataUnavailableError struct {
	Symbol string
	Feed   string
	Age    time.Duration
	MaxAge time.Duration
	Err    error
}

func (e *DataUnavailableError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s unavailable: %v", e.Symbol, e.Feed, e.Err)
	case e.MaxAge > 0:
		return fmt.Sprintf("%s %s stale: age %s > max %s", e.Symbol, e.Feed, e.Age.Truncate(time.Millisecond), e.MaxAge)
	default:
		return fmt.Sprintf("%s %s unavailable", e.Symbol, e.Feed)
	}
}

func (e *DataUnavailableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDataUnavailable, e.Err}
	}
	return []error{ErrDataUnavailable}
}
