// Package execution turns sized decisions into exchange orders with retry,
// idempotency and a circuit breaker around the venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"confluence/internal/pkg/circuit"
	"confluence/internal/types"
)

// OrderRequest asks the venue to bring a symbol's position to a target.
// Targets make repeated requests converge instead of stacking.
type OrderRequest struct {
	ClientOrderID    string
	Symbol           string
	Side             types.Side
	PositionFraction float64
	StopLossFraction float64
}

// Position is the venue's view of one open position.
type Position struct {
	Symbol           string     `json:"symbol"`
	Side             types.Side `json:"side"`
	Quantity         float64    `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	MarkPrice        float64    `json:"mark_price"`
	Fraction         float64    `json:"fraction"`
	StopLossFraction float64    `json:"stop_loss_fraction"`
	OpenedAt         time.Time  `json:"opened_at"`
	// ClientOrderID and SignalID tie a tracked position to the order and
	// signal that opened it. Venue readings leave them empty.
	ClientOrderID string `json:"client_order_id,omitempty"`
	SignalID      string `json:"signal_id,omitempty"`
}

func (p Position) Open() bool {
	return p.Side.Directional() && p.Quantity > 0
}

type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusNoop     OrderStatus = "noop"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

type OrderResult struct {
	ClientOrderID string      `json:"client_order_id"`
	OrderID       string      `json:"order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          types.Side  `json:"side"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Position      Position    `json:"position"`
	Duplicate     bool        `json:"duplicate,omitempty"`
	Attempts      int         `json:"attempts"`
	At            time.Time   `json:"at"`
}

// Exchange is the venue adapter. Implementations must treat a repeated
// ClientOrderID as the same order.
type Exchange interface {
	SetTarget(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	CancelOrders(ctx context.Context, symbol string) error
	Positions(ctx context.Context) ([]Position, error)
}

var (
	ErrExecutionFailed = errors.New("execution failed")
	// ErrOrderRejected marks a venue refusal that retrying cannot fix.
	ErrOrderRejected = errors.New("order rejected")
	// ErrCircuitOpen is returned while the breaker refuses calls to the venue.
	ErrCircuitOpen = circuit.ErrOpen
)

// ExecutionError is returned once retries are exhausted or a request is
// rejected. The caller's position state must be left unchanged.
type ExecutionError struct {
	Op       string
	Symbol   string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Symbol, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// RejectedError carries the venue's code and message.
type RejectedError struct {
	Code    int64
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected (%d): %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrOrderRejected }
