package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"confluence/internal/risk"
	"confluence/internal/types"
)

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) SetTarget(ctx context.Context, req OrderRequest) (OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(OrderResult), args.Error(1)
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	args := m.Called(ctx, symbol, clientOrderID)
	return args.Get(0).(OrderResult), args.Error(1)
}

func (m *MockExchange) CancelOrders(ctx context.Context, symbol string) error {
	return m.Called(ctx, symbol).Error(0)
}

func (m *MockExchange) Positions(ctx context.Context) ([]Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Position), args.Error(1)
}

func noSleep(context.Context, time.Duration) error { return nil }

func decision(symbol string) risk.SizedDecision {
	return risk.SizedDecision{
		Symbol:           symbol,
		Side:             types.Long,
		PositionFraction: 0.10,
		StopLossFraction: 0.03,
		Score:            75,
		DecidedAt:        time.Unix(1700000000, 0),
	}
}

func fixedPrice(price float64) PriceFunc {
	return func(context.Context, string) (float64, error) { return price, nil }
}

func TestOpenOrAdjustIsIdempotent(t *testing.T) {
	paper := NewPaperExchange(10_000, fixedPrice(100))
	g := NewGateway(Config{}, paper, WithSleep(noSleep))
	ctx := context.Background()

	first, err := g.OpenOrAdjust(ctx, decision("BTCUSDT"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.InDelta(t, 10.0, first.Position.Quantity, 1e-9)

	second, err := g.OpenOrAdjust(ctx, decision("BTCUSDT"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ClientOrderID, second.ClientOrderID)

	positions, err := g.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 10.0, positions[0].Quantity, 1e-9)
	assert.Len(t, paper.Fills(), 1)
}

func TestTargetSemanticsConvergeWithoutLedger(t *testing.T) {
	paper := NewPaperExchange(10_000, fixedPrice(100))
	g := NewGateway(Config{}, paper, WithSleep(noSleep))
	ctx := context.Background()

	d := decision("ETHUSDT")
	_, err := g.OpenOrAdjust(ctx, d)
	require.NoError(t, err)

	// A fresh decision with the same sizing targets the same position.
	d.DecidedAt = d.DecidedAt.Add(time.Minute)
	res, err := g.OpenOrAdjust(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, res.Status)
	assert.InDelta(t, 10.0, res.Position.Quantity, 1e-9)

	d.PositionFraction = 0.05
	d.DecidedAt = d.DecidedAt.Add(time.Minute)
	res, err = g.OpenOrAdjust(ctx, d)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res.Position.Quantity, 1e-9)
	assert.InDelta(t, 5.0, res.FilledQty, 1e-9)
}

func TestOpenOrAdjustRetriesThenSucceeds(t *testing.T) {
	ex := new(MockExchange)
	transient := errors.New("timeout")
	ex.On("SetTarget", mock.Anything, mock.Anything).Return(OrderResult{}, transient).Twice()
	ex.On("SetTarget", mock.Anything, mock.Anything).Return(OrderResult{Symbol: "BTCUSDT", Status: StatusFilled}, nil).Once()

	var waits []time.Duration
	sleep := func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }
	g := NewGateway(Config{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond}, ex, WithSleep(sleep))

	res, err := g.OpenOrAdjust(context.Background(), decision("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, ClientOrderID(decision("BTCUSDT")), res.ClientOrderID)
	require.Len(t, waits, 2)
	assert.Equal(t, 100*time.Millisecond, waits[0])
	assert.Equal(t, 200*time.Millisecond, waits[1])
	ex.AssertExpectations(t)

	// Every retry carried the same client order id.
	for _, call := range ex.Calls {
		assert.Equal(t, res.ClientOrderID, call.Arguments.Get(1).(OrderRequest).ClientOrderID)
	}
}

func TestOpenOrAdjustExhaustedRetries(t *testing.T) {
	ex := new(MockExchange)
	ex.On("SetTarget", mock.Anything, mock.Anything).Return(OrderResult{}, errors.New("503")).Times(3)
	ledger := NewMemoryLedger()
	g := NewGateway(Config{MaxAttempts: 3, BreakerThreshold: 10}, ex, WithSleep(noSleep), WithLedger(ledger))

	_, err := g.OpenOrAdjust(context.Background(), decision("BTCUSDT"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.Attempts)
	assert.Equal(t, "open", execErr.Op)

	_, ok, _ := ledger.Last(context.Background(), "BTCUSDT")
	assert.False(t, ok, "failed orders are never recorded as applied")
	ex.AssertExpectations(t)
}

func TestOpenOrAdjustRejectedIsNotRetried(t *testing.T) {
	ex := new(MockExchange)
	ex.On("SetTarget", mock.Anything, mock.Anything).
		Return(OrderResult{}, &RejectedError{Code: -2019, Message: "margin is insufficient"}).Once()
	g := NewGateway(Config{MaxAttempts: 5}, ex, WithSleep(noSleep))

	_, err := g.OpenOrAdjust(context.Background(), decision("BTCUSDT"))
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	ex.AssertNumberOfCalls(t, "SetTarget", 1)
	assert.Equal(t, "CLOSED", g.BreakerState().String())
}

func TestOpenOrAdjustRejectsNeutral(t *testing.T) {
	g := NewGateway(Config{}, new(MockExchange))
	d := decision("BTCUSDT")
	d.Side = types.Neutral
	_, err := g.OpenOrAdjust(context.Background(), d)
	assert.ErrorIs(t, err, risk.ErrInvalidSide)
}

func TestCloseClearsLedger(t *testing.T) {
	paper := NewPaperExchange(10_000, fixedPrice(100))
	g := NewGateway(Config{}, paper, WithSleep(noSleep))
	ctx := context.Background()

	_, err := g.OpenOrAdjust(ctx, decision("BTCUSDT"))
	require.NoError(t, err)
	res, err := g.Close(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, res.Status)

	// Replaying the old decision after a close is a new order, not a duplicate.
	again, err := g.OpenOrAdjust(ctx, decision("BTCUSDT"))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.InDelta(t, 10.0, again.Position.Quantity, 1e-9)

	res, err = g.Close(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, res.Status)
}

func TestCancelOrdersAndObserver(t *testing.T) {
	ex := new(MockExchange)
	ex.On("CancelOrders", mock.Anything, "BTCUSDT").Return(nil).Once()

	var (
		mu  sync.Mutex
		ops []string
	)
	g := NewGateway(Config{}, ex, WithGatewayObserver(ObserverFunc(func(op, _ string, _ OrderResult, _ error) {
		mu.Lock()
		ops = append(ops, op)
		mu.Unlock()
	})))
	require.NoError(t, g.CancelOrders(context.Background(), "BTCUSDT"))
	assert.Equal(t, []string{"cancel"}, ops)
	ex.AssertExpectations(t)
}

func TestClientOrderIDIsStable(t *testing.T) {
	a := ClientOrderID(decision("BTCUSDT"))
	assert.Equal(t, a, ClientOrderID(decision("BTCUSDT")))
	assert.Len(t, a, 36)

	d := decision("BTCUSDT")
	d.PositionFraction = 0.11
	assert.NotEqual(t, a, ClientOrderID(d))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ex := new(MockExchange)
	ex.On("SetTarget", mock.Anything, mock.Anything).Return(OrderResult{}, errors.New("down"))
	g := NewGateway(Config{MaxAttempts: 1, BreakerThreshold: 2, BreakerCooldown: time.Hour}, ex, WithSleep(noSleep))

	for i := 0; i < 2; i++ {
		_, _ = g.OpenOrAdjust(context.Background(), decision("BTCUSDT"))
	}
	_, err := g.OpenOrAdjust(context.Background(), decision("BTCUSDT"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	ex.AssertNumberOfCalls(t, "SetTarget", 2)
	assert.Equal(t, "OPEN", g.BreakerState().String())
}

func TestPaperFlipAndClose(t *testing.T) {
	paper := NewPaperExchange(1_000, fixedPrice(50))
	ctx := context.Background()
	_, err := paper.SetTarget(ctx, OrderRequest{ClientOrderID: "a", Symbol: "X", Side: types.Long, PositionFraction: 0.1, StopLossFraction: 0.03})
	require.NoError(t, err)
	assert.True(t, paper.HasStop("X"))

	res, err := paper.SetTarget(ctx, OrderRequest{ClientOrderID: "b", Symbol: "X", Side: types.Short, PositionFraction: 0.2})
	require.NoError(t, err)
	assert.Equal(t, types.Short, res.Position.Side)
	assert.InDelta(t, 4.0, res.Position.Quantity, 1e-9)
	assert.Len(t, paper.Fills(), 3)

	require.NoError(t, paper.CancelOrders(ctx, "X"))
	assert.False(t, paper.HasStop("X"))

	_, err = paper.SetTarget(ctx, OrderRequest{ClientOrderID: "c", Symbol: "X", Side: types.Neutral, PositionFraction: 0.2})
	assert.ErrorIs(t, err, ErrOrderRejected)
}
