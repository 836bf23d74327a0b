package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"confluence/internal/logger"
	"confluence/internal/pkg/circuit"
	"confluence/internal/risk"
)

// clientIDNamespace scopes deterministic client order ids.
var clientIDNamespace = uuid.MustParse("8f0d6a7e-3c1b-5e4a-9b2d-7c6f1e0a4b3d")

type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Observer is told about every gateway outcome.
type Observer interface {
	OnOrder(op, symbol string, res OrderResult, err error)
}

type ObserverFunc func(op, symbol string, res OrderResult, err error)

func (f ObserverFunc) OnOrder(op, symbol string, res OrderResult, err error) { f(op, symbol, res, err) }

type Gateway struct {
	cfg       Config
	exchange  Exchange
	ledger    Ledger
	breaker   *circuit.CircuitBreaker
	observers []Observer
	sleep     func(ctx context.Context, d time.Duration) error
	clock     func() time.Time
}

type GatewayOption func(*Gateway)

func WithLedger(l Ledger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.ledger = l
		}
	}
}

func WithGatewayObserver(o Observer) GatewayOption {
	return func(g *Gateway) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

func WithBreaker(cb *circuit.CircuitBreaker) GatewayOption {
	return func(g *Gateway) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

func NewGateway(cfg Config, exchange Exchange, opts ...GatewayOption) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		exchange: exchange,
		ledger:   NewMemoryLedger(),
		breaker:  circuit.NewCircuitBreaker("exchange", cfg.BreakerThreshold, cfg.BreakerCooldown),
		sleep:    sleepCtx,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ClientOrderID derives a stable id from the decision so a retried or
// replayed decision maps onto the same venue order.
func ClientOrderID(d risk.SizedDecision) string {
	key := d.Symbol + "|" + d.Side.String() + "|" +
		strconv.FormatFloat(d.PositionFraction, 'f', 8, 64) + "|" +
		strconv.FormatFloat(d.StopLossFraction, 'f', 8, 64) + "|" +
		strconv.FormatInt(d.DecidedAt.UnixNano(), 10)
	return uuid.NewSHA1(clientIDNamespace, []byte(key)).String()
}

// OpenOrAdjust brings the symbol's position to the decision's target. An
// identical decision replayed after success returns the recorded result
// marked Duplicate and places nothing.
func (g *Gateway) OpenOrAdjust(ctx context.Context, d risk.SizedDecision) (OrderResult, error) {
	if !d.Side.Directional() {
		return OrderResult{}, fmt.Errorf("%w: %s", risk.ErrInvalidSide, d.Side)
	}
	id := ClientOrderID(d)
	if last, ok, err := g.ledger.Last(ctx, d.Symbol); err != nil {
		logger.Warnf("%s ledger lookup failed: %v", d.Symbol, err)
	} else if ok && last.ClientOrderID == id {
		last.Duplicate = true
		g.notify("open", d.Symbol, last, nil)
		return last, nil
	}

	req := OrderRequest{
		ClientOrderID:    id,
		Symbol:           d.Symbol,
		Side:             d.Side,
		PositionFraction: d.PositionFraction,
		StopLossFraction: d.StopLossFraction,
	}
	res, err := g.do(ctx, "open", d.Symbol, func(ctx context.Context) (OrderResult, error) {
		return g.exchange.SetTarget(ctx, req)
	})
	if err != nil {
		g.notify("open", d.Symbol, OrderResult{}, err)
		return OrderResult{}, err
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = id
	}
	if err := g.ledger.Save(ctx, res); err != nil {
		logger.Warnf("%s ledger save failed: %v", d.Symbol, err)
	}
	g.notify("open", d.Symbol, res, nil)
	return res, nil
}

// Close flattens the symbol. Closing a flat symbol succeeds as a no-op.
func (g *Gateway) Close(ctx context.Context, symbol string) (OrderResult, error) {
	id := uuid.NewString()
	res, err := g.do(ctx, "close", symbol, func(ctx context.Context) (OrderResult, error) {
		return g.exchange.ClosePosition(ctx, symbol, id)
	})
	if err != nil {
		g.notify("close", symbol, OrderResult{}, err)
		return OrderResult{}, err
	}
	if err := g.ledger.Clear(ctx, symbol); err != nil {
		logger.Warnf("%s ledger clear failed: %v", symbol, err)
	}
	g.notify("close", symbol, res, nil)
	return res, nil
}

func (g *Gateway) CancelOrders(ctx context.Context, symbol string) error {
	_, err := g.do(ctx, "cancel", symbol, func(ctx context.Context) (OrderResult, error) {
		return OrderResult{Symbol: symbol, Status: StatusCanceled}, g.exchange.CancelOrders(ctx, symbol)
	})
	g.notify("cancel", symbol, OrderResult{Symbol: symbol, Status: StatusCanceled}, err)
	return err
}

func (g *Gateway) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	_, err := g.do(ctx, "positions", "*", func(ctx context.Context) (OrderResult, error) {
		ps, err := g.exchange.Positions(ctx)
		out = ps
		return OrderResult{}, err
	})
	return out, err
}

func (g *Gateway) BreakerState() circuit.State {
	return g.breaker.State()
}

func (g *Gateway) do(ctx context.Context, op, symbol string, fn func(ctx context.Context) (OrderResult, error)) (OrderResult, error) {
	b := &backoff.Backoff{Min: g.cfg.InitialBackoff, Max: g.cfg.MaxBackoff, Factor: 2}
	var (
		lastErr  error
		attempts int
	)
	for attempts < g.cfg.MaxAttempts {
		attempts++
		var res OrderResult
		err := g.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			var callErr error
			res, callErr = fn(callCtx)
			return callErr
		}, retryable)
		if err == nil {
			res.Attempts = attempts
			if res.At.IsZero() {
				res.At = g.clock()
			}
			return res, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil || attempts >= g.cfg.MaxAttempts {
			break
		}
		wait := b.Duration()
		logger.Warnf("%s %s attempt %d/%d failed: %v (retry in %s)", op, symbol, attempts, g.cfg.MaxAttempts, err, wait)
		if err := g.sleep(ctx, wait); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	return OrderResult{}, &ExecutionError{Op: op, Symbol: symbol, Attempts: attempts, Err: lastErr}
}

func retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrOrderRejected)
}

func (g *Gateway) notify(op, symbol string, res OrderResult, err error) {
	for _, o := range g.observers {
		o.OnOrder(op, symbol, res, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
