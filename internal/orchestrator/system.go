// Package orchestrator owns the tracked instrument set and runs the update
// and risk-check loops that turn signals into positions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/pkg/symbol"
	"confluence/internal/risk"
	"confluence/internal/scheduler"
	"confluence/internal/signal"
	"confluence/internal/types"
)

// SignalSource hands out pending signals, each at most once.
type SignalSource interface {
	Take(symbol string) (signal.Signal, bool)
	Forget(symbol string)
}

// Executor is the order-placement surface the loops drive.
type Executor interface {
	OpenOrAdjust(ctx context.Context, d risk.SizedDecision) (execution.OrderResult, error)
	Close(ctx context.Context, symbol string) (execution.OrderResult, error)
	CancelOrders(ctx context.Context, symbol string) error
	Positions(ctx context.Context) ([]execution.Position, error)
}

// Monitor is the evaluation loop fed with the active symbol set.
type Monitor interface {
	Run(ctx context.Context, symbols func() []string) error
}

// Sizer turns a directional score into a decision tagged with its signal.
type Sizer interface {
	Decide(signalID, symbol string, side types.Side, score, reliability float64, at time.Time) (risk.SizedDecision, error)
}

type Config struct {
	UpdateInterval    time.Duration
	RiskCheckInterval time.Duration
	MaxSymbols        int
	MaxSignalAge      time.Duration
	CallTimeout       time.Duration
	Concurrency       int
	Limits            risk.Limits
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 10 * time.Second
	}
	if c.RiskCheckInterval <= 0 {
		c.RiskCheckInterval = 5 * time.Second
	}
	if c.MaxSymbols <= 0 {
		c.MaxSymbols = 20
	}
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// System is the running trading instance.
type System struct {
	cfg       Config
	signals   SignalSource
	sizer     Sizer
	exec      Executor
	monitor   Monitor
	listeners []Listener
	clock     func() time.Time

	instruments *arena

	runMu       sync.Mutex
	runCancel   context.CancelFunc
	runDone     chan struct{}
	initialized bool
}

type Option func(*System)

func WithListener(l Listener) Option {
	return func(s *System) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithMonitor makes Run drive the evaluator alongside the trading loops.
func WithMonitor(m Monitor) Option {
	return func(s *System) { s.monitor = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *System) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(cfg Config, signals SignalSource, sizer Sizer, exec Executor, opts ...Option) (*System, error) {
	if signals == nil || sizer == nil || exec == nil {
		return nil, fmt.Errorf("orchestrator requires signal source, sizer and executor")
	}
	s := &System{
		cfg:         cfg.withDefaults(),
		signals:     signals,
		sizer:       sizer,
		exec:        exec,
		clock:       time.Now,
		instruments: newArena(),
		initialized: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *System) Config() Config { return s.cfg }

func (s *System) Initialized() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.initialized
}

// AddInstrument starts tracking symbol. Adding a tracked symbol is a no-op;
// adding one that is pending removal cancels the removal.
func (s *System) AddInstrument(raw string) (string, error) {
	if !s.Initialized() {
		return "", ErrNotInitialized
	}
	sym := symbol.Normalize(raw)
	if sym == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	s.instruments.mu.Lock()
	if inst, ok := s.instruments.items[sym]; ok {
		s.instruments.mu.Unlock()
		inst.mu.Lock()
		revived := !inst.active
		inst.active = true
		inst.pendingRemoval = false
		inst.mu.Unlock()
		if revived {
			logger.Infof("%s reactivated", sym)
		}
		return sym, nil
	}
	if len(s.instruments.items) >= s.cfg.MaxSymbols {
		s.instruments.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrMaxSymbols, s.cfg.MaxSymbols)
	}
	s.instruments.items[sym] = &instrument{symbol: sym, addedAt: s.clock(), active: true}
	s.instruments.mu.Unlock()
	logger.Infof("%s added", sym)
	s.emit(Event{Kind: EventInstrumentAdded, Symbol: sym})
	return sym, nil
}

// RemoveInstrument deactivates symbol, waits for any in-flight tick on it,
// closes its position and cancels its orders, then evicts it. If the close
// fails the instrument stays tracked, inactive and pending removal; the
// risk loop retries. Removing an unknown symbol is a no-op.
func (s *System) RemoveInstrument(ctx context.Context, raw string) error {
	sym := symbol.Normalize(raw)
	if sym == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	inst := s.instruments.get(sym)
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	inst.active = false
	inst.pendingRemoval = true
	inst.mu.Unlock()
	return s.completeRemoval(ctx, inst)
}

func (s *System) completeRemoval(ctx context.Context, inst *instrument) error {
	inst.op.LockHigh()
	defer inst.op.Unlock()

	inst.mu.Lock()
	stillPending := inst.pendingRemoval
	inst.mu.Unlock()
	if !stillPending {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if _, err := s.exec.Close(callCtx, inst.symbol); err != nil {
		inst.setError(err)
		logger.SymbolError(inst.symbol, "remove", err)
		s.emit(Event{Kind: EventRemovalBlocked, Symbol: inst.symbol, Err: err})
		return fmt.Errorf("%s: %w: %w", inst.symbol, ErrRemovalBlocked, err)
	}
	inst.clearPosition(s.clock(), false)
	if err := s.exec.CancelOrders(callCtx, inst.symbol); err != nil {
		inst.setError(err)
		logger.SymbolError(inst.symbol, "remove", err)
		s.emit(Event{Kind: EventRemovalBlocked, Symbol: inst.symbol, Err: err})
		return fmt.Errorf("%s: %w: %w", inst.symbol, ErrRemovalBlocked, err)
	}
	if s.instruments.evict(inst.symbol, inst) {
		s.signals.Forget(inst.symbol)
		logger.Infof("%s removed", inst.symbol)
		s.emit(Event{Kind: EventInstrumentRemoved, Symbol: inst.symbol})
	}
	return nil
}

// Active lists symbols that currently accept new signals.
func (s *System) Active() []string {
	out := make([]string, 0)
	for _, inst := range s.instruments.all() {
		if inst.isActive() {
			out = append(out, inst.symbol)
		}
	}
	return out
}

// Snapshot returns copies of every tracked instrument, sorted by symbol.
func (s *System) Snapshot() []TrackedInstrument {
	all := s.instruments.all()
	out := make([]TrackedInstrument, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.snapshot())
	}
	return out
}

func (s *System) Instrument(raw string) (TrackedInstrument, bool) {
	inst := s.instruments.get(symbol.Normalize(raw))
	if inst == nil {
		return TrackedInstrument{}, false
	}
	return inst.snapshot(), true
}

// Run drives the monitor, update and risk loops until ctx ends or Shutdown is called.
func (s *System) Run(ctx context.Context) error {
	s.runMu.Lock()
	if !s.initialized {
		s.runMu.Unlock()
		return ErrNotInitialized
	}
	if s.runCancel != nil {
		s.runMu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done
	s.runMu.Unlock()
	defer close(done)
	defer cancel()

	group, gctx := errgroup.WithContext(runCtx)
	if s.monitor != nil {
		group.Go(func() error { return s.monitor.Run(gctx, s.Active) })
	}
	group.Go(func() error {
		return scheduler.NewLoop("update", s.cfg.UpdateInterval).Run(gctx, func(ctx context.Context) {
			s.UpdateTick(ctx)
		})
	})
	group.Go(func() error {
		return scheduler.NewLoop("risk-check", s.cfg.RiskCheckInterval).Run(gctx, func(ctx context.Context) {
			s.RiskTick(ctx)
		})
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the loops, closes every position, cancels every order and
// marks the system uninitialized. Each step runs even if an earlier one
// failed; the failures are joined into the returned error.
func (s *System) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warnf("shutdown: loops did not stop before deadline")
		}
	}

	var errs []error
	all := s.instruments.all()
	for _, inst := range all {
		inst.mu.Lock()
		inst.active = false
		inst.mu.Unlock()
	}
	for _, inst := range all {
		inst.op.LockHigh()
		callCtx, cancelCall := context.WithTimeout(ctx, s.cfg.CallTimeout)
		if _, err := s.exec.Close(callCtx, inst.symbol); err != nil {
			inst.setError(err)
			logger.SymbolError(inst.symbol, "shutdown-close", err)
			errs = append(errs, fmt.Errorf("close %s: %w", inst.symbol, err))
		} else {
			inst.clearPosition(s.clock(), false)
		}
		cancelCall()
		inst.op.Unlock()
	}
	for _, inst := range all {
		callCtx, cancelCall := context.WithTimeout(ctx, s.cfg.CallTimeout)
		if err := s.exec.CancelOrders(callCtx, inst.symbol); err != nil {
			logger.SymbolError(inst.symbol, "shutdown-cancel", err)
			errs = append(errs, fmt.Errorf("cancel %s: %w", inst.symbol, err))
		}
		cancelCall()
	}

	s.runMu.Lock()
	s.initialized = false
	s.runMu.Unlock()

	err := errors.Join(errs...)
	detail := fmt.Sprintf("%d instrument(s) drained", len(all))
	s.emit(Event{Kind: EventShutdown, Detail: detail, Err: err})
	logger.Infof("shutdown complete: %s", detail)
	return err
}

func (s *System) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock()
	}
	for _, l := range s.listeners {
		l.OnEvent(ev)
	}
}

// forEach runs fn for every symbol concurrently, isolating failures and
// panics per symbol.
func (s *System) forEach(ctx context.Context, stage string, insts []*instrument, fn func(ctx context.Context, inst *instrument) error) {
	var group errgroup.Group
	group.SetLimit(s.cfg.Concurrency)
	for _, inst := range insts {
		inst := inst
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				if err != nil {
					inst.setError(err)
					logger.SymbolError(inst.symbol, stage, err)
					s.emit(Event{Kind: EventSymbolError, Symbol: inst.symbol, Detail: stage, Err: err})
				}
			}()
			return fn(ctx, inst)
		})
	}
	_ = group.Wait()
}

