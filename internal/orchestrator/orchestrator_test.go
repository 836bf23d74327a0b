package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"confluence/internal/confluence"
	"confluence/internal/execution"
	"confluence/internal/risk"
	"confluence/internal/signal"
	"confluence/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSignals struct {
	mu        sync.Mutex
	pending   map[string]signal.Signal
	forgotten []string
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{pending: make(map[string]signal.Signal)}
}

func (f *fakeSignals) Put(sym string, side types.Side, score float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[sym] = signal.Signal{
		ID:          "sig-" + sym,
		Symbol:      sym,
		Side:        side,
		Confluence:  confluence.Result{OverallScore: score, Reliability: 0.9},
		Price:       100,
		GeneratedAt: at,
	}
}

func (f *fakeSignals) Take(sym string) (signal.Signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.pending[sym]
	delete(f.pending, sym)
	return sig, ok
}

func (f *fakeSignals) Forget(sym string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, sym)
	f.forgotten = append(f.forgotten, sym)
}

func (f *fakeSignals) Pending(sym string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[sym]
	return ok
}

type fakeExec struct {
	mu        sync.Mutex
	clock     func() time.Time
	positions map[string]execution.Position
	marks     map[string]float64
	openErr   map[string]error
	closeErr  map[string]error
	cancelErr map[string]error
	panicOn   string
	opens     []risk.SizedDecision
	closes    []string
	cancels   []string
}

func newFakeExec(clock func() time.Time) *fakeExec {
	return &fakeExec{
		clock:     clock,
		positions: make(map[string]execution.Position),
		marks:     make(map[string]float64),
		openErr:   make(map[string]error),
		closeErr:  make(map[string]error),
		cancelErr: make(map[string]error),
	}
}

func (f *fakeExec) OpenOrAdjust(_ context.Context, d risk.SizedDecision) (execution.OrderResult, error) {
	if d.Symbol == f.panicOn {
		panic("venue adapter exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[d.Symbol]; err != nil {
		return execution.OrderResult{}, err
	}
	pos := execution.Position{
		Symbol:           d.Symbol,
		Side:             d.Side,
		Quantity:         1,
		EntryPrice:       100,
		MarkPrice:        100,
		Fraction:         d.PositionFraction,
		StopLossFraction: d.StopLossFraction,
		OpenedAt:         f.clock(),
	}
	f.positions[d.Symbol] = pos
	f.opens = append(f.opens, d)
	return execution.OrderResult{Symbol: d.Symbol, Side: d.Side, Status: execution.StatusFilled, Position: pos}, nil
}

func (f *fakeExec) Close(_ context.Context, sym string) (execution.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.closeErr[sym]; err != nil {
		return execution.OrderResult{}, err
	}
	delete(f.positions, sym)
	f.closes = append(f.closes, sym)
	return execution.OrderResult{Symbol: sym, Status: execution.StatusClosed}, nil
}

func (f *fakeExec) CancelOrders(_ context.Context, sym string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sym)
	return f.cancelErr[sym]
}

func (f *fakeExec) Positions(context.Context) ([]execution.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execution.Position, 0, len(f.positions))
	for sym, p := range f.positions {
		if m, ok := f.marks[sym]; ok {
			p.MarkPrice = m
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeExec) SetMark(sym string, price float64) {
	f.mu.Lock()
	f.marks[sym] = price
	f.mu.Unlock()
}

func (f *fakeExec) SetCloseErr(sym string, err error) {
	f.mu.Lock()
	f.closeErr[sym] = err
	f.mu.Unlock()
}

func (f *fakeExec) Opens() []risk.SizedDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]risk.SizedDecision(nil), f.opens...)
}

func (f *fakeExec) Closes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closes...)
}

func (f *fakeExec) Cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) Find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

type harness struct {
	sys     *System
	clock   *fakeClock
	signals *fakeSignals
	exec    *fakeExec
	events  *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sizer, err := risk.NewSizer(risk.DefaultSizerConfig())
	require.NoError(t, err)
	h := &harness{
		clock:   clock,
		signals: newFakeSignals(),
		exec:    newFakeExec(clock.Now),
		events:  &recorder{},
	}
	h.sys, err = New(cfg, h.signals, sizer, h.exec, WithClock(clock.Now), WithListener(h.events))
	require.NoError(t, err)
	return h
}

func TestAddInstrumentIsIdempotentAndBounded(t *testing.T) {
	h := newHarness(t, Config{MaxSymbols: 2})

	sym, err := h.sys.AddInstrument("btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	_, err = h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	_, err = h.sys.AddInstrument("ETHUSDT")
	require.NoError(t, err)

	_, err = h.sys.AddInstrument("SOLUSDT")
	assert.ErrorIs(t, err, ErrMaxSymbols)
	_, err = h.sys.AddInstrument("???")
	assert.ErrorIs(t, err, ErrInvalidSymbol)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, h.sys.Active())
	assert.Len(t, h.sys.Snapshot(), 2)
}

func TestUpdateTickOpensSizedPosition(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)

	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())

	opens := h.exec.Opens()
	require.Len(t, opens, 1)
	assert.InDelta(t, 0.13, opens[0].PositionFraction, 1e-12)
	assert.InDelta(t, 0.0305625, opens[0].StopLossFraction, 1e-12)

	snap, ok := h.sys.Instrument("BTCUSDT")
	require.True(t, ok)
	require.NotNil(t, snap.Position)
	assert.Equal(t, types.Long, snap.Position.Side)
	require.NotNil(t, snap.LastDecision)
	assert.Equal(t, 78.0, snap.LastDecision.Score)
	assert.Contains(t, h.events.Kinds(), EventOrderOpened)

	// nothing pending, nothing placed
	h.sys.UpdateTick(context.Background())
	assert.Len(t, h.exec.Opens(), 1)
}

func TestUpdateTickDropsStaleSignal(t *testing.T) {
	h := newHarness(t, Config{MaxSignalAge: time.Minute})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)

	h.signals.Put("BTCUSDT", types.Long, 80, h.clock.Now())
	h.clock.Advance(2 * time.Minute)
	h.sys.UpdateTick(context.Background())

	assert.Empty(t, h.exec.Opens())
}

func TestRiskCloseRequiresFreshSignal(t *testing.T) {
	h := newHarness(t, Config{Limits: risk.Limits{EnforceStops: true}})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)

	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())
	require.Len(t, h.exec.Opens(), 1)
	staleAt := h.clock.Now()

	// 10% adverse move through a ~3% stop
	h.exec.SetMark("BTCUSDT", 90)
	h.clock.Advance(time.Second)
	violations := h.sys.RiskTick(context.Background())
	require.Len(t, violations, 1)
	assert.Equal(t, risk.ViolationStopLoss, violations[0].Kind)
	assert.Equal(t, []string{"BTCUSDT"}, h.exec.Closes())

	snap, _ := h.sys.Instrument("BTCUSDT")
	assert.Nil(t, snap.Position)
	assert.Equal(t, h.clock.Now(), snap.LastRiskClose)
	assert.Contains(t, h.events.Kinds(), EventRiskClose)

	// A signal computed before the close must not reopen.
	h.signals.Put("BTCUSDT", types.Long, 78, staleAt)
	h.sys.UpdateTick(context.Background())
	assert.Len(t, h.exec.Opens(), 1)

	h.clock.Advance(time.Second)
	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())
	assert.Len(t, h.exec.Opens(), 2)
}

func TestSignalIDFollowsDecisionPositionAndEvents(t *testing.T) {
	h := newHarness(t, Config{Limits: risk.Limits{EnforceStops: true}})
	_, err := h.sys.AddInstrument("ETHUSDT")
	require.NoError(t, err)

	h.signals.Put("ETHUSDT", types.Short, 20, h.clock.Now())
	h.sys.UpdateTick(context.Background())

	opens := h.exec.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, "sig-ETHUSDT", opens[0].SignalID)

	snap, ok := h.sys.Instrument("ETHUSDT")
	require.True(t, ok)
	require.NotNil(t, snap.Position)
	assert.Equal(t, "sig-ETHUSDT", snap.Position.SignalID)
	opened, ok := h.events.Find(EventOrderOpened)
	require.True(t, ok)
	assert.Equal(t, "sig-ETHUSDT", opened.SignalID)

	// 平仓事件沿用开仓信号的 id，即使持仓已与交易所同步。
	h.exec.SetMark("ETHUSDT", 110)
	h.clock.Advance(time.Second)
	require.Len(t, h.sys.RiskTick(context.Background()), 1)
	closed, ok := h.events.Find(EventRiskClose)
	require.True(t, ok)
	assert.Equal(t, "sig-ETHUSDT", closed.SignalID)
}

func TestUpdateBacksOffWhileCloseHoldsSymbol(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	inst := h.sys.instruments.get("BTCUSDT")

	inst.op.LockHigh()
	h.signals.Put("BTCUSDT", types.Long, 80, h.clock.Now())
	h.sys.UpdateTick(context.Background())
	assert.Empty(t, h.exec.Opens())
	assert.True(t, h.signals.Pending("BTCUSDT"), "signal must survive a skipped tick")
	inst.op.Unlock()

	h.clock.Advance(time.Second)
	h.sys.UpdateTick(context.Background())
	assert.Len(t, h.exec.Opens(), 1)
}

func TestPriorityLockHighWaiterBlocksLowAcquirers(t *testing.T) {
	var l priorityLock
	require.True(t, l.TryLockLow())

	acquired := make(chan struct{})
	go func() {
		l.LockHigh()
		close(acquired)
	}()
	require.Eventually(t, func() bool { return l.waitingHigh.Load() == 1 }, time.Second, time.Millisecond)

	l.Unlock()
	<-acquired
	assert.False(t, l.TryLockLow())
	l.Unlock()
	assert.True(t, l.TryLockLow())
	l.Unlock()
}

func TestCloseWinsAgainstConcurrentUpdates(t *testing.T) {
	h := newHarness(t, Config{Limits: risk.Limits{EnforceStops: true}})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)

	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())
	require.Len(t, h.exec.Opens(), 1)
	preClose := h.clock.Now()
	h.exec.SetMark("BTCUSDT", 90)
	h.clock.Advance(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.sys.RiskTick(context.Background())
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h.signals.Put("BTCUSDT", types.Long, 90, preClose)
			h.sys.UpdateTick(context.Background())
		}
	}()
	wg.Wait()

	// Whatever the interleaving, once the close lands no pre-close signal
	// may reopen the position.
	snap, _ := h.sys.Instrument("BTCUSDT")
	assert.Nil(t, snap.Position)
	assert.Equal(t, []string{"BTCUSDT"}, h.exec.Closes())
}

func TestUpdateTickIsolatesSymbolFailures(t *testing.T) {
	h := newHarness(t, Config{})
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		_, err := h.sys.AddInstrument(s)
		require.NoError(t, err)
		h.signals.Put(s, types.Short, 20, h.clock.Now())
	}
	h.exec.openErr["ETHUSDT"] = execution.ErrExecutionFailed
	h.exec.panicOn = "SOLUSDT"

	h.sys.UpdateTick(context.Background())

	opens := h.exec.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, "BTCUSDT", opens[0].Symbol)
	assert.Equal(t, types.Short, opens[0].Side)

	eth, _ := h.sys.Instrument("ETHUSDT")
	assert.Nil(t, eth.Position)
	assert.NotEmpty(t, eth.LastError)
	sol, _ := h.sys.Instrument("SOLUSDT")
	assert.Contains(t, sol.LastError, "panic")
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, h.sys.Active())
}

func TestLimitGateBlocksEntry(t *testing.T) {
	h := newHarness(t, Config{Limits: risk.Limits{MaxOpenPositions: 1}})
	for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
		_, err := h.sys.AddInstrument(s)
		require.NoError(t, err)
	}
	h.signals.Put("BTCUSDT", types.Long, 75, h.clock.Now())
	h.sys.UpdateTick(context.Background())
	h.signals.Put("ETHUSDT", types.Long, 75, h.clock.Now())
	h.sys.UpdateTick(context.Background())

	opens := h.exec.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, "BTCUSDT", opens[0].Symbol)
	assert.Contains(t, h.events.Kinds(), EventOrderFailed)
}

func TestRemoveInstrumentClosesAndEvicts(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())

	require.NoError(t, h.sys.RemoveInstrument(context.Background(), "btc-usdt"))
	assert.Equal(t, []string{"BTCUSDT"}, h.exec.Closes())
	assert.Equal(t, []string{"BTCUSDT"}, h.exec.Cancels())
	assert.Empty(t, h.sys.Snapshot())
	assert.Equal(t, []string{"BTCUSDT"}, h.signals.forgotten)

	// removing again is a no-op
	require.NoError(t, h.sys.RemoveInstrument(context.Background(), "BTCUSDT"))
	assert.Len(t, h.exec.Closes(), 1)
}

func TestStuckCloseKeepsInstrumentUntilRetrySucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	h.signals.Put("BTCUSDT", types.Long, 78, h.clock.Now())
	h.sys.UpdateTick(context.Background())

	h.exec.SetCloseErr("BTCUSDT", errors.New("venue timeout"))
	err = h.sys.RemoveInstrument(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, ErrRemovalBlocked)

	snap, ok := h.sys.Instrument("BTCUSDT")
	require.True(t, ok, "instrument must not be evicted while its position is open")
	assert.False(t, snap.Active)
	assert.True(t, snap.PendingRemoval)
	assert.NotNil(t, snap.Position)
	assert.Empty(t, h.sys.Active())
	assert.Contains(t, h.events.Kinds(), EventRemovalBlocked)

	// still stuck: risk loop retries and keeps it
	h.sys.RiskTick(context.Background())
	_, ok = h.sys.Instrument("BTCUSDT")
	assert.True(t, ok)

	h.exec.SetCloseErr("BTCUSDT", nil)
	h.sys.RiskTick(context.Background())
	_, ok = h.sys.Instrument("BTCUSDT")
	assert.False(t, ok)
	assert.Contains(t, h.events.Kinds(), EventInstrumentRemoved)
}

func TestReAddCancelsPendingRemoval(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	h.exec.SetCloseErr("BTCUSDT", errors.New("venue timeout"))
	require.Error(t, h.sys.RemoveInstrument(context.Background(), "BTCUSDT"))

	_, err = h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	snap, _ := h.sys.Instrument("BTCUSDT")
	assert.True(t, snap.Active)
	assert.False(t, snap.PendingRemoval)

	h.exec.SetCloseErr("BTCUSDT", nil)
	h.sys.RiskTick(context.Background())
	_, ok := h.sys.Instrument("BTCUSDT")
	assert.True(t, ok)
}

func TestShutdownIsBestEffort(t *testing.T) {
	h := newHarness(t, Config{})
	for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
		_, err := h.sys.AddInstrument(s)
		require.NoError(t, err)
		h.signals.Put(s, types.Long, 80, h.clock.Now())
	}
	h.sys.UpdateTick(context.Background())
	h.exec.SetCloseErr("BTCUSDT", errors.New("venue timeout"))

	err := h.sys.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
	assert.Equal(t, []string{"ETHUSDT"}, h.exec.Closes())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, h.exec.Cancels())
	assert.False(t, h.sys.Initialized())
	assert.Empty(t, h.sys.Active())
	assert.Contains(t, h.events.Kinds(), EventShutdown)

	_, err = h.sys.AddInstrument("SOLUSDT")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, h.sys.Run(context.Background()), ErrNotInitialized)
}

type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) Run(ctx context.Context, symbols func() []string) error {
	args := m.Called(symbols())
	<-ctx.Done()
	return args.Error(0)
}

func TestRunStopsOnShutdown(t *testing.T) {
	h := newHarness(t, Config{UpdateInterval: 10 * time.Millisecond, RiskCheckInterval: 10 * time.Millisecond})
	_, err := h.sys.AddInstrument("BTCUSDT")
	require.NoError(t, err)
	mon := &MockMonitor{}
	mon.On("Run", []string{"BTCUSDT"}).Return(nil).Once()
	h.sys.monitor = mon

	done := make(chan error, 1)
	go func() { done <- h.sys.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		h.sys.runMu.Lock()
		defer h.sys.runMu.Unlock()
		return h.sys.runCancel != nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sys.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	mon.AssertExpectations(t)
}
