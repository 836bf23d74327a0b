package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"confluence/internal/confluence"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/scheduler"
	"confluence/internal/types"
)

// ComponentSource produces one component score from a snapshot.
type ComponentSource interface {
	ComponentScore(ctx context.Context, name confluence.Component, snap market.Snapshot) (confluence.ComponentScore, error)
}

type Config struct {
	BuyThreshold   float64
	SellThreshold  float64
	Weights        confluence.WeightSet
	Required       []confluence.Component
	MinReliability float64
	MaxDataAge     time.Duration
	FetchTimeout   time.Duration
	Interval       time.Duration
	Concurrency    int
}

// DefaultRequired is every component except sentiment, whose upstream
// index only updates daily.
func DefaultRequired() []confluence.Component {
	return []confluence.Component{
		confluence.Technical,
		confluence.Volume,
		confluence.Orderbook,
		confluence.Orderflow,
		confluence.PriceStructure,
	}
}

func (c Config) withDefaults() Config {
	if c.Weights == nil {
		c.Weights = confluence.DefaultWeights()
	}
	if c.Required == nil {
		c.Required = DefaultRequired()
	}
	if c.MaxDataAge <= 0 {
		c.MaxDataAge = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

func (c Config) validate() error {
	if c.SellThreshold <= 0 || c.BuyThreshold >= 100 || c.SellThreshold >= c.BuyThreshold {
		return fmt.Errorf("invalid thresholds buy=%.2f sell=%.2f", c.BuyThreshold, c.SellThreshold)
	}
	if c.MinReliability < 0 || c.MinReliability > 1 {
		return fmt.Errorf("min_reliability must be in [0,1]")
	}
	return c.Weights.Validate()
}

// Evaluator runs evaluation cycles and holds the latest unconsumed signal
// per symbol.
type Evaluator struct {
	cfg        Config
	data       market.DataClient
	components ComponentSource
	scorer     *confluence.Scorer
	observers  []Observer
	clock      func() time.Time

	mu      sync.Mutex
	states  map[string]State
	mailbox map[string]Signal
}

type Option func(*Evaluator)

func WithObserver(o Observer) Option {
	return func(e *Evaluator) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithScorer(s *confluence.Scorer) Option {
	return func(e *Evaluator) {
		if s != nil {
			e.scorer = s
		}
	}
}

func NewEvaluator(cfg Config, data market.DataClient, components ComponentSource, opts ...Option) (*Evaluator, error) {
	if data == nil || components == nil {
		return nil, fmt.Errorf("evaluator requires data client and component source")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{
		cfg:        cfg,
		data:       data,
		components: components,
		scorer:     confluence.NewScorer(nil),
		clock:      time.Now,
		states:     make(map[string]State),
		mailbox:    make(map[string]Signal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) Config() Config { return e.cfg }

func (e *Evaluator) State(symbol string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[symbol]
}

func (e *Evaluator) setState(symbol string, st State) {
	e.mu.Lock()
	e.states[symbol] = st
	e.mu.Unlock()
}

// Classify maps a score to a side with the configured thresholds.
func (e *Evaluator) Classify(score float64) types.Side {
	switch {
	case score >= e.cfg.BuyThreshold:
		return types.Long
	case score <= e.cfg.SellThreshold:
		return types.Short
	default:
		return types.Neutral
	}
}

// Evaluate runs one full cycle for symbol. A directional signal is placed
// in the symbol's mailbox, replacing any unconsumed one, and returned.
// No partial signal is ever emitted on failure. A cycle that ends without
// a signal (neutral, demoted or failed) clears the mailbox: the newest
// verdict supersedes whatever was pending.
func (e *Evaluator) Evaluate(ctx context.Context, symbol string) (sig Signal, emitted bool, err error) {
	started := e.clock()
	ev := Evaluation{Symbol: symbol, Started: started}
	defer func() {
		if !emitted {
			e.supersede(symbol)
		}
		ev.Err = err
		ev.Duration = e.clock().Sub(started)
		e.notify(ev)
	}()

	e.setState(symbol, AwaitingData)
	snap, scores, err := e.collect(ctx, symbol)
	if err != nil {
		return Signal{}, false, err
	}

	e.setState(symbol, Scoring)
	res, err := e.scorer.Score(scores, e.cfg.Weights)
	if err != nil {
		return Signal{}, false, fmt.Errorf("%s score: %w", symbol, err)
	}
	ev.Result = &res

	side := e.Classify(res.OverallScore)
	if side.Directional() && res.Reliability < e.cfg.MinReliability {
		logger.Infof("%s %s demoted: reliability %.3f < %.3f", symbol, side, res.Reliability, e.cfg.MinReliability)
		ev.Demoted = true
		side = types.Neutral
	}
	ev.Side = side
	if !side.Directional() {
		logger.Debugf("%s neutral at %.2f (reliability %.3f)", symbol, res.OverallScore, res.Reliability)
		return Signal{}, false, nil
	}

	sig = Signal{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		Confluence:  res,
		Price:       snap.Price(),
		GeneratedAt: e.clock(),
	}
	e.mu.Lock()
	e.states[symbol] = SignalEmitted
	e.mailbox[symbol] = sig
	e.mu.Unlock()
	ev.Signal = &sig
	logger.Infof("%s signal %s id=%s score=%.2f reliability=%.3f", symbol, side, sig.ID, res.OverallScore, res.Reliability)
	return sig, true, nil
}

// collect fetches the snapshot, then every weighted component in parallel.
// Required components that fail or are stale abort the cycle; optional
// ones are left out and surface as missing weight.
func (e *Evaluator) collect(ctx context.Context, symbol string) (market.Snapshot, []confluence.ComponentScore, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	snap, err := e.data.Snapshot(fetchCtx, symbol)
	cancel()
	if err != nil {
		var du *market.DataUnavailableError
		if errors.As(err, &du) {
			return market.Snapshot{}, nil, err
		}
		return market.Snapshot{}, nil, &market.DataUnavailableError{Symbol: symbol, Feed: "snapshot", Err: err}
	}
	if err := snap.Validate(); err != nil {
		return market.Snapshot{}, nil, &market.DataUnavailableError{Symbol: symbol, Feed: "snapshot", Err: err}
	}
	now := e.clock()
	if age := snap.Age(now); age > e.cfg.MaxDataAge {
		return market.Snapshot{}, nil, &market.DataUnavailableError{Symbol: symbol, Feed: "snapshot", Age: age, MaxAge: e.cfg.MaxDataAge}
	}

	required := make(map[confluence.Component]bool, len(e.cfg.Required))
	for _, c := range e.cfg.Required {
		required[c] = true
	}

	names := make([]confluence.Component, 0, len(confluence.AllComponents))
	for _, c := range confluence.AllComponents {
		if e.cfg.Weights[c] > 0 {
			names = append(names, c)
		}
	}
	results := make([]*confluence.ComponentScore, len(names))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		group.Go(func() error {
			runCtx, cancel := context.WithTimeout(groupCtx, e.cfg.FetchTimeout)
			defer cancel()
			cs, err := e.components.ComponentScore(runCtx, name, snap)
			if err == nil {
				if cs.Name == "" {
					cs.Name = name
				}
				if cs.Timestamp.IsZero() {
					cs.Timestamp = snap.FetchedAt
				}
				if age := now.Sub(cs.Timestamp); age > e.cfg.MaxDataAge {
					err = &market.DataUnavailableError{Symbol: symbol, Feed: string(name), Age: age, MaxAge: e.cfg.MaxDataAge}
				}
			}
			if err != nil {
				if errors.Is(err, confluence.ErrInvalidComponentScore) {
					return err
				}
				cErr := &ComponentError{Component: name, Required: required[name], Err: err}
				if cErr.Required {
					return &market.DataUnavailableError{Symbol: symbol, Feed: string(name), Err: cErr}
				}
				logger.Warnf("%s %s", symbol, cErr.Error())
				return nil
			}
			results[i] = &cs
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return market.Snapshot{}, nil, err
	}
	scores := make([]confluence.ComponentScore, 0, len(results))
	for _, cs := range results {
		if cs != nil {
			scores = append(scores, *cs)
		}
	}
	return snap, scores, nil
}

func (e *Evaluator) supersede(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.mailbox[symbol]; ok {
		logger.Infof("%s pending %s signal %s superseded", symbol, old.Side, old.ID)
		delete(e.mailbox, symbol)
	}
	e.states[symbol] = Idle
}

// Take removes and returns the pending signal for symbol. Staleness is
// judged by the consumer against its own max age.
func (e *Evaluator) Take(symbol string) (Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig, ok := e.mailbox[symbol]
	if !ok {
		return Signal{}, false
	}
	delete(e.mailbox, symbol)
	if e.states[symbol] == SignalEmitted {
		e.states[symbol] = Idle
	}
	return sig, true
}

// Forget drops all per-symbol state after an instrument is removed.
func (e *Evaluator) Forget(symbol string) {
	e.mu.Lock()
	delete(e.mailbox, symbol)
	delete(e.states, symbol)
	e.mu.Unlock()
}

// Tick evaluates every symbol concurrently. Per-symbol failures are logged
// and never abort the others. It returns the number of signals emitted.
func (e *Evaluator) Tick(ctx context.Context, symbols []string) int {
	var (
		group errgroup.Group
		mu    sync.Mutex
		count int
	)
	group.SetLimit(e.cfg.Concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.SymbolError(symbol, "evaluate", fmt.Errorf("panic: %v", r))
				}
			}()
			_, emitted, err := e.Evaluate(ctx, symbol)
			if err != nil {
				logger.SymbolError(symbol, "evaluate", err)
				return nil
			}
			if emitted {
				mu.Lock()
				count++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return count
}

// Run ticks on the configured interval until ctx ends. symbols is asked
// for the active set on every tick.
func (e *Evaluator) Run(ctx context.Context, symbols func() []string) error {
	loop := scheduler.NewLoop("monitor", e.cfg.Interval)
	return loop.Run(ctx, func(ctx context.Context) {
		e.Tick(ctx, symbols())
	})
}

func (e *Evaluator) notify(ev Evaluation) {
	for _, o := range e.observers {
		o.OnEvaluation(ev)
	}
}
