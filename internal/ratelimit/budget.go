// Package ratelimit tracks request and weight consumption against an
// exchange's rolling window limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"confluence/internal/market"
)

type Config struct {
	MaxRequests int           `toml:"max_requests" mapstructure:"max_requests"`
	MaxWeight   int           `toml:"max_weight" mapstructure:"max_weight"`
	Window      time.Duration `toml:"window" mapstructure:"window"`
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxWeight <= 0 {
		c.MaxWeight = 2400
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 1200
	}
	return c
}

type entry struct {
	at      time.Time
	cost    int
	pending bool // admitted by WaitIfNeeded, not yet recorded
}

// Budget enforces a hard rolling window and paces bursts with a token
// bucket refilled at MaxWeight per Window.
type Budget struct {
	cfg     Config
	limiter *rate.Limiter

	mu sync.Mutex
	// entries is ordered by time. Pending entries hold a slot between
	// admission and Record so concurrent callers cannot share one; they
	// age out with the window if the caller never records.
	entries []entry
}

var _ market.RateBudget = (*Budget)(nil)

func New(cfg Config) *Budget {
	cfg = cfg.withDefaults()
	perSec := float64(cfg.MaxWeight) / cfg.Window.Seconds()
	return &Budget{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSec), cfg.MaxWeight),
	}
}

func (b *Budget) Config() Config { return b.cfg }

// WaitIfNeeded blocks until a request of the given weight fits in the
// window, or ctx ends.
func (b *Budget) WaitIfNeeded(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if cost > b.cfg.MaxWeight {
		return fmt.Errorf("request weight %d exceeds window capacity %d", cost, b.cfg.MaxWeight)
	}
	if err := b.limiter.WaitN(ctx, cost); err != nil {
		return err
	}
	for {
		wait := b.tryAdmit(cost, time.Now())
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *Budget) tryAdmit(cost int, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	weight := 0
	for _, e := range b.entries {
		weight += e.cost
	}
	if len(b.entries)+1 <= b.cfg.MaxRequests && weight+cost <= b.cfg.MaxWeight {
		b.entries = append(b.entries, entry{at: now, cost: cost, pending: true})
		return 0
	}
	wait := b.entries[0].at.Add(b.cfg.Window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Record books a completed request against the oldest pending admission,
// or as a fresh entry when the caller skipped WaitIfNeeded.
func (b *Budget) Record(cost int) {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	for i := range b.entries {
		if b.entries[i].pending {
			b.entries[i].pending = false
			b.entries[i].cost = cost
			return
		}
	}
	b.entries = append(b.entries, entry{at: now, cost: cost})
}

func (b *Budget) Usage() market.Usage {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	u := market.Usage{Requests: len(b.entries), Window: b.cfg.Window}
	for _, e := range b.entries {
		u.Weight += e.cost
	}
	return u
}

func (b *Budget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.entries) && !b.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}
