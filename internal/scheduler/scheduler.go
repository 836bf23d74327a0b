// Package scheduler drives periodic tasks, either on a plain interval or
// aligned to candle boundaries.
package scheduler

import (
	"context"
	"time"

	"confluence/internal/logger"
)

// Loop runs a task every Interval until its context ends. With Align set,
// wake-ups land Offset after each Align boundary instead of drifting from
// the start time. A tick that overruns the next wake-up is not queued.
type Loop struct {
	Name           string
	Interval       time.Duration
	Align          time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewLoop(name string, interval time.Duration) *Loop {
	return &Loop{Name: name, Interval: interval, RunImmediately: true, nowFn: time.Now}
}

// Aligned switches the loop to boundary alignment.
func (l *Loop) Aligned(align, offset time.Duration) *Loop {
	l.Align = align
	l.Offset = offset
	return l
}

// Run blocks until ctx is done and returns ctx.Err().
func (l *Loop) Run(ctx context.Context, task func(ctx context.Context)) error {
	if task == nil || l.Interval <= 0 {
		logger.Warnf("scheduler[%s]: invalid loop interval=%s", l.Name, l.Interval)
		<-ctx.Done()
		return ctx.Err()
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}
	if l.Offset < 0 {
		l.Offset = 0
	}
	logger.Infof("scheduler[%s]: started interval=%s align=%s offset=%s", l.Name, l.Interval, l.Align, l.Offset)

	if l.RunImmediately {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task(ctx)
	}
	for {
		wait := l.nextWait(l.nowFn())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler[%s]: stopped", l.Name)
			return ctx.Err()
		case <-timer.C:
		}
		task(ctx)
	}
}

func (l *Loop) nextWait(now time.Time) time.Duration {
	if l.Align <= 0 {
		return l.Interval
	}
	now = now.UTC()
	wake := now.Truncate(l.Align).Add(l.Offset)
	for !wake.After(now) {
		wake = wake.Add(l.Interval)
	}
	return wake.Sub(now)
}
