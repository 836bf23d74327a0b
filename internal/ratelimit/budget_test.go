package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetRecordsUsage(t *testing.T) {
	b := New(Config{MaxRequests: 10, MaxWeight: 100, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.WaitIfNeeded(ctx, 5))
	b.Record(5)
	b.Record(2)

	u := b.Usage()
	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 7, u.Weight)
	assert.Equal(t, time.Minute, u.Window)
}

func TestBudgetBlocksWhenRequestWindowFull(t *testing.T) {
	b := New(Config{MaxRequests: 2, MaxWeight: 100, Window: time.Minute})
	ctx := context.Background()
	require.NoError(t, b.WaitIfNeeded(ctx, 1))
	require.NoError(t, b.WaitIfNeeded(ctx, 1))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.WaitIfNeeded(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBudgetReleasesAfterWindow(t *testing.T) {
	b := New(Config{MaxRequests: 1, MaxWeight: 1000, Window: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, b.WaitIfNeeded(ctx, 1))
	b.Record(1)
	start := time.Now()
	require.NoError(t, b.WaitIfNeeded(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBudgetRejectsOversizedCost(t *testing.T) {
	b := New(Config{MaxRequests: 10, MaxWeight: 10, Window: time.Second})
	assert.Error(t, b.WaitIfNeeded(context.Background(), 11))
}

func TestBudgetConcurrentAdmissionsRespectLimit(t *testing.T) {
	b := New(Config{MaxRequests: 5, MaxWeight: 1000, Window: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.WaitIfNeeded(ctx, 1); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, b.Usage().Requests)
}

func TestBudgetDefaults(t *testing.T) {
	cfg := New(Config{}).Config()
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, 2400, cfg.MaxWeight)
	assert.Equal(t, 1200, cfg.MaxRequests)
}
