package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("exchange", 2, 30*time.Second)
	cb.SetClock(func() time.Time { return now })

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Execute(func() error { return boom }, nil), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return boom }, nil), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker("exchange", 1, time.Minute)
	rejected := errors.New("rejected")
	err := cb.Execute(func() error { return rejected }, func(err error) bool { return !errors.Is(err, rejected) })
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("exchange", 1, time.Second)
	cb.SetClock(func() time.Time { return now })
	changes := make(chan State, 4)
	cb.SetStateChangeHandler(func(_ string, _, to State) { changes <- to })

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	got := []State{<-changes, <-changes, <-changes}
	assert.ElementsMatch(t, []State{StateOpen, StateHalfOpen, StateOpen}, got)
}
