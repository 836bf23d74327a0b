package orchestrator

import (
	"sync"
	"sync/atomic"
)

// priorityLock serialises position mutations for one symbol. High-priority
// holders (risk closes, removal, shutdown) block until they get the lock;
// low-priority holders (the update loop) only try, and back off whenever a
// high-priority acquirer is waiting. A risk close therefore lands after any
// in-flight open and before any open that has not started.
type priorityLock struct {
	mu          sync.Mutex
	waitingHigh atomic.Int32
}

func (l *priorityLock) LockHigh() {
	l.waitingHigh.Add(1)
	l.mu.Lock()
	l.waitingHigh.Add(-1)
}

func (l *priorityLock) TryLockLow() bool {
	if l.waitingHigh.Load() > 0 {
		return false
	}
	if !l.mu.TryLock() {
		return false
	}
	if l.waitingHigh.Load() > 0 {
		l.mu.Unlock()
		return false
	}
	return true
}

func (l *priorityLock) Unlock() {
	l.mu.Unlock()
}
