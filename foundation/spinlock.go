package foundation

import (
	"runtime"
	"sync/atomic"
)

// spinBudget is how many failed acquisition attempts a goroutine makes
// before yielding the processor and starting over.
const spinBudget = 100

// SpinLock is a busy-waiting mutual exclusion lock.
//
// It never sleeps: contended acquisition spins on the flag and yields to the
// scheduler every spinBudget failed attempts. There is no fairness guarantee.
// The zero value is an unlocked lock.
type SpinLock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	spins := 0
	for !l.state.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinBudget {
			runtime.Gosched()
			spins = 0
		}
	}
}

// Unlock releases the lock. It must only be called by the holder.
func (l *SpinLock) Unlock() {
	l.state.Store(0)
}
