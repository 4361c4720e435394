// Package spin implements the coarse exclusive lock that guards slab
// acquisition, slab release and recovery.
//
// The lock never parks the caller on a wait queue. Before spinning it asks a
// Guard to disable preemption (interrupts, in a kernel) so that a handler
// which itself allocates cannot deadlock against the holder.
package spin

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds tight spinning before handing the processor back.
const spinsBeforeYield = 64

// Guard disables and restores preemption around a critical section.
type Guard interface {
	// Disable turns preemption off and reports whether it was previously on.
	Disable() bool
	// Restore re-enables preemption if it was on before the matching Disable.
	Restore(wasEnabled bool)
}

type noGuard struct{}

func (noGuard) Disable() bool { return false }
func (noGuard) Restore(bool)  {}

// NoGuard is a Guard that does nothing. It is the default.
var NoGuard Guard = noGuard{}

// Lock is a test-and-set spin lock. The zero value is unlocked and uses NoGuard.
type Lock struct {
	locked atomic.Uint32
	guard  Guard
	prev   bool
}

// NewLock returns a lock that brackets every critical section with g.
func NewLock(g Guard) *Lock {
	return &Lock{guard: g}
}

func (l *Lock) g() Guard {
	if l.guard == nil {
		return NoGuard
	}
	return l.guard
}

// Acquire takes the lock, spinning until it is free.
func (l *Lock) Acquire() {
	prev := l.g().Disable()
	for spins := 0; !l.locked.CompareAndSwap(0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
	l.prev = prev
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *Lock) TryAcquire() bool {
	prev := l.g().Disable()
	if !l.locked.CompareAndSwap(0, 1) {
		l.g().Restore(prev)
		return false
	}
	l.prev = prev
	return true
}

// Release drops the lock. Releasing an unlocked lock panics.
func (l *Lock) Release() {
	prev := l.prev
	if !l.locked.CompareAndSwap(1, 0) {
		panic("spin: release of unlocked lock")
	}
	l.g().Restore(prev)
}

// Held reports whether the lock is currently taken.
func (l *Lock) Held() bool {
	return l.locked.Load() == 1
}
