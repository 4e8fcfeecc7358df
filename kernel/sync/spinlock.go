// Package sync provides the two locking primitives spec'd for kernel-side
// synchronization: a busy-waiting Spinlock (and its interrupt-disabling
// variant, IRQSpinlock) for structures touched from interrupt context, and
// a yielding Mutex for structures only ever touched from thread context.
package sync

import (
	"sync/atomic"

	"gophernel/kernel/cpu"
)

var (
	// yieldFn is substituted by tests to avoid deadlocking on the host,
	// and by sched at boot once cooperative yielding exists.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Any attempt to re-acquire a lock already
// held by the current task will cause a deadlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)

// IRQSpinlock is a Spinlock that also disables interrupts for the duration
// of the critical section. It protects structures that are mutated both
// from thread context and from interrupt handlers (FA's region table, the
// kernel PML4, SCHED's run queues) where a spinlock alone would deadlock if
// an interrupt on the same CPU tried to re-enter the same critical section.
//
// IRQSpinlock is not reentrant and does not nest: Acquire always disables
// interrupts unconditionally and Release always re-enables them, so nested
// Acquire/Release pairs on the same CPU will re-enable interrupts too early.
type IRQSpinlock struct {
	lock Spinlock
}

// Acquire disables interrupts and then acquires the underlying spinlock.
func (l *IRQSpinlock) Acquire() {
	cpu.DisableInterrupts()
	l.lock.Acquire()
}

// Release releases the underlying spinlock and re-enables interrupts.
func (l *IRQSpinlock) Release() {
	l.lock.Release()
	cpu.EnableInterrupts()
}
