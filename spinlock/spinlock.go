// Package spinlock implements the cooperative mutual-exclusion primitive
// spec §4.1 describes: cheap locking with owner tracking and a
// recursion-safe helper for defensive re-entry.
//
// Real IRQ masking and per-CPU pushcli/popcli nesting are architecture
// concerns spec §1 places out of scope (arch_* is an external
// collaborator). This implementation models "disables local interrupts on
// acquisition" as calls to an injectable [IRQController] — a no-op unless
// an arch layer installs one — so the contract is preserved without
// requiring a real interrupt controller.
package spinlock

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/emment-yamikani/xytheros-core/klog"
)

// IRQController models the arch-layer hooks a Spinlock invokes around its
// critical section. The zero value does nothing, which is correct for any
// environment without a real interrupt controller (i.e. this one).
type IRQController interface {
	Disable()
	Enable()
}

type noopIRQ struct{}

func (noopIRQ) Disable() {}
func (noopIRQ) Enable()  {}

// DefaultIRQController is invoked by every Spinlock that wasn't given its
// own via [New]. Replace it once, during arch bring-up, before any thread
// starts taking locks.
var DefaultIRQController IRQController = noopIRQ{}

// Spinlock is a mutual-exclusion lock with owner tracking, sized for
// embedding in threads, queues, processes, regions, and signal records, per
// spec §4.1 and §5's lock-ordering rules.
type Spinlock struct {
	mu    sync.Mutex
	owner atomic.Uint64 // goroutine id of the current holder, 0 = unlocked
	irq   IRQController
}

// New constructs a Spinlock using the given IRQController instead of
// [DefaultIRQController]. Pass nil to use the default.
func New(irq IRQController) *Spinlock {
	if irq == nil {
		irq = DefaultIRQController
	}
	return &Spinlock{irq: irq}
}

func (l *Spinlock) controller() IRQController {
	if l.irq != nil {
		return l.irq
	}
	return DefaultIRQController
}

// Lock acquires the lock and disables interrupts for the duration. It
// makes one non-blocking attempt and, if the lock is contended, logs a
// debug event and blocks until the lock is free; it does not spin.
//
// Lock panics if the current goroutine already holds the lock — mirroring
// spec §4.1's "deadlocks are detected only by assertion panics" — callers
// that may already hold the lock must use [Spinlock.RecursiveLock] instead.
func (l *Spinlock) Lock() {
	self := goroutineID()
	if l.owner.Load() == self {
		panic("spinlock: recursive Lock by the same goroutine; use RecursiveLock")
	}
	l.controller().Disable()
	if !l.mu.TryLock() {
		klog.Default().Debug().Uint64("goroutine", self).Msg("spinlock: contended, blocking")
		l.mu.Lock()
	}
	l.owner.Store(self)
}

// TryLock attempts to acquire the lock without blocking, returning true iff
// successful.
func (l *Spinlock) TryLock() bool {
	self := goroutineID()
	if l.owner.Load() == self {
		panic("spinlock: recursive TryLock by the same goroutine; use RecursiveLock")
	}
	l.controller().Disable()
	if l.mu.TryLock() {
		l.owner.Store(self)
		return true
	}
	l.controller().Enable()
	return false
}

// Unlock releases the lock and re-enables interrupts.
func (l *Spinlock) Unlock() {
	self := goroutineID()
	if l.owner.Load() != self {
		panic("spinlock: Unlock by non-owner")
	}
	l.owner.Store(0)
	l.mu.Unlock()
	l.controller().Enable()
}

// AssertLocked panics if the current goroutine does not hold the lock. Used
// throughout queue/thread/region code to enforce spec §4.2's "every
// function asserts this [the queue lock is held]".
func (l *Spinlock) AssertLocked() {
	if l.owner.Load() != goroutineID() {
		panic("spinlock: assertion failed: lock not held by caller")
	}
}

// IsLockedByCaller reports whether the current goroutine holds the lock,
// without panicking. Used by [Spinlock.RecursiveLock].
func (l *Spinlock) IsLockedByCaller() bool {
	return l.owner.Load() == goroutineID()
}

// RecursiveLock acquires the lock unless the current goroutine already
// holds it, returning true iff it performed the acquisition. Callers must
// pair this with Unlock only when RecursiveLock returned true — this is the
// "recursive-lock helper" spec §4.1 describes, for helpers called from both
// locked and unlocked callers.
func (l *Spinlock) RecursiveLock() bool {
	if l.IsLockedByCaller() {
		return false
	}
	l.Lock()
	return true
}

// goroutineID extracts the calling goroutine's numeric id, by parsing the
// "goroutine N [...]" header of a runtime.Stack dump.
//
// Grounded on eventloop/loop.go's getGoroutineID, which uses this exact
// technique to enforce loop-thread affinity; here it stands in for "the
// current (virtual) CPU" in lieu of a real per-CPU current-thread pointer,
// per spec §9's instruction to avoid free-standing globals.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
