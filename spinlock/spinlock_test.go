package spinlock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/spinlock"
)

func TestLockUnlockMutualExclusion(t *testing.T) {
	l := spinlock.New(nil)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			defer l.Unlock()
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	l := spinlock.New(nil)
	l.Lock()
	defer l.Unlock()

	done := make(chan bool, 1)
	go func() {
		done <- l.TryLock()
	}()
	require.False(t, <-done)
}

func TestAssertLockedPanicsWhenNotHeld(t *testing.T) {
	l := spinlock.New(nil)
	require.Panics(t, func() {
		l.AssertLocked()
	})
}

func TestAssertLockedSucceedsWhenHeld(t *testing.T) {
	l := spinlock.New(nil)
	l.Lock()
	defer l.Unlock()
	require.NotPanics(t, func() {
		l.AssertLocked()
	})
}

func TestRecursiveLockReturnsFalseWhenAlreadyHeld(t *testing.T) {
	l := spinlock.New(nil)
	require.True(t, l.RecursiveLock())
	require.False(t, l.RecursiveLock())
	l.Unlock()
}

func TestLockPanicsOnSelfReentry(t *testing.T) {
	l := spinlock.New(nil)
	l.Lock()
	defer l.Unlock()
	require.Panics(t, func() {
		l.Lock()
	})
}

type countingIRQ struct {
	disables int
	enables  int
}

func (c *countingIRQ) Disable() { c.disables++ }
func (c *countingIRQ) Enable()  { c.enables++ }

func TestIRQControllerInvokedAroundCriticalSection(t *testing.T) {
	irq := &countingIRQ{}
	l := spinlock.New(irq)
	l.Lock()
	l.Unlock()
	require.Equal(t, 1, irq.disables)
	require.Equal(t, 1, irq.enables)
}
