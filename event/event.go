// Package event implements the kernel's two wait primitives: [AwaitEvent],
// a signed-counter counting semaphore, and [Cond], a condition variable
// paired with an external lock — the building blocks behind every blocking
// wait in thread, sched, and timersvc.
package event

import (
	"context"
	"errors"
	"sync"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/queue"
)

// AwaitEvent is a counting semaphore using the original's signed-counter
// convention: count > 0 means credited events are pending (Await consumes
// one immediately); count < 0 means -count goroutines are blocked in
// Await, waiting for a Wakeup.
//
// count is guarded by waiters' own embedded lock, rather than a separate
// one, since every operation on count always accompanies an operation on
// the waiter queue.
type AwaitEvent struct {
	count   int64
	waiters *queue.Queue[chan error]
}

// NewAwaitEvent constructs an AwaitEvent with zero count (no credited
// events, no waiters).
func NewAwaitEvent() *AwaitEvent {
	return &AwaitEvent{waiters: queue.New[chan error]()}
}

// TryAwait consumes one credited event without blocking, failing EAGAIN if
// none is available.
func (e *AwaitEvent) TryAwait() error {
	e.waiters.Lock()
	defer e.waiters.Unlock()
	if e.count <= 0 {
		return kerrors.New(kerrors.EAGAIN, "event: no event pending")
	}
	e.count--
	return nil
}

// Await blocks until an event is available or ctx is done, mirroring
// await_event_timed's fast path (count already positive) and slow path
// (register as a waiter and block once until woken or ctx is done).
//
// A nil ctx is treated as context.Background (wait indefinitely).
func (e *AwaitEvent) Await(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.waiters.Lock()
	if e.count > 0 {
		e.count--
		e.waiters.Unlock()
		return nil
	}
	e.count--
	ch := make(chan error, 1)
	node, _ := e.waiters.Enqueue(ch, queue.AllowDuplicates, nil)
	e.waiters.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		e.waiters.Lock()
		removeErr := e.waiters.Remove(node)
		if removeErr == nil {
			e.count++
		}
		e.waiters.Unlock()
		if removeErr == nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return kerrors.New(kerrors.ETIMEDOUT, "event: await timed out")
			}
			return kerrors.New(kerrors.EINTR, "event: await interrupted")
		}
		// A concurrent Wakeup already claimed this waiter; its send is in
		// flight, receive it rather than discard the credited event.
		return <-ch
	}
}

// Wakeup credits one event, waking the oldest waiter (FIFO) if any are
// registered, otherwise recording the event for a future Await/TryAwait.
func (e *AwaitEvent) Wakeup() {
	e.waiters.Lock()
	if e.count < 0 {
		ch, err := e.waiters.DequeueHead()
		e.count++
		e.waiters.Unlock()
		if err == nil {
			ch <- nil
		}
		return
	}
	e.count++
	e.waiters.Unlock()
}

// WakeupAll credits every currently-blocked waiter at once, or records a
// single event if there are no waiters.
func (e *AwaitEvent) WakeupAll() {
	e.waiters.Lock()
	if e.count < 0 {
		waiters := -e.count
		e.count = waiters
		chans := e.waiters.Flush()
		e.waiters.Unlock()
		for _, ch := range chans {
			ch <- nil
		}
		return
	}
	e.count++
	e.waiters.Unlock()
}

// Destroy wakes every waiter with an EINTR error and resets the count to
// zero, for tearing down an AwaitEvent whose owner (thread, process, VMR)
// is being destroyed out from under blocked waiters.
func (e *AwaitEvent) Destroy() {
	e.waiters.Lock()
	if e.count < 0 {
		e.count = 0
		chans := e.waiters.Flush()
		e.waiters.Unlock()
		for _, ch := range chans {
			ch <- kerrors.New(kerrors.EINTR, "event: destroyed while waiting")
		}
		return
	}
	e.count = 0
	e.waiters.Unlock()
}

// Cond is a condition variable paired with an external [sync.Locker] L,
// following the stdlib sync.Cond contract (caller holds L before calling
// Wait; Wait atomically releases L while blocked and reacquires it before
// returning) generalized with ctx-based cancellation in place of sync.Cond's
// uninterruptible wait, the way longpoll.Channel generalizes a plain
// channel receive with a context deadline.
type Cond struct {
	L       sync.Locker
	waiters *queue.Queue[chan error]
}

// NewCond constructs a Cond guarded by l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, waiters: queue.New[chan error]()}
}

// Wait releases L, blocks until Signal, Broadcast, or ctx is done, then
// reacquires L before returning. A nil ctx waits indefinitely.
func (c *Cond) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ch := make(chan error, 1)
	c.waiters.Lock()
	node, _ := c.waiters.Enqueue(ch, queue.AllowDuplicates, nil)
	c.waiters.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.waiters.Lock()
		removeErr := c.waiters.Remove(node)
		c.waiters.Unlock()
		if removeErr == nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return kerrors.New(kerrors.ETIMEDOUT, "cond: wait timed out")
			}
			return kerrors.New(kerrors.EINTR, "cond: wait interrupted")
		}
		return <-ch
	}
}

// Signal wakes one waiter, in FIFO order. No-op if there are none.
func (c *Cond) Signal() {
	c.waiters.Lock()
	ch, err := c.waiters.DequeueHead()
	c.waiters.Unlock()
	if err == nil {
		ch <- nil
	}
}

// Broadcast wakes every waiter. No-op if there are none.
func (c *Cond) Broadcast() {
	c.waiters.Lock()
	chans := c.waiters.Flush()
	c.waiters.Unlock()
	for _, ch := range chans {
		ch <- nil
	}
}
