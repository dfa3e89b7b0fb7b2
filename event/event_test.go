package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/event"
	"github.com/emment-yamikani/xytheros-core/kerrors"
)

func TestTryAwaitFailsWhenNoEventPending(t *testing.T) {
	e := event.NewAwaitEvent()
	err := e.TryAwait()
	require.Error(t, err)
	require.Equal(t, kerrors.EAGAIN, kerrors.CodeOf(err))
}

func TestWakeupThenTryAwaitSucceeds(t *testing.T) {
	e := event.NewAwaitEvent()
	e.Wakeup()
	require.NoError(t, e.TryAwait())
}

func TestAwaitBlocksUntilWakeup(t *testing.T) {
	e := event.NewAwaitEvent()
	done := make(chan error, 1)
	go func() {
		done <- e.Await(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Await returned before Wakeup")
	case <-time.After(20 * time.Millisecond):
	}

	e.Wakeup()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Wakeup")
	}
}

func TestAwaitTimesOut(t *testing.T) {
	e := event.NewAwaitEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := e.Await(ctx)
	require.Error(t, err)
	require.Equal(t, kerrors.ETIMEDOUT, kerrors.CodeOf(err))
}

func TestAwaitInterruptedByCancel(t *testing.T) {
	e := event.NewAwaitEvent()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := e.Await(ctx)
	require.Error(t, err)
	require.Equal(t, kerrors.EINTR, kerrors.CodeOf(err))
}

func TestWakeupAllWakesEveryWaiter(t *testing.T) {
	e := event.NewAwaitEvent()
	const n = 5
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.Await(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)

	e.WakeupAll()
	wg.Wait()
	close(results)

	for err := range results {
		require.NoError(t, err)
	}
}

func TestDestroyWakesWaitersWithError(t *testing.T) {
	e := event.NewAwaitEvent()
	done := make(chan error, 1)
	go func() {
		done <- e.Await(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	e.Destroy()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, kerrors.EINTR, kerrors.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("Destroy did not wake the waiter")
	}
}

func TestCondSignalWakesOneWaiter(t *testing.T) {
	var mu sync.Mutex
	c := event.NewCond(&mu)

	mu.Lock()
	done := make(chan error, 1)
	go func() {
		mu.Lock()
		done <- c.Wait(context.Background())
		mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	c.Signal()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Signal did not wake the waiter")
	}
}

func TestCondWaitTimesOut(t *testing.T) {
	var mu sync.Mutex
	c := event.NewCond(&mu)

	mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	mu.Unlock()

	require.Error(t, err)
	require.Equal(t, kerrors.ETIMEDOUT, kerrors.CodeOf(err))
}

func TestCondBroadcastWakesAllWaiters(t *testing.T) {
	var mu sync.Mutex
	c := event.NewCond(&mu)
	const n = 3
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		go func() {
			mu.Lock()
			results <- c.Wait(context.Background())
			mu.Unlock()
		}()
	}
	time.Sleep(30 * time.Millisecond)

	c.Broadcast()

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Broadcast did not wake all waiters")
		}
	}
}
