package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/kernel"
	"github.com/emment-yamikani/xytheros-core/thread"
	"github.com/emment-yamikani/xytheros-core/timersvc"
)

func TestRunExecutesEnqueuedThread(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.Monitor = false
	k := kernel.New(cfg)

	ran := make(chan struct{})
	th, err := k.Registry.Create(thread.DefaultAttr, func(any) uintptr {
		close(ran)
		return 0
	}, nil, thread.FlagGroup|thread.FlagSched, nil, k.Sched)
	require.NoError(t, err)
	require.Equal(t, thread.Ready, th.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("thread did not run under kernel.Run")
	}
}

func TestRunRegistersSchedulerBuiltinThreads(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.NumCPU = 2
	cfg.Monitor = false
	k := kernel.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	k.Run(ctx)

	all := k.Builtin.All()
	require.Len(t, all, 2)
	_, err := k.Builtin.ByName("sched-cpu0")
	require.NoError(t, err)
	_, err = k.Builtin.ByName("sched-cpu1")
	require.NoError(t, err)
}

func TestFindThreadUnknownFails(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	_, err := k.FindThread(9999)
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("kernel.Run did not stop after cancel")
	}
}

func TestTimerFiresThroughKernelClock(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.Monitor = false
	cfg.ClockHZ = 1000
	k := kernel.New(cfg)

	fired := make(chan struct{})
	id := k.Timers.Create(timersvc.Event{
		Kind:     timersvc.NotifyCallback,
		Callback: func(int64) { close(fired) },
	})
	// Advance past jiffy 0 first: an absolute expiry of 0 disarms.
	k.Clock.Tick()
	_, _, err := k.Timers.SetTime(id, k.Clock.Now(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire under kernel.Run")
	}
}
