// Package kernel wires every subsystem into a single runnable instance:
// per-CPU schedulers, the thread/process registry, the timer service,
// the builtin-thread registry, and an optional monitor watchdog
// (Config.Monitor). It
// replaces the source's boot-time assembly of global singletons
// (kernel/boot/boot_info.c) with an explicitly constructed, explicitly
// passed execution context, per spec.md §9.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emment-yamikani/xytheros-core/builtin"
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/klog"
	"github.com/emment-yamikani/xytheros-core/sched"
	"github.com/emment-yamikani/xytheros-core/thread"
	"github.com/emment-yamikani/xytheros-core/timersvc"
)

// Config bundles the knobs Kernel.New needs, beyond sched.Config.
type Config struct {
	NumCPU int

	Sched sched.Config

	// ClockHZ is the timer service's jiffies-per-second rate.
	ClockHZ int64

	// Monitor, if true, starts the invariant-checking watchdog thread.
	Monitor bool

	// MonitorInterval is how often the watchdog asserts scheduler
	// invariants. Defaults to one second.
	MonitorInterval time.Duration

	// Log receives structured kernel log events. Defaults to klog.Default().
	Log *klog.Logger
}

// DefaultConfig returns a single-CPU kernel configuration with the
// source's default scheduler tuning and a 1kHz clock.
func DefaultConfig() Config {
	return Config{
		NumCPU:          1,
		Sched:           sched.DefaultConfig(),
		ClockHZ:         1000,
		Monitor:         true,
		MonitorInterval: time.Second,
	}
}

// Kernel owns every long-lived subsystem instance for one kernel image.
type Kernel struct {
	cfg Config
	log *klog.Logger

	Registry *thread.Registry
	Sched    *sched.Scheduler
	Clock    *timersvc.Clock
	Timers   *timersvc.Service
	Builtin  *builtin.Registry

	mu      sync.Mutex
	running bool
}

// New constructs a Kernel from cfg, wiring the thread registry into the
// scheduler and the clock into the timer service, but starts nothing —
// call Run to bring every CPU's dispatch loop, housekeeping pass, timer
// worker, and (if enabled) the monitor online.
func New(cfg Config) *Kernel {
	if cfg.NumCPU < 1 {
		cfg.NumCPU = 1
	}
	if cfg.ClockHZ <= 0 {
		cfg.ClockHZ = 1000
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = klog.Default()
	}

	registry := thread.NewRegistry()
	clock := timersvc.NewClock(cfg.ClockHZ)

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		Registry: registry,
		Sched:    sched.New(cfg.NumCPU, registry, cfg.Sched),
		Clock:    clock,
		Timers:   timersvc.New(clock),
		Builtin:  builtin.New(),
	}
	return k
}

// Run starts every CPU's dispatch loop, the scheduler's housekeeping
// pass, the timer service worker, and (if Config.Monitor) the watchdog,
// blocking until ctx is done.
func (k *Kernel) Run(ctx context.Context) {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return
	}
	k.running = true
	k.mu.Unlock()

	var wg sync.WaitGroup

	for _, cpu := range k.Sched.CPUs() {
		cpu := cpu
		name := fmt.Sprintf("sched-cpu%d", cpu.ID())
		// A handle thread, not itself scheduled through the MLFQ (the
		// dispatch loop below drives the MLFQ, it can't also sit in it) —
		// registered under builtin purely so the registry/monitor can name
		// and look up each CPU's dispatch loop.
		th, err := k.Registry.Create(thread.DefaultAttr, func(any) uintptr { return 0 },
			nil, thread.FlagGroup|thread.FlagDetached, nil, nil)
		if err == nil {
			_, _ = k.Builtin.Register(name, builtin.KindScheduler, th)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Sched.Run(ctx, cpu)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		k.log.Info().Msg("scheduler housekeeping started")
		k.Sched.RunHousekeeping(ctx)
	}()

	jiffy := time.Duration(time.Second.Nanoseconds() / k.cfg.ClockHZ)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(jiffy)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.Clock.Tick()
				k.Sched.Tick(jiffy)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		k.log.Info().Msg("timer service started")
		k.Timers.Run(ctx, jiffy)
	}()

	if k.cfg.Monitor {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.runMonitor(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	k.mu.Lock()
	k.running = false
	k.mu.Unlock()
}

// runMonitor is the watchdog builtin thread: periodically asserts
// scheduler invariants (no tid current on two CPUs at once, each current
// thread's priority within [Low, High]) and logs a structured warning for any violation it
// catches, standing in for spec.md §8 property 10's "static or dynamic
// check in debug builds". It never panics the kernel; a caught
// violation is a logging concern, not a crash.
func (k *Kernel) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.checkInvariants()
		}
	}
}

func (k *Kernel) checkInvariants() {
	seen := make(map[uint64]int)
	for _, cpu := range k.Sched.CPUs() {
		if t := cpu.Current(); t != nil {
			info := t.Info()
			seen[info.TID]++
			if prio := info.Sched.Prio; prio < sched.Low || prio > sched.High {
				k.log.Warn().
					Uint64("tid", info.TID).
					Int("prio", prio).
					Msg("monitor: thread priority out of range")
			}
		}
	}
	for tid, count := range seen {
		if count > 1 {
			k.log.Error().
				Uint64("tid", tid).
				Int("count", count).
				Msg("monitor: thread dispatched on more than one cpu")
		}
	}
}

// FindThread looks a thread up by tid, a thin pass-through kept so
// callers (e.g. the shell) depend only on Kernel rather than reaching
// into Registry directly.
func (k *Kernel) FindThread(tid uint64) (*thread.Thread, error) {
	t, err := k.Registry.FindByTID(tid)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ESRCH, "kernel: thread lookup failed", err)
	}
	return t, nil
}
