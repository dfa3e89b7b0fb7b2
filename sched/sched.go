// Package sched implements the per-CPU multi-level feedback queue
// scheduler: thread placement, selection, aging, quantum decay, priority
// boost, and push/pull load balancing across a fixed set of CPUs.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/klog"
	"github.com/emment-yamikani/xytheros-core/queue"
	"github.com/emment-yamikani/xytheros-core/thread"
)

// NumLevels is the MLFQ's fixed level count.
const NumLevels = 4

// Low and High name the lowest and highest priority level indices.
const (
	Low  = 0
	High = NumLevels - 1
)

// MinQuantum and MaxQuantum bound runtime quantum auto-adjustment.
const (
	MinQuantum = 10 * time.Millisecond
	MaxQuantum = 50 * time.Millisecond
)

// Config tunes the scheduler's housekeeping intervals and per-level
// quanta. Quanta are indexed Low..High; the zero Config is invalid, use
// DefaultConfig.
type Config struct {
	LevelQuantum [NumLevels]time.Duration

	// AgingThreshold is how many aging passes a waiting thread may
	// endure before being promoted one level.
	AgingThreshold int

	AgingInterval         time.Duration
	BoostInterval         time.Duration
	BalanceInterval       time.Duration
	QuantumAdjustInterval time.Duration
}

// DefaultConfig mirrors the source's defaults: level quanta 30/25/20/15ms
// (Low to High), aging threshold 100 passes, boost every 3s, balance
// every 1ms, quantum auto-adjust every 1s.
func DefaultConfig() Config {
	return Config{
		LevelQuantum: [NumLevels]time.Duration{
			30 * time.Millisecond,
			25 * time.Millisecond,
			20 * time.Millisecond,
			15 * time.Millisecond,
		},
		AgingThreshold:        100,
		AgingInterval:         10 * time.Millisecond,
		BoostInterval:         3 * time.Second,
		BalanceInterval:       time.Millisecond,
		QuantumAdjustInterval: time.Second,
	}
}

// Metrics are lightweight per-CPU counters, supplementing the source's
// metrics.c with the subset this scheduler can usefully report.
type Metrics struct {
	Dispatches  atomic.Uint64
	Migrations  atomic.Uint64
	Promotions  atomic.Uint64
	Demotions   atomic.Uint64
}

// Snapshot is a point-in-time copy of Metrics' counters.
type Snapshot struct {
	Dispatches, Migrations, Promotions, Demotions uint64
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		Dispatches: m.Dispatches.Load(),
		Migrations: m.Migrations.Load(),
		Promotions: m.Promotions.Load(),
		Demotions:  m.Demotions.Load(),
	}
}

// level is one run-queue of the MLFQ plus its current quantum. Its
// Lock/TryLock/Unlock take the run-queue's own lock, which every queue
// operation asserts is held.
type level struct {
	queue   *queue.Queue[*thread.Thread]
	quantum time.Duration
}

func newLevel(quantum time.Duration) *level {
	return &level{queue: queue.New[*thread.Thread](), quantum: quantum}
}

func (l *level) Lock()         { l.queue.Lock() }
func (l *level) TryLock() bool { return l.queue.TryLock() }
func (l *level) Unlock()       { l.queue.Unlock() }

// mlfq is one CPU's four-level run-queue array.
type mlfq struct {
	levels [NumLevels]*level
}

func newMLFQ(cfg Config) *mlfq {
	m := &mlfq{}
	for i := range m.levels {
		m.levels[i] = newLevel(cfg.LevelQuantum[i])
	}
	return m
}

func (m *mlfq) at(i int) *level {
	if i < Low || i > High {
		return nil
	}
	return m.levels[i]
}

// load sums the run-queue lengths across every level.
func (m *mlfq) load() int {
	total := 0
	for _, lvl := range m.levels {
		lvl.Lock()
		total += lvl.queue.Count()
		lvl.Unlock()
	}
	return total
}

func sameThread(a, b *thread.Thread) bool { return a == b }

// CPU is one scheduler core: its own MLFQ, dispatch metrics, and the
// thread it currently holds the baton for.
type CPU struct {
	id   int
	mlfq *mlfq

	Metrics Metrics

	mu      sync.Mutex
	current *thread.Thread
}

// ID returns this CPU's index.
func (c *CPU) ID() int { return c.id }

// Load reports the total number of runnable threads queued on this CPU.
func (c *CPU) Load() int { return c.mlfq.load() }

// Current returns the thread this CPU is presently running, or nil.
func (c *CPU) Current() *thread.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// MetricsSnapshot returns a point-in-time copy of this CPU's counters.
func (c *CPU) MetricsSnapshot() Snapshot { return c.Metrics.snapshot() }

// baton is the per-thread handoff channel pair binding a CPU's dispatch
// loop to the goroutine executing that thread's Entry: grant hands
// control to the thread, done hands it back (on yield, block, or exit).
type baton struct {
	grant chan struct{}
	done  chan struct{}
}

// Scheduler owns every CPU's MLFQ and the thread-group-wide housekeeping
// passes (aging, priority boost, quantum adjustment, load balancing).
type Scheduler struct {
	cpus     []*CPU
	cfg      Config
	registry *thread.Registry

	mu        sync.Mutex
	batons    map[uint64]*baton
	rrCounter atomic.Uint64

	// balanceLimiter bounds how often the same unordered CPU pair may
	// exchange work via push/pull, preventing oscillation beyond what a
	// skipped, silently-retried pass already allows.
	balanceLimiter *catrate.Limiter
}

// cpuPair identifies an unordered pair of CPU ids, for rate-limiting
// load-balance migrations between the same two CPUs.
type cpuPair struct{ a, b int }

func pairKey(x, y int) cpuPair {
	if x > y {
		x, y = y, x
	}
	return cpuPair{x, y}
}

// New constructs a Scheduler with ncpu CPUs, backed by registry for
// exit/info bookkeeping.
func New(ncpu int, registry *thread.Registry, cfg Config) *Scheduler {
	if ncpu < 1 {
		ncpu = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		batons:   make(map[uint64]*baton),
		balanceLimiter: catrate.NewLimiter(map[time.Duration]int{
			3 * cfg.BalanceInterval: 1,
		}),
	}
	s.cpus = make([]*CPU, ncpu)
	for i := range s.cpus {
		s.cpus[i] = &CPU{id: i, mlfq: newMLFQ(cfg)}
	}
	return s
}

// CPUs returns every CPU this scheduler owns, for metrics/monitoring.
func (s *Scheduler) CPUs() []*CPU { return s.cpus }

// CPUByID returns the CPU with the given id.
func (s *Scheduler) CPUByID(id int) (*CPU, error) {
	if id < 0 || id >= len(s.cpus) {
		return nil, kerrors.New(kerrors.EINVAL, "sched: invalid cpu id")
	}
	return s.cpus[id], nil
}

func (s *Scheduler) batonFor(t *thread.Thread) *baton {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batons[t.TID]
	if !ok {
		b = &baton{grant: make(chan struct{}), done: make(chan struct{})}
		s.batons[t.TID] = b
	}
	return b
}

// chooseCPU implements spec's target-CPU selection: HARD_AFFINITY picks
// the least-loaded CPU in the mask; SOFT_AFFINITY (and any thread with an
// empty hard mask) is round-robined, standing in for "the CPU currently
// executing the enqueuing thread" — a notion Go's goroutine scheduler
// doesn't expose.
func (s *Scheduler) chooseCPU(t *thread.Thread) *CPU {
	t.Lock()
	aff := t.Sched.Affinity
	t.Unlock()

	if aff.Kind == thread.HardAffinity && aff.CPUSet != 0 {
		var best *CPU
		for _, c := range s.cpus {
			if aff.CPUSet&(1<<uint(c.id)) == 0 {
				continue
			}
			if best == nil || c.Load() < best.Load() {
				best = c
			}
		}
		if best != nil {
			return best
		}
	}

	idx := int(s.rrCounter.Add(1)-1) % len(s.cpus)
	return s.cpus[idx]
}

// place enqueues t onto cpu's run-queue at level lvl and updates its
// scheduling metadata (level, priority, timeslice, owning CPU). It does
// not start t's execution goroutine; Enqueue does that via spawn.
func (s *Scheduler) place(cpu *CPU, t *thread.Thread, lvl int) error {
	lv := cpu.mlfq.at(lvl)
	if lv == nil {
		return kerrors.New(kerrors.EINVAL, "sched: invalid level")
	}

	lv.Lock()
	node, err := lv.queue.Enqueue(t, queue.EnforceUnique, sameThread)
	quantum := lv.quantum
	lv.Unlock()
	if err != nil {
		return err
	}

	t.Lock()
	t.RunNode = node
	t.Sched.Level = lvl
	t.Sched.Prio = lvl
	t.Sched.Timeslice = quantum.Nanoseconds()
	t.Sched.CPU = cpu.id
	t.Unlock()

	return t.EnterState(thread.Ready)
}

// Enqueue implements thread.Scheduler: a newly-created or first-scheduled
// thread always enters at HIGH, per spec.md §4.3.
func (s *Scheduler) Enqueue(t *thread.Thread) error {
	cpu := s.chooseCPU(t)
	if err := s.place(cpu, t, High); err != nil {
		return err
	}
	s.spawn(t)
	return nil
}

// spawn starts the goroutine that executes t's Entry, if one hasn't
// already been started for this thread.
func (s *Scheduler) spawn(t *thread.Thread) {
	s.mu.Lock()
	if _, ok := s.batons[t.TID]; ok {
		s.mu.Unlock()
		return
	}
	b := &baton{grant: make(chan struct{}), done: make(chan struct{})}
	s.batons[t.TID] = b
	s.mu.Unlock()

	go func() {
		<-b.grant
		status := t.Entry(t.Arg)
		_ = s.registry.Exit(t, status)
		b.done <- struct{}{}
	}()
}

// dispatch grants cpu's baton to t, blocking until t yields, blocks, or
// exits.
func (s *Scheduler) dispatch(ctx context.Context, cpu *CPU, t *thread.Thread, lvl int) {
	lv := cpu.mlfq.at(lvl)
	quantum := lv.quantum

	t.Lock()
	t.Sched.Level = lvl
	t.Sched.CPU = cpu.id
	t.Sched.Timeslice = quantum.Nanoseconds()
	t.Sched.LastTimeslice = quantum.Nanoseconds()
	t.Sched.SchedCount++
	t.Sched.Age = 0
	t.Unlock()
	_ = t.EnterState(thread.Running)

	cpu.mu.Lock()
	cpu.current = t
	cpu.mu.Unlock()
	cpu.Metrics.Dispatches.Add(1)
	klog.Default().Debug().Uint64("tid", t.TID).Int("cpu", cpu.id).Int("level", lvl).Msg("sched: dispatch")

	b := s.batonFor(t)
	b.grant <- struct{}{}
	select {
	case <-b.done:
	case <-ctx.Done():
	}

	cpu.mu.Lock()
	cpu.current = nil
	cpu.mu.Unlock()
}

// Tick decrements every CPU's currently-dispatched thread's timeslice by
// elapsed, implementing spec's per-tick "decrement the running thread's
// timeslice if > 0" (§4.7 step 1). The kernel's jiffy ticker calls this
// once per tick; nothing else ever decreases Timeslice, so without this
// call quantum exhaustion in Yield could never trigger.
func (s *Scheduler) Tick(elapsed time.Duration) {
	ns := elapsed.Nanoseconds()
	for _, cpu := range s.cpus {
		t := cpu.Current()
		if t == nil {
			continue
		}
		t.Lock()
		if t.Sched.Timeslice > 0 {
			t.Sched.Timeslice -= ns
			if t.Sched.Timeslice < 0 {
				t.Sched.Timeslice = 0
			}
		}
		t.Unlock()
	}
}

// selectNext walks levels HIGH to LOW, dequeuing the first ready thread
// found.
func (s *Scheduler) selectNext(cpu *CPU) (*thread.Thread, int) {
	for lvl := High; lvl >= Low; lvl-- {
		lv := cpu.mlfq.at(lvl)
		lv.Lock()
		t, err := lv.queue.DequeueHead()
		lv.Unlock()
		if err == nil {
			return t, lvl
		}
	}
	return nil, 0
}

// Run drives cpu's dispatch loop until ctx is done: select the next
// ready thread, run it to its next yield/block/exit point, or steal work
// from the most-loaded other CPU when idle.
func (s *Scheduler) Run(ctx context.Context, cpu *CPU) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, lvl := s.selectNext(cpu)
		if t == nil {
			if s.pull(cpu) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		s.dispatch(ctx, cpu, t, lvl)
	}
}

// Yield implements sched_yield: the calling thread's own goroutine
// voluntarily gives up cpu, applying quantum decay if its timeslice is
// exhausted, then blocks until redispatched.
func (s *Scheduler) Yield(ctx context.Context, t *thread.Thread) error {
	t.Lock()
	lvl := t.Sched.Level
	exhausted := t.Sched.Timeslice <= 0
	cpuID := t.Sched.CPU
	t.Unlock()

	cpu, err := s.CPUByID(cpuID)
	if err != nil {
		cpu = s.cpus[0]
	}

	if exhausted && lvl > Low {
		lvl--
		cpu.Metrics.Demotions.Add(1)
		klog.Default().Debug().Uint64("tid", t.TID).Int("cpu", cpuID).Int("level", lvl).Msg("sched: quantum exhausted, demoting")
	}
	if err := s.place(cpu, t, lvl); err != nil {
		return err
	}

	b := s.batonFor(t)
	b.done <- struct{}{}
	select {
	case <-b.grant:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait implements the scheduler half of blocking on a wait condition:
// the calling thread's own goroutine transitions to SLEEP and gives up
// its CPU without re-entering any run-queue (the source's "a thread that
// blocks before exhausting its quantum keeps its level" — blocking never
// applies quantum decay). The caller is responsible for the actual
// wait/wake signaling (e.g. via an [event.AwaitEvent] or [thread.Thread.
// Wait]); this only handles the scheduler bookkeeping around it.
func (s *Scheduler) Wait(ctx context.Context, t *thread.Thread, block func(context.Context) error) error {
	if err := t.EnterState(thread.Sleep); err != nil {
		return err
	}

	b := s.batonFor(t)
	b.done <- struct{}{}

	err := block(ctx)

	t.Lock()
	lvl := t.Sched.Level
	cpuID := t.Sched.CPU
	t.Unlock()
	cpu, cerr := s.CPUByID(cpuID)
	if cerr != nil {
		cpu = s.cpus[0]
	}
	if perr := s.place(cpu, t, lvl); perr != nil && err == nil {
		err = perr
	}

	select {
	case <-b.grant:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wakeup broadcasts on t's own wait condition (t.NotifyAll). The
// scheduler itself has no independent notion of "wake" beyond re-placing
// the thread, which Wait already does once block returns.
func (s *Scheduler) Wakeup(t *thread.Thread) { t.NotifyAll() }

// WakeupAll wakes every thread in ts, per spec's condition-variable
// broadcast contract.
func (s *Scheduler) WakeupAll(ts []*thread.Thread) {
	for _, t := range ts {
		t.NotifyAll()
	}
}

// age is the background aging pass: every non-HIGH level's waiting
// threads have their age counter incremented; a thread aged past
// AgingThreshold is promoted one level and its age reset.
func (s *Scheduler) age() {
	for _, cpu := range s.cpus {
		for lvl := Low; lvl < High; lvl++ {
			lv := cpu.mlfq.at(lvl)
			if !lv.TryLock() {
				continue // skip this pass, retry next
			}
			var stale []*thread.Thread
			lv.queue.ForEach(func(t *thread.Thread) {
				t.Lock()
				t.Sched.Age++
				if t.Sched.Age > s.cfg.AgingThreshold {
					stale = append(stale, t)
				}
				t.Unlock()
			})
			for _, t := range stale {
				_ = lv.queue.Remove(t.RunNode)
			}
			lv.Unlock()

			for _, t := range stale {
				s.promote(cpu, t, lvl+1)
			}
		}
	}
}

func (s *Scheduler) promote(cpu *CPU, t *thread.Thread, to int) {
	if to > High {
		to = High
	}
	lv := cpu.mlfq.at(to)
	lv.Lock()
	node, _ := lv.queue.Enqueue(t, queue.AllowDuplicates, sameThread)
	quantum := lv.quantum
	lv.Unlock()

	t.Lock()
	t.RunNode = node
	t.Sched.Level = to
	t.Sched.Prio = to
	t.Sched.Age = 0
	t.Sched.Timeslice = quantum.Nanoseconds()
	t.Unlock()

	cpu.Metrics.Promotions.Add(1)
	klog.Default().Debug().Uint64("tid", t.TID).Int("cpu", cpu.id).Int("level", to).Msg("sched: promoted")
}

// boost implements the starvation backstop: every three seconds (per
// Config.BoostInterval) every thread below HIGH is promoted one level,
// independent of its age counter.
func (s *Scheduler) boost() {
	for _, cpu := range s.cpus {
		for lvl := Low; lvl < High; lvl++ {
			lv := cpu.mlfq.at(lvl)
			lv.Lock()
			threads := lv.queue.Flush()
			lv.Unlock()

			for _, t := range threads {
				s.promote(cpu, t, lvl+1)
			}
		}
	}
}

// adjustQuanta nudges each level's quantum ±5ms to keep its queue depth
// proportional to the CPU's total runnable threads, clamped to
// [MinQuantum, MaxQuantum].
func (s *Scheduler) adjustQuanta() {
	const step = 5 * time.Millisecond
	for _, cpu := range s.cpus {
		total := cpu.Load()
		for _, lv := range cpu.mlfq.levels {
			lv.Lock()
			size := lv.queue.Count()
			switch {
			case total > 0 && size > total/2 && lv.quantum+step <= MaxQuantum:
				lv.quantum += step
			case total > 0 && size < total/4 && lv.quantum-step >= MinQuantum:
				lv.quantum -= step
			}
			lv.Unlock()
		}
	}
}

// balance runs one load-balance pass: every CPU above the fleet average
// by more than 2 pushes to the least-loaded other CPU (see push);
// every CPU below average by more than 2 pulls from the most-loaded
// other CPU.
func (s *Scheduler) balance() {
	if len(s.cpus) < 2 {
		return
	}
	total := 0
	for _, cpu := range s.cpus {
		total += cpu.Load()
	}
	avg := total / len(s.cpus)

	for _, cpu := range s.cpus {
		load := cpu.Load()
		switch {
		case load > avg+2:
			s.push(cpu)
		case load < avg-2:
			s.pull(cpu)
		}
	}
}

// push migrates half of each level's queued threads (rounded down), level
// by level from HIGH to LOW, to the least-loaded other CPU,
// non-blockingly.
func (s *Scheduler) push(cpu *CPU) bool {
	target := s.leastLoaded(cpu)
	if target == nil {
		return false
	}
	if _, ok := s.balanceLimiter.Allow(pairKey(cpu.id, target.id)); !ok {
		return false
	}
	moved := false
	for lvl := High; lvl >= Low; lvl-- {
		src := cpu.mlfq.at(lvl)
		dst := target.mlfq.at(lvl)
		if !src.TryLock() {
			continue
		}
		if !dst.TryLock() {
			src.Unlock()
			continue
		}

		count := src.queue.Count() / 2
		migrated := s.migrateHead(src, dst, count, lvl, target.id)
		if migrated > 0 {
			moved = true
			cpu.Metrics.Migrations.Add(uint64(migrated))
			klog.Default().Debug().Int("from", cpu.id).Int("to", target.id).Int("count", migrated).Msg("sched: pushed load")
		}
		dst.Unlock()
		src.Unlock()
	}
	return moved
}

// pull steals work from the most-loaded other CPU, lowest level first so
// the victim keeps its highest-priority work, returning whether anything
// was stolen.
func (s *Scheduler) pull(cpu *CPU) bool {
	victim := s.mostLoaded(cpu)
	if victim == nil || victim.Load() < 2 {
		return false
	}
	if _, ok := s.balanceLimiter.Allow(pairKey(cpu.id, victim.id)); !ok {
		return false
	}
	victimLoad := victim.Load()
	pulled := 0
	limit := victimLoad / 2

	for lvl := Low; lvl <= High; lvl++ {
		if pulled >= limit {
			break
		}
		src := victim.mlfq.at(lvl)
		dst := cpu.mlfq.at(lvl)
		if !src.TryLock() {
			continue
		}
		if !dst.TryLock() {
			src.Unlock()
			continue
		}

		count := src.queue.Count() / 2
		if count == 0 && src.queue.Count() == 1 && pulled < limit {
			count = 1
		}
		migrated := s.migrateTail(src, dst, count, lvl, cpu.id)
		pulled += migrated
		if migrated > 0 {
			cpu.Metrics.Migrations.Add(uint64(migrated))
			klog.Default().Debug().Int("from", victim.id).Int("to", cpu.id).Int("count", migrated).Msg("sched: pulled load")
		}
		dst.Unlock()
		src.Unlock()
	}
	return pulled > 0
}

// migrateHead moves up to count threads from the head of src to dst,
// updating each migrated thread's owning level/CPU/RunNode.
func (s *Scheduler) migrateHead(src, dst *level, count, lvl, cpuID int) int {
	n := 0
	for n < count {
		t, err := src.queue.DequeueHead()
		if err != nil {
			break
		}
		node, err := dst.queue.Enqueue(t, queue.AllowDuplicates, sameThread)
		if err != nil {
			break
		}
		t.Lock()
		t.RunNode = node
		t.Sched.Level = lvl
		t.Sched.CPU = cpuID
		t.Unlock()
		n++
	}
	return n
}

// migrateTail moves up to count threads from the tail of src to the
// tail of dst, leaving src's head (its highest-priority work) in place.
func (s *Scheduler) migrateTail(src, dst *level, count, lvl, cpuID int) int {
	n := 0
	for n < count {
		t, err := src.queue.DequeueWhence(queue.Tail)
		if err != nil {
			break
		}
		node, err := dst.queue.Enqueue(t, queue.AllowDuplicates, sameThread)
		if err != nil {
			break
		}
		t.Lock()
		t.RunNode = node
		t.Sched.Level = lvl
		t.Sched.CPU = cpuID
		t.Unlock()
		n++
	}
	return n
}

func (s *Scheduler) leastLoaded(exclude *CPU) *CPU {
	var best *CPU
	for _, c := range s.cpus {
		if c == exclude {
			continue
		}
		if best == nil || c.Load() < best.Load() {
			best = c
		}
	}
	return best
}

func (s *Scheduler) mostLoaded(exclude *CPU) *CPU {
	var best *CPU
	for _, c := range s.cpus {
		if c == exclude {
			continue
		}
		if best == nil || c.Load() > best.Load() {
			best = c
		}
	}
	return best
}

// RunHousekeeping drives the aging, priority-boost, load-balance, and
// quantum-adjustment passes at their configured intervals until ctx is
// done, standing in for the source's per-tick scheduler_tick and the
// dedicated load-balancer thread.
func (s *Scheduler) RunHousekeeping(ctx context.Context) {
	agingT := time.NewTicker(s.cfg.AgingInterval)
	boostT := time.NewTicker(s.cfg.BoostInterval)
	balanceT := time.NewTicker(s.cfg.BalanceInterval)
	quantumT := time.NewTicker(s.cfg.QuantumAdjustInterval)
	defer agingT.Stop()
	defer boostT.Stop()
	defer balanceT.Stop()
	defer quantumT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-agingT.C:
			s.age()
		case <-boostT.C:
			s.boost()
		case <-balanceT.C:
			s.balance()
		case <-quantumT.C:
			s.adjustQuanta()
		}
	}
}
