// Package thread implements the thread and process lifecycle: creation,
// exit, join, cancellation, and the global/group registries every other
// subsystem (scheduler, signal dispatch, memory manager) looks threads up
// through.
package thread

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emment-yamikani/xytheros-core/event"
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/queue"
	"github.com/emment-yamikani/xytheros-core/signal"
	"github.com/emment-yamikani/xytheros-core/spinlock"
	"github.com/emment-yamikani/xytheros-core/timersvc"
	"github.com/emment-yamikani/xytheros-core/vmr"
)

// State is a thread's position in the lifecycle state machine.
type State int

const (
	Embryo State = iota
	Ready
	Running
	Sleep
	Stopped
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Embryo:
		return "EMBRYO"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleep:
		return "SLEEP"
	case Stopped:
		return "STOPPED"
	case Zombie:
		return "ZOMBIE"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

func (s State) valid() bool { return s >= Embryo && s <= Terminated }

// WakeupReason records why a sleeping thread was woken.
type WakeupReason int

const (
	WakeupNone WakeupReason = iota
	WakeupNormal
	WakeupTimeout
	WakeupInterrupt
	WakeupKilled
)

// AffinityKind selects how CPUSet is interpreted during placement.
type AffinityKind int

const (
	SoftAffinity AffinityKind = iota
	HardAffinity
)

// Affinity is a thread's CPU placement preference.
type Affinity struct {
	Kind   AffinityKind
	CPUSet uint64
}

// SchedFlag are per-thread scheduler hint bits.
type SchedFlag int

const (
	NoMigrate SchedFlag = 1 << iota
	NoPreempt
	IsScheduler
)

// SchedInfo is the scheduling metadata the [sched] package reads and
// mutates; fields are only ever touched under the owning Thread's lock.
type SchedInfo struct {
	Timeslice     int64
	LastTimeslice int64
	CPUTime       int64
	TotalTime     int64
	Age           int
	SchedCount    uint64
	Flags         SchedFlag
	Prio          int
	Affinity      Affinity
	Level         int // current MLFQ level, maintained by package sched
	CPU           int // owning CPU id, maintained by package sched
}

// CreateFlags select thread/create's behavior, mirroring
// THREAD_CREATE_USER/GROUP/DETACHED/SCHED.
type CreateFlags int

const (
	FlagUser CreateFlags = 1 << iota
	FlagGroup
	FlagDetached
	FlagSched
)

// Entry is a thread's start function; its return value becomes the
// thread's exit status.
type Entry func(arg any) uintptr

// Attr configures stack sizing for Create. Zero values fall back to
// DefaultAttr.
type Attr struct {
	StackSize uint64
	GuardSize uint64
	Detached  bool
}

const (
	defaultStackSize = 32 * 1024
	maxStackSize     = 256 * 1024
)

// DefaultAttr mirrors KTHREAD_ATTR_DEFAULT.
var DefaultAttr = Attr{StackSize: defaultStackSize}

func (a Attr) normalized() (Attr, error) {
	if a.StackSize == 0 {
		a.StackSize = defaultStackSize
	}
	if a.StackSize > maxStackSize {
		return Attr{}, kerrors.New(kerrors.EINVAL, "thread: stack size exceeds maximum")
	}
	return a, nil
}

// Info is the read-only snapshot copied out to callers of GetInfoByID/
// Join, insulating them from the live, lock-protected Thread.
type Info struct {
	TID    uint64
	KTID   uint64
	TGID   uint64
	State  State
	Sched  SchedInfo
	Errno  int
	Exit   uintptr
}

// Thread is one schedulable unit of execution.
type Thread struct {
	spinlock.Spinlock

	TID   uint64
	KTID  uint64 // tid of the thread that terminated this one, if any
	Entry Entry
	Arg   any

	state  State
	wakeup WakeupReason
	errno  int
	exit   uintptr

	Sched SchedInfo

	// Signals is this thread's own (thread-directed) pending set.
	Signals *signal.Signal
	// Group is the shared process/thread-group this thread belongs to.
	Group *Process

	// Mmap is the address space this thread executes in; shared with
	// every thread in Group unless this is a standalone kernel thread.
	Mmap *vmr.AddressSpace

	// event is signaled on every state transition (join/cancel/wakeup
	// wait on it), paired with this Thread's own embedded spinlock via
	// the cond's external-locker contract.
	event *event.Cond

	globalNode *queue.Node[*Thread]
	groupNode  *queue.Node[*Thread]

	// RunNode/WaitNode are owned by package sched; thread only allocates
	// storage, never touches queue membership directly.
	RunNode  *queue.Node[*Thread]
	WaitNode *queue.Node[*Thread]
}

// locker adapts Thread's embedded spinlock to sync.Locker for use with
// event.Cond, which generalizes sync.Cond's "paired external lock"
// contract.
type locker struct{ t *Thread }

func (l locker) Lock()   { l.t.Lock() }
func (l locker) Unlock() { l.t.Unlock() }

func newThread(tid uint64, attr Attr, entry Entry, arg any) *Thread {
	t := &Thread{
		TID:     tid,
		Entry:   entry,
		Arg:     arg,
		state:   Embryo,
		Signals: signal.New(),
		Sched:   SchedInfo{Prio: 3, Affinity: Affinity{Kind: SoftAffinity}},
	}
	t.event = event.NewCond(locker{t})
	_ = attr
	return t
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.Lock()
	defer t.Unlock()
	return t.state
}

// EnterState validates and installs a new lifecycle state.
func (t *Thread) EnterState(s State) error {
	if !s.valid() {
		return kerrors.New(kerrors.EINVAL, "thread: invalid state")
	}
	locked := t.RecursiveLock()
	t.state = s
	if locked {
		t.Unlock()
	}
	return nil
}

// Wait blocks on the thread's event condition until woken or ctx is
// done. Caller must hold the thread's lock (event.Cond.Wait releases and
// reacquires it around the block).
func (t *Thread) Wait(ctx context.Context) error { return t.event.Wait(ctx) }

// NotifyAll wakes every waiter on this thread's event condition.
func (t *Thread) NotifyAll() { t.event.Broadcast() }

// Wakeup returns the reason this thread was last woken.
func (t *Thread) Wakeup() WakeupReason {
	t.Lock()
	defer t.Unlock()
	return t.wakeup
}

// SetErrno records the per-thread error number, mirroring ti_errno.
func (t *Thread) SetErrno(errno int) {
	t.Lock()
	defer t.Unlock()
	t.errno = errno
}

// Info returns a point-in-time snapshot of the thread's public fields.
func (t *Thread) Info() Info {
	t.Lock()
	defer t.Unlock()
	return Info{
		TID: t.TID, KTID: t.KTID, TGID: groupID(t.Group),
		State: t.state, Sched: t.Sched, Errno: t.errno, Exit: t.exit,
	}
}

func groupID(p *Process) uint64 {
	if p == nil {
		return 0
	}
	return p.PID
}

// Process is a thread group: the set of threads sharing an address
// space, signal record, and main thread.
type Process struct {
	PID        uint64
	MainThread *Thread
	Mmap       *vmr.AddressSpace
	Signals    *signal.Signal  // process-directed pending set
	Actions    *signal.Actions // shared sigaction table
	threads    *queue.Queue[*Thread]

	alarmMu    sync.Mutex
	alarmTimer timersvc.TimerID // 0 until alarm(2) is first called for this process
}

func newProcess(pid uint64, main *Thread, mmap *vmr.AddressSpace) *Process {
	p := &Process{
		PID: pid, MainThread: main, Mmap: mmap,
		Signals: signal.New(), Actions: signal.NewActions(),
		threads: queue.New[*Thread](),
	}
	return p
}

// ThreadCount reports the number of threads currently in the group.
func (p *Process) ThreadCount() int {
	p.threads.Lock()
	defer p.threads.Unlock()
	return p.threads.Count()
}

// Registry is the kernel's thread and process table: a global thread
// index by tid, a process index by pid, and tid/pid generators.
type Registry struct {
	global *queue.Queue[*Thread]
	byTID  map[uint64]*Thread
	byPID  map[uint64]*Process
	mu     sync.RWMutex

	nextTID atomic.Uint64
	nextPID atomic.Uint64
}

// NewRegistry constructs an empty thread/process registry.
func NewRegistry() *Registry {
	return &Registry{
		global: queue.New[*Thread](),
		byTID:  make(map[uint64]*Thread),
		byPID:  make(map[uint64]*Process),
	}
}

// Scheduler is the subset of package sched's interface Create needs, to
// avoid an import cycle: enqueue a newly-READY thread.
type Scheduler interface {
	Enqueue(t *Thread) error
}

// Create allocates a new thread, following create(attr, entry, arg,
// flags)'s contract: assigns a tid, joins or creates a thread group,
// optionally adopts/creates an address space, and optionally enqueues it
// on sched if FlagSched is set.
func (r *Registry) Create(attr Attr, entry Entry, arg any, flags CreateFlags, current *Thread, sched Scheduler) (*Thread, error) {
	attr, err := attr.normalized()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, kerrors.New(kerrors.EINVAL, "thread: nil entry")
	}

	tid := r.nextTID.Add(1)
	t := newThread(tid, attr, entry, arg)

	switch {
	case flags&FlagGroup != 0:
		pid := r.nextPID.Add(1)
		var mmap *vmr.AddressSpace
		if flags&FlagUser != 0 {
			mmap = vmr.New(1 << 47)
		}
		proc := newProcess(pid, t, mmap)
		t.Group = proc
		t.Mmap = mmap
		r.mu.Lock()
		r.byPID[pid] = proc
		r.mu.Unlock()
		proc.threads.Lock()
		groupNode, _ := proc.threads.Enqueue(t, queue.EnforceUnique, sameThread)
		proc.threads.Unlock()
		t.groupNode = groupNode

	case current != nil && current.Group != nil:
		t.Group = current.Group
		t.Mmap = current.Mmap
		current.Group.threads.Lock()
		groupNode, err := current.Group.threads.Enqueue(t, queue.EnforceUnique, sameThread)
		current.Group.threads.Unlock()
		if err != nil {
			return nil, err
		}
		t.groupNode = groupNode

	default:
		return nil, kerrors.New(kerrors.EINVAL, "thread: no current group to join and GROUP flag unset")
	}

	r.mu.Lock()
	r.byTID[tid] = t
	r.mu.Unlock()
	r.global.Lock()
	node, err := r.global.Enqueue(t, queue.EnforceUnique, sameThread)
	r.global.Unlock()
	if err != nil {
		return nil, err
	}
	t.globalNode = node

	if flags&FlagSched != 0 {
		if sched == nil {
			return nil, kerrors.New(kerrors.EINVAL, "thread: SCHED flag set with nil scheduler")
		}
		if err := t.EnterState(Ready); err != nil {
			return nil, err
		}
		if err := sched.Enqueue(t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func sameThread(a, b *Thread) bool { return a == b }

// FindByTID looks up a thread by tid.
func (r *Registry) FindByTID(tid uint64) (*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTID[tid]
	if !ok {
		return nil, kerrors.New(kerrors.ESRCH, "thread: unknown tid")
	}
	return t, nil
}

// FindProcess looks up a process by pid.
func (r *Registry) FindProcess(pid uint64) (*Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPID[pid]
	if !ok {
		return nil, kerrors.New(kerrors.ESRCH, "thread: unknown pid")
	}
	return p, nil
}

// Exit transitions t to ZOMBIE with the given status and wakes every
// joiner blocked on its event condition. A thread that has already
// exited keeps its original status and state — e.g. a SIGKILL delivered
// to a thread that has already returned from its entry point must not
// clobber the exit status a pending Join is waiting to report.
func (r *Registry) Exit(t *Thread, status uintptr) error {
	t.Lock()
	if t.state == Zombie || t.state == Terminated {
		t.Unlock()
		return nil
	}
	t.exit = status
	t.state = Zombie
	t.Unlock()
	t.NotifyAll()
	return nil
}

// Join blocks until t reaches ZOMBIE, then copies out its info, promotes
// it to TERMINATED, and removes it from every registry/group queue it
// belongs to.
func (r *Registry) Join(ctx context.Context, t *Thread) (Info, error) {
	t.Lock()
	for t.state != Zombie {
		if err := t.Wait(ctx); err != nil {
			t.Unlock()
			return Info{}, err
		}
	}
	info := Info{
		TID: t.TID, KTID: t.KTID, TGID: groupID(t.Group),
		State: t.state, Sched: t.Sched, Errno: t.errno, Exit: t.exit,
	}
	t.state = Terminated
	t.Unlock()

	r.mu.Lock()
	delete(r.byTID, t.TID)
	r.mu.Unlock()
	r.global.Lock()
	_ = r.global.Remove(t.globalNode)
	r.global.Unlock()
	if t.Group != nil {
		t.Group.threads.Lock()
		if t.groupNode != nil {
			_ = t.Group.threads.Remove(t.groupNode)
		}
		t.Group.threads.Unlock()
	}

	return info, nil
}

// Cancel requests t's termination: marks it interrupted and, if it is
// blocked, wakes it with WakeupInterrupt.
func (r *Registry) Cancel(t *Thread) error {
	t.Lock()
	wasBlocked := t.state == Sleep
	t.wakeup = WakeupInterrupt
	t.Unlock()
	if wasBlocked {
		t.NotifyAll()
	}
	return nil
}

// KillAll marks every other thread in current's group for termination
// and wakes any that are sleeping.
func (r *Registry) KillAll(current *Thread) error {
	if current == nil || current.Group == nil {
		return kerrors.New(kerrors.EINVAL, "thread: no group")
	}
	var killErr error
	current.Group.threads.Lock()
	current.Group.threads.ForEach(func(peer *Thread) {
		if peer == current {
			return
		}
		if err := r.Cancel(peer); err != nil {
			killErr = err
		}
	})
	current.Group.threads.Unlock()
	return killErr
}

// GetInfoByID returns a snapshot of tid's Info.
func (r *Registry) GetInfoByID(tid uint64) (Info, error) {
	t, err := r.FindByTID(tid)
	if err != nil {
		return Info{}, err
	}
	return t.Info(), nil
}

// BumpPriority increases (increase=true) or decreases (increase=false) t's scheduling
// priority by delta (must be non-negative), reporting the old and new
// values.
func (t *Thread) BumpPriority(increase bool, delta int) (old, new int, err error) {
	if delta < 0 {
		return 0, 0, kerrors.New(kerrors.EINVAL, "thread: negative priority delta")
	}
	t.Lock()
	defer t.Unlock()
	old = t.Sched.Prio
	if increase {
		t.Sched.Prio += delta
	} else {
		t.Sched.Prio -= delta
	}
	return old, t.Sched.Prio, nil
}

// SwitchToUserspace performs the initial hop to user mode after an
// execve-style load. Real register/address-space transfer is an
// arch-specific concern outside this module; this only moves t from
// EMBRYO or READY to RUNNING. pdbr is accepted but not stored.
func (t *Thread) SwitchToUserspace(pdbr uintptr) error {
	t.Lock()
	defer t.Unlock()
	if t.state != Ready && t.state != Embryo {
		return kerrors.New(kerrors.EINVAL, "thread: not ready for userspace switch")
	}
	t.state = Running
	return nil
}
