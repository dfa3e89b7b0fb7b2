// Package signal implements POSIX-like signal delivery: per-entity
// pending sets and per-signal FIFO queues (one [Signal] per thread and
// one shared by a thread group), a process-wide action table ([Actions]),
// and dispatch, which decides a deliverable signal's disposition without
// touching real machine registers — pushing/popping saved context is the
// arch-specific caller's job, done here only as a plain stack of
// [HandlerFrame] values.
package signal

import (
	"context"
	"sync"

	"github.com/emment-yamikani/xytheros-core/event"
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/klog"
	"github.com/emment-yamikani/xytheros-core/queue"
)

// NSIG is the number of standard signal numbers, SIGHUP(1)..SIGSYS(31),
// matching the original's 32-entry table (slot 0 unused).
const NSIG = 32

// Signo identifies a signal number in [1, NSIG).
type Signo int

const (
	SIGHUP Signo = iota + 1
	SIGINT
	SIGQUIT
	SIGILL
	SIGTRAP
	SIGABRT
	SIGBUS
	SIGFPE
	SIGKILL
	SIGUSR1
	SIGSEGV
	SIGUSR2
	SIGPIPE
	SIGALRM
	SIGTERM
	SIGSTKFLT
	SIGCHLD
	SIGCONT
	SIGSTOP
	SIGTSTP
	SIGTTIN
	SIGTTOU
	SIGURG
	SIGXCPU
	SIGXFSZ
	SIGVTALRM
	SIGPROF
	SIGWINCH
	SIGIO
	SIGPWR
	SIGSYS
)

func (s Signo) valid() bool { return s >= 1 && int(s) < NSIG }

// SigSet is a bitmask over signal numbers 1..NSIG-1.
type SigSet uint32

// Has reports whether signo is a member of s.
func (s SigSet) Has(signo Signo) bool { return s&(1<<uint(signo-1)) != 0 }

// With returns s with signo added.
func (s SigSet) With(signo Signo) SigSet { return s | (1 << uint(signo-1)) }

// Without returns s with signo removed.
func (s SigSet) Without(signo Signo) SigSet { return s &^ (1 << uint(signo-1)) }

// How selects sigprocmask/pthread_sigmask's masking operation.
type How int

const (
	SigBlock How = iota + 1
	SigUnblock
	SigSetMask
)

// DefaultAction is one of the six dispositions a signal has when its
// action is SIG_DFL.
type DefaultAction int

const (
	ActIgnore DefaultAction = iota
	ActAbort
	ActTerminate
	ActTerminateCore
	ActStop
	ActContinue
)

var defaultActions = [NSIG]DefaultAction{
	SIGHUP:    ActTerminate,
	SIGINT:    ActTerminate,
	SIGQUIT:   ActTerminateCore,
	SIGILL:    ActTerminateCore,
	SIGTRAP:   ActTerminateCore,
	SIGABRT:   ActTerminateCore,
	SIGBUS:    ActTerminateCore,
	SIGFPE:    ActTerminateCore,
	SIGKILL:   ActTerminate,
	SIGUSR1:   ActTerminate,
	SIGSEGV:   ActTerminateCore,
	SIGUSR2:   ActTerminate,
	SIGPIPE:   ActTerminate,
	SIGALRM:   ActTerminate,
	SIGTERM:   ActTerminate,
	SIGSTKFLT: ActTerminate,
	SIGCHLD:   ActIgnore,
	SIGCONT:   ActContinue,
	SIGSTOP:   ActStop,
	SIGTSTP:   ActStop,
	SIGTTIN:   ActStop,
	SIGTTOU:   ActStop,
	SIGURG:    ActIgnore,
	SIGXCPU:   ActTerminateCore,
	SIGXFSZ:   ActTerminateCore,
	SIGVTALRM: ActTerminate,
	SIGPROF:   ActTerminate,
	SIGWINCH:  ActIgnore,
	SIGIO:     ActTerminate,
	SIGPWR:    ActTerminate,
	SIGSYS:    ActTerminateCore,
}

// DefaultActionOf returns signo's SIG_DFL disposition.
func DefaultActionOf(signo Signo) DefaultAction { return defaultActions[signo] }

// SigVal is the caller-supplied payload of pthread_sigqueue/sigqueue.
type SigVal struct {
	Int int64
	Ptr any
}

// SigInfo describes one signal occurrence.
type SigInfo struct {
	Signo      Signo
	Code       int
	SenderPID  int
	SenderUID  int
	FaultAddr  uintptr
	Status     int
	Value      SigVal
}

// ActionFlags mirror sigaction's SA_* bits.
type ActionFlags int

const (
	SANoDefer ActionFlags = 1 << iota
	SAResetHand
	SAOnStack
	SARestart
)

// disposition distinguishes SIG_DFL/SIG_IGN/a real handler explicitly,
// rather than overloading a nil Handler for SIG_DFL and a sentinel value
// for SIG_IGN — function values aren't comparable in Go, so a sentinel
// couldn't be told apart from a real handler reliably.
type disposition int

const (
	dispositionDefault disposition = iota
	dispositionIgnore
	dispositionHandler
)

// SigAction is one signal number's disposition. The zero SigAction is
// SIG_DFL.
type SigAction struct {
	kind    disposition
	Handler func(*SigInfo)
	Mask    SigSet
	Flags   ActionFlags
}

// Ignore returns a SigAction set to SIG_IGN.
func Ignore() SigAction { return SigAction{kind: dispositionIgnore} }

// Handle returns a SigAction that invokes handler, masking mask for the
// duration (in addition to signo itself, unless flags sets SANoDefer).
func Handle(handler func(*SigInfo), mask SigSet, flags ActionFlags) SigAction {
	return SigAction{kind: dispositionHandler, Handler: handler, Mask: mask, Flags: flags}
}

func (a SigAction) isIgnore() bool  { return a.kind == dispositionIgnore }
func (a SigAction) isDefault() bool { return a.kind == dispositionDefault }

// Actions is the process-wide, shared sigaction table (original's
// signal_t.sig_action), guarded by its own lock since it is referenced
// by every thread in a group independent of any one thread's pending
// state.
type Actions struct {
	mu    sync.Mutex
	table [NSIG]SigAction
}

// NewActions constructs an Actions table with every signal at its
// SIG_DFL disposition.
func NewActions() *Actions { return &Actions{} }

// Get returns signo's current action.
func (a *Actions) Get(signo Signo) (SigAction, error) {
	if !signo.valid() {
		return SigAction{}, kerrors.New(kerrors.EINVAL, "signal: bad signal number")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table[signo], nil
}

// Set installs act as signo's new action, returning the previous one.
// SIGKILL and SIGSTOP cannot be caught, blocked, or ignored; Set rejects
// a non-default action for either.
func (a *Actions) Set(signo Signo, act SigAction) (SigAction, error) {
	if !signo.valid() {
		return SigAction{}, kerrors.New(kerrors.EINVAL, "signal: bad signal number")
	}
	if (signo == SIGKILL || signo == SIGSTOP) && !act.isDefault() {
		return SigAction{}, kerrors.New(kerrors.EINVAL, "signal: SIGKILL/SIGSTOP disposition is fixed")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.table[signo]
	a.table[signo] = act
	return old, nil
}

// Signal is one entity's (thread or process) pending-signal state: a
// blocked mask, a sticky pending mask, one FIFO queue per signal number,
// and a waiter list for sigwaitinfo/sigtimedwait. The state is guarded by
// mu; the notify field is an [event.AwaitEvent] used purely as a
// broadcastable wakeup (its counter is not otherwise meaningful here;
// Enqueue always calls WakeupAll).
type Signal struct {
	mu      sync.Mutex
	blocked SigSet
	pending SigSet
	queues  [NSIG]*queue.Queue[*SigInfo]
	notify  *event.AwaitEvent
}

// New constructs an empty Signal with every per-signal queue initialized.
func New() *Signal {
	s := &Signal{notify: event.NewAwaitEvent()}
	for i := range s.queues {
		s.queues[i] = queue.New[*SigInfo]()
	}
	return s
}

// Enqueue appends info onto its signal number's queue and sets the
// sticky pending bit, then wakes any sigwaitinfo/dispatch waiter. Real-
// time-like: duplicates are always allowed, per-signal-number FIFO order
// is preserved.
func (s *Signal) Enqueue(info *SigInfo) error {
	if !info.Signo.valid() {
		return kerrors.New(kerrors.EINVAL, "signal: bad signal number")
	}
	s.mu.Lock()
	s.pending = s.pending.With(info.Signo)
	q := s.queues[info.Signo]
	s.mu.Unlock()

	q.Lock()
	_, err := q.Enqueue(info, queue.AllowDuplicates, nil)
	q.Unlock()
	if err != nil {
		return err
	}
	klog.Default().Debug().Int("signo", int(info.Signo)).Int("sender_pid", info.SenderPID).Msg("signal: enqueued")
	s.notify.WakeupAll()
	return nil
}

// deliverable returns the lowest-numbered signal that is pending and not
// in blocked, or 0 if none.
func (s *Signal) deliverable(blocked SigSet) Signo {
	for signo := Signo(1); int(signo) < NSIG; signo++ {
		if s.pending.Has(signo) && !blocked.Has(signo) {
			return signo
		}
	}
	return 0
}

// Pending reports the full sticky pending mask.
func (s *Signal) Pending() SigSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Blocked reports the current blocked mask.
func (s *Signal) Blocked() SigSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// SetMask applies how to set against the blocked mask (sigprocmask /
// pthread_sigmask), returning the mask in effect before the change.
// SIGKILL and SIGSTOP can never be blocked; bits for them are always
// cleared from the result.
func (s *Signal) SetMask(how How, set SigSet) (SigSet, error) {
	unblockable := SigSet(0).With(SIGKILL).With(SIGSTOP)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.blocked
	switch how {
	case SigBlock:
		s.blocked |= set &^ unblockable
	case SigUnblock:
		s.blocked &^= set
	case SigSetMask:
		s.blocked = set &^ unblockable
	default:
		return 0, kerrors.New(kerrors.EINVAL, "signal: bad sigprocmask how")
	}
	return old, nil
}

// Dequeue pops the next deliverable signal (lowest-numbered, pending and
// unblocked), clearing its pending bit once its queue empties.
func (s *Signal) Dequeue() (*SigInfo, error) {
	s.mu.Lock()
	signo := s.deliverable(s.blocked)
	if signo == 0 {
		s.mu.Unlock()
		return nil, kerrors.New(kerrors.ENOENT, "signal: no deliverable signal pending")
	}
	q := s.queues[signo]
	s.mu.Unlock()

	q.Lock()
	info, err := q.DequeueHead()
	empty := q.Count() == 0
	q.Unlock()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ENOENT, "signal: pending bit set but queue empty", err)
	}

	if empty {
		s.mu.Lock()
		s.pending = s.pending.Without(signo)
		s.mu.Unlock()
	}
	return info, nil
}

// Wait blocks until a signal in set becomes pending, then dequeues and
// returns it directly without invoking any handler (sigwaitinfo /
// sigtimedwait). A nil ctx waits indefinitely.
func (s *Signal) Wait(ctx context.Context, set SigSet) (*SigInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		signo := s.deliverable(^set) // deliverable() treats its arg as "blocked"; invert set to mean "wanted"
		s.mu.Unlock()
		if signo != 0 {
			q := s.queues[signo]
			q.Lock()
			info, err := q.DequeueHead()
			empty := q.Count() == 0
			q.Unlock()
			if err == nil {
				if empty {
					s.mu.Lock()
					s.pending = s.pending.Without(signo)
					s.mu.Unlock()
				}
				return info, nil
			}
		}
		if err := s.notify.Await(ctx); err != nil {
			return nil, err
		}
	}
}

// Suspend temporarily installs mask as the blocked set, waits for any
// deliverable signal, restores the previous mask, and returns ETIMEDOUT/
// EINTR from the underlying wait — it never itself dequeues a signal
// (sigsuspend only waits; the caller's next dispatch delivers it).
func (s *Signal) Suspend(ctx context.Context, mask SigSet) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	old := s.blocked
	s.blocked = mask &^ (SigSet(0).With(SIGKILL).With(SIGSTOP))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.blocked = old
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		signo := s.deliverable(s.blocked)
		s.mu.Unlock()
		if signo != 0 {
			return kerrors.New(kerrors.EINTR, "signal: suspend interrupted by pending signal")
		}
		if err := s.notify.Await(ctx); err != nil {
			return err
		}
	}
}

// HandlerFrame is a saved, to-be-restored dispatch context: which signal
// fired, its info and action, and the blocked mask to restore when the
// handler returns.
type HandlerFrame struct {
	Signo     Signo
	Info      *SigInfo
	Action    SigAction
	SavedMask SigSet
}

// ContextStack is a plain LIFO stack of [HandlerFrame]s, the redesigned
// stand-in for chained ctx->link rewriting: nested signal delivery pushes
// a frame, the handler's return path pops it and restores SavedMask,
// with no manual pointer surgery.
type ContextStack struct {
	frames []*HandlerFrame
}

// Push adds f to the top of the stack.
func (c *ContextStack) Push(f *HandlerFrame) { c.frames = append(c.frames, f) }

// Pop removes and returns the top frame, or false if the stack is empty.
func (c *ContextStack) Pop() (*HandlerFrame, bool) {
	if len(c.frames) == 0 {
		return nil, false
	}
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	return f, true
}

// Len reports the number of saved frames.
func (c *ContextStack) Len() int { return len(c.frames) }

// Disposition describes what a dispatch decided to do with a deliverable
// signal.
type Disposition int

const (
	// DispositionIgnored: the signal's action was SIG_IGN, or SIG_DFL with
	// a default action of "ignore".
	DispositionIgnored Disposition = iota
	// DispositionDefault: SIG_DFL resolved to one of Abort/Terminate/
	// TerminateCore/Stop/Continue; Result.Default names which.
	DispositionDefault
	// DispositionHandler: a user handler runs; Result.Frame is the pushed
	// [HandlerFrame] and Result.NewMask is the mask to install for the
	// duration.
	DispositionHandler
)

// DispatchResult is what Dispatch decided for one deliverable signal.
type DispatchResult struct {
	Signo       Signo
	Disposition Disposition
	Default     DefaultAction
	Frame       *HandlerFrame
	NewMask     SigSet
}

// Dispatch dequeues the next deliverable signal and decides its
// disposition against actions, pushing a [HandlerFrame] onto stack when a
// user handler must run. It never touches machine registers: the caller
// (arch-specific) is responsible for actually transferring control using
// the returned frame.
func (s *Signal) Dispatch(actions *Actions, stack *ContextStack) (*DispatchResult, error) {
	info, err := s.Dequeue()
	if err != nil {
		return nil, err
	}

	act, err := actions.Get(info.Signo)
	if err != nil {
		return nil, err
	}

	if act.isIgnore() || (act.isDefault() && DefaultActionOf(info.Signo) == ActIgnore) {
		klog.Default().Debug().Int("signo", int(info.Signo)).Msg("signal: dispatch ignored")
		return &DispatchResult{Signo: info.Signo, Disposition: DispositionIgnored}, nil
	}

	if act.isDefault() {
		def := DefaultActionOf(info.Signo)
		klog.Default().Info().Int("signo", int(info.Signo)).Int("action", int(def)).Msg("signal: dispatch default action")
		return &DispatchResult{Signo: info.Signo, Disposition: DispositionDefault, Default: def}, nil
	}

	s.mu.Lock()
	saved := s.blocked
	newMask := s.blocked | act.Mask
	if act.Flags&SANoDefer == 0 {
		newMask = newMask.With(info.Signo)
	}
	s.blocked = newMask
	s.mu.Unlock()

	frame := &HandlerFrame{Signo: info.Signo, Info: info, Action: act, SavedMask: saved}
	stack.Push(frame)

	if act.Flags&SAResetHand != 0 {
		_, _ = actions.Set(info.Signo, SigAction{})
	}

	klog.Default().Debug().Int("signo", int(info.Signo)).Msg("signal: dispatch to handler")
	return &DispatchResult{Signo: info.Signo, Disposition: DispositionHandler, Frame: frame, NewMask: newMask}, nil
}

// Return pops the top handler frame and restores its saved blocked mask,
// mirroring a signal handler's return path.
func (s *Signal) Return(stack *ContextStack) (*HandlerFrame, error) {
	frame, ok := stack.Pop()
	if !ok {
		return nil, kerrors.New(kerrors.ENOENT, "signal: no handler frame to return from")
	}
	s.mu.Lock()
	s.blocked = frame.SavedMask
	s.mu.Unlock()
	return frame, nil
}
