package thread

import (
	"context"
	"time"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/klog"
	"github.com/emment-yamikani/xytheros-core/signal"
	"github.com/emment-yamikani/xytheros-core/timersvc"
)

// Kill enqueues signo on pid's process-directed pending set, routing
// through the registry's pid index rather than requiring the caller to
// already hold the target *signal.Signal (kill(2)).
func (r *Registry) Kill(pid uint64, signo signal.Signo, info *signal.SigInfo) error {
	p, err := r.FindProcess(pid)
	if err != nil {
		return err
	}
	if info == nil {
		info = &signal.SigInfo{}
	}
	info.Signo = signo
	return p.Signals.Enqueue(info)
}

// PthreadKill enqueues signo on tid's thread-directed pending set
// (pthread_kill(3)).
func (r *Registry) PthreadKill(tid uint64, signo signal.Signo) error {
	t, err := r.FindByTID(tid)
	if err != nil {
		return err
	}
	return t.Signals.Enqueue(&signal.SigInfo{Signo: signo})
}

// PthreadSigqueue is PthreadKill carrying a caller-supplied payload
// (pthread_sigqueue(3)).
func (r *Registry) PthreadSigqueue(tid uint64, signo signal.Signo, val signal.SigVal) error {
	t, err := r.FindByTID(tid)
	if err != nil {
		return err
	}
	return t.Signals.Enqueue(&signal.SigInfo{Signo: signo, Value: val})
}

// Pause blocks t until any signal unblocked by its current mask becomes
// deliverable, mirroring pause(2): it never dequeues the signal itself,
// leaving that to the thread's next DispatchSignal call.
func (r *Registry) Pause(ctx context.Context, t *Thread) error {
	return t.Signals.Suspend(ctx, t.Signals.Blocked())
}

// DeliverDefault applies a SIG_DFL default action resolved by
// [signal.Signal.Dispatch] to t. Terminate/TerminateCore/Abort end the
// thread via Exit (status 128+signo, the "killed by signal" exit-status
// convention); Stop/Continue/Ignore have no thread-lifecycle effect here
// and are left to the caller.
func (r *Registry) DeliverDefault(t *Thread, signo signal.Signo, action signal.DefaultAction) error {
	switch action {
	case signal.ActTerminate, signal.ActTerminateCore, signal.ActAbort:
		klog.Default().Info().Uint64("tid", t.TID).Int("signo", int(signo)).Msg("signal: default action terminates thread")
		return r.Exit(t, uintptr(128+int(signo)))
	default:
		return nil
	}
}

// DispatchSignal dispatches one deliverable signal for t: thread-directed
// signals (pthread_kill/pthread_sigqueue) take priority over process-
// directed ones (kill), matching the order a real signal-delivery check
// would resolve them for the same thread group. A DispositionDefault
// result whose action terminates the thread is applied immediately via
// DeliverDefault; every other disposition (Ignored, Handler, or a
// non-fatal default) is returned unapplied for the caller's arch-specific
// trampoline to act on.
func (r *Registry) DispatchSignal(t *Thread, stack *signal.ContextStack) (*signal.DispatchResult, error) {
	if t.Group == nil {
		return nil, kerrors.New(kerrors.EINVAL, "thread: dispatch requires a process group")
	}
	actions := t.Group.Actions

	result, err := t.Signals.Dispatch(actions, stack)
	if err != nil && kerrors.CodeOf(err) == kerrors.ENOENT {
		result, err = t.Group.Signals.Dispatch(actions, stack)
	}
	if err != nil {
		return nil, err
	}

	if result.Disposition == signal.DispositionDefault {
		if derr := r.DeliverDefault(t, result.Signo, result.Default); derr != nil {
			return result, derr
		}
	}
	return result, nil
}

// Alarm arms (sec > 0) or disarms (sec == 0) t's process's one-shot
// SIGALRM timer via timers, returning the number of seconds left on any
// previously armed alarm, per alarm(2). Each process lazily allocates at
// most one timer for this purpose, reused across calls.
func (r *Registry) Alarm(t *Thread, clock *timersvc.Clock, timers *timersvc.Service, sec uint64) (uint64, error) {
	if t.Group == nil {
		return 0, kerrors.New(kerrors.EINVAL, "thread: alarm requires a process group")
	}
	p := t.Group

	p.alarmMu.Lock()
	defer p.alarmMu.Unlock()

	var remaining uint64
	if p.alarmTimer == 0 {
		pid := p.PID
		p.alarmTimer = timers.Create(timersvc.Event{
			Kind: timersvc.NotifySignal,
			Deliver: func(int64) {
				_ = r.Kill(pid, signal.SIGALRM, &signal.SigInfo{Signo: signal.SIGALRM})
			},
		})
	} else if expiry, _, err := timers.GetTime(p.alarmTimer); err == nil {
		if left := expiry - clock.Now(); left > 0 {
			remaining = uint64(clock.ToDuration(left) / time.Second)
		}
	}

	if sec == 0 {
		_, _, err := timers.SetTime(p.alarmTimer, 0, 0)
		return remaining, err
	}
	expiry := clock.Now() + clock.FromDuration(time.Duration(sec)*time.Second)
	_, _, err := timers.SetTime(p.alarmTimer, expiry, 0)
	return remaining, err
}
