// Package timersvc implements the jiffies clock and the POSIX timer
// service: a globally sorted expiry list drained by a dedicated worker,
// delivering a signal, spawning a thread, or invoking a callback when a
// timer fires, and re-arming periodic timers.
package timersvc

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/emment-yamikani/xytheros-core/kerrors"
)

// sigFloodRates bounds how many NotifySignal fires a single periodic
// timer may deliver per second, guarding against a runaway short-interval
// timer flooding a signal target the way a misconfigured SIGALRM
// interval would; excess fires are skipped silently and retried on the
// timer's next rearm, the same "skip, retry next pass" discipline the
// scheduler's load balancer uses.
var sigFloodRates = map[time.Duration]int{time.Second: 1000}

// Jiffies is a monotonic tick count, the kernel's internal time unit.
type Jiffies int64

// Clock drives Jiffies forward and lets callers convert to/from
// [time.Duration], standing in for the real tick interrupt.
type Clock struct {
	mu      sync.Mutex
	jiffies Jiffies
	hz      int64
}

// NewClock constructs a Clock ticking at hz jiffies per second.
func NewClock(hz int64) *Clock {
	if hz <= 0 {
		hz = 1000
	}
	return &Clock{hz: hz}
}

// Tick advances the clock by one jiffy, returning the new value.
func (c *Clock) Tick() Jiffies {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jiffies++
	return c.jiffies
}

// Now returns the current jiffies count.
func (c *Clock) Now() Jiffies {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jiffies
}

// FromDuration converts d to a jiffies count at this clock's rate.
func (c *Clock) FromDuration(d time.Duration) Jiffies {
	return Jiffies(d.Seconds() * float64(c.hz))
}

// ToDuration converts j jiffies to a [time.Duration] at this clock's rate.
func (c *Clock) ToDuration(j Jiffies) time.Duration {
	return time.Duration(float64(j) / float64(c.hz) * float64(time.Second))
}

// NotifyKind selects what a timer does when it expires.
type NotifyKind int

const (
	// NotifySignal delivers a signal to Event.Target via Event.Deliver.
	NotifySignal NotifyKind = iota
	// NotifyThread spawns a new thread via Event.Spawn.
	NotifyThread
	// NotifyCallback invokes Event.Callback in the worker goroutine.
	NotifyCallback
)

// Event describes what happens when a [Timer] fires, generalizing the
// original's sigevent_t union of signal/thread/callback notification.
type Event struct {
	Kind NotifyKind

	// Deliver is called for NotifySignal, given the timer's owner-supplied
	// value.
	Deliver func(value int64)

	// Spawn is called for NotifyThread.
	Spawn func(value int64)

	// Callback is called for NotifyCallback, in the worker goroutine
	// directly, with no re-entrant timer-service call permitted inside it.
	Callback func(value int64)

	// Value is the caller-supplied payload threaded through to whichever
	// of the above runs.
	Value int64
}

func (e Event) fire() {
	switch e.Kind {
	case NotifySignal:
		if e.Deliver != nil {
			e.Deliver(e.Value)
		}
	case NotifyThread:
		if e.Spawn != nil {
			e.Spawn(e.Value)
		}
	case NotifyCallback:
		if e.Callback != nil {
			e.Callback(e.Value)
		}
	}
}

// TimerID uniquely identifies a POSIX timer.
type TimerID uint64

// Timer is one POSIX timer: an absolute expiry jiffy, an optional
// periodic interval, and the event to fire.
type Timer struct {
	ID       TimerID
	Expiry   Jiffies
	Interval Jiffies
	Event    Event

	index int // heap.Interface bookkeeping
}

// timerQueue is a min-heap of *Timer ordered by Expiry, the same
// container/heap min-heap idiom eventloop's timerHeap uses for its
// scheduled tasks.
type timerQueue []*Timer

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].Expiry < q[j].Expiry }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *timerQueue) Push(x any)         { t := x.(*Timer); t.index = len(*q); *q = append(*q, t) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Service is the kernel's global POSIX timer service: a clock plus a
// sorted expiry heap and a worker loop that dequeues and fires expired
// timers.
type Service struct {
	clock *Clock

	mu     sync.Mutex
	queue  timerQueue
	byID   map[TimerID]*Timer
	nextID TimerID

	sigLimiter *catrate.Limiter
}

// New constructs a Service driven by clock.
func New(clock *Clock) *Service {
	return &Service{
		clock:      clock,
		byID:       make(map[TimerID]*Timer),
		sigLimiter: catrate.NewLimiter(sigFloodRates),
	}
}

// Create allocates a new, disarmed timer (expiry 0) with the given fire
// event, returning its ID.
func (s *Service) Create(ev Event) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Timer{ID: s.nextID, Event: ev}
	s.byID[t.ID] = t
	return t.ID
}

// SetTime arms or disarms timerid: a zero absolute expiry disarms it
// (removing it from the live heap, if armed); a non-zero absolute expiry
// (re)arms it at that jiffy and, if interval is non-zero, re-arms it
// every interval jiffies after each fire. Returns the previous
// (expiry, interval) pair.
func (s *Service) SetTime(timerid TimerID, absExpiry, interval Jiffies) (Jiffies, Jiffies, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[timerid]
	if !ok {
		return 0, 0, kerrors.New(kerrors.EINVAL, "timersvc: unknown timer id")
	}

	oldExpiry, oldInterval := t.Expiry, t.Interval
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}

	t.Expiry = absExpiry
	t.Interval = interval
	if absExpiry > 0 {
		heap.Push(&s.queue, t)
	} else {
		t.index = -1
	}
	return oldExpiry, oldInterval, nil
}

// GetTime returns timerid's current (expiry, interval).
func (s *Service) GetTime(timerid TimerID) (Jiffies, Jiffies, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[timerid]
	if !ok {
		return 0, 0, kerrors.New(kerrors.EINVAL, "timersvc: unknown timer id")
	}
	return t.Expiry, t.Interval, nil
}

// Delete removes timerid permanently.
func (s *Service) Delete(timerid TimerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[timerid]
	if !ok {
		return kerrors.New(kerrors.EINVAL, "timersvc: unknown timer id")
	}
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}
	delete(s.byID, timerid)
	return nil
}

// popExpired removes and returns the earliest timer if it has already
// expired at the current jiffy, or nil otherwise.
func (s *Service) popExpired() *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	if s.queue[0].Expiry > s.clock.Now() {
		return nil
	}
	return heap.Pop(&s.queue).(*Timer)
}

func (s *Service) rearm(t *Timer) {
	if t.Interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; !ok {
		return // deleted while its event was firing
	}
	t.Expiry += t.Interval
	heap.Push(&s.queue, t)
}

// Run drives the expiry worker loop until ctx is done: dequeue any
// expired timer, fire its event outside the lock, re-arm if periodic.
// When no timer is due it sleeps until the earliest pending expiry (or
// idlePoll, if the heap is empty).
func (s *Service) Run(ctx context.Context, idlePoll time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t := s.popExpired()
		if t == nil {
			wait := idlePoll
			if d := s.nextWait(); d > 0 && d < wait {
				wait = d
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		if t.Event.Kind != NotifySignal {
			t.Event.fire()
		} else if _, ok := s.sigLimiter.Allow(t.ID); ok {
			t.Event.fire()
		}
		s.rearm(t)
	}
}

func (s *Service) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0
	}
	remaining := s.queue[0].Expiry - s.clock.Now()
	if remaining <= 0 {
		return 0
	}
	return s.clock.ToDuration(remaining)
}
