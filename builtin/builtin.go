// Package builtin is the kernel-internal thread discovery registry: the
// set of threads the kernel itself starts (scheduler loops, the load
// balancer, the monitor, timer workers, the shell) rather than ones
// created by user code. The source places these via a linker-section
// trick (BUILTIN_THREAD); here they register themselves explicitly at
// startup instead.
package builtin

import (
	"sync"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/thread"
)

// Kind names the role a builtin thread plays. It is recorded on each
// entry for display; Lookup and All do not filter by it.
type Kind int

const (
	KindScheduler Kind = iota
	KindLoadBalancer
	KindMonitor
	KindTimerWorker
	KindShell
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindScheduler:
		return "scheduler"
	case KindLoadBalancer:
		return "load-balancer"
	case KindMonitor:
		return "monitor"
	case KindTimerWorker:
		return "timer-worker"
	case KindShell:
		return "shell"
	default:
		return "other"
	}
}

// Entry is one registered builtin thread.
type Entry struct {
	ID     uint64
	Name   string
	Kind   Kind
	Thread *thread.Thread
}

// Registry tracks every builtin thread by name and id, and supports a
// ring-buffer scavenge pass so a monitor can sweep entries for dead
// threads without holding the registry lock for the whole pass.
type Registry struct {
	mu   sync.RWMutex
	data map[uint64]*Entry
	ring []uint64
	head int

	byName map[string]uint64
	nextID uint64
}

// New constructs an empty builtin-thread registry.
func New() *Registry {
	return &Registry{
		data:   make(map[uint64]*Entry),
		ring:   make([]uint64, 0, 64),
		byName: make(map[string]uint64),
		nextID: 1,
	}
}

// Register records t as a builtin thread under name/kind. name must be
// unique; re-registering an existing name fails with EEXIST.
func (r *Registry) Register(name string, kind Kind, t *thread.Thread) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, kerrors.New(kerrors.EEXIST, "builtin: thread already registered: "+name)
	}

	id := r.nextID
	r.nextID++

	r.data[id] = &Entry{ID: id, Name: name, Kind: kind, Thread: t}
	r.byName[name] = id
	r.ring = append(r.ring, id)
	return id, nil
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id uint64) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[id]
	if !ok {
		return nil, kerrors.New(kerrors.ESRCH, "builtin: unknown id")
	}
	return e, nil
}

// ByName returns the entry registered under name.
func (r *Registry) ByName(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, kerrors.New(kerrors.ESRCH, "builtin: unknown name: "+name)
	}
	return r.data[id], nil
}

// All returns every registered entry, in registration order.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.ring))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if e, ok := r.data[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Unregister removes a builtin thread from the registry, e.g. once its
// goroutine has exited.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[id]
	if !ok {
		return
	}
	delete(r.data, id)
	delete(r.byName, e.Name)
	for i, rid := range r.ring {
		if rid == id {
			r.ring[i] = 0
			break
		}
	}
}

// Sweep walks up to batchSize entries starting from the scavenger's
// cursor, calling dead on each; any entry dead reports true is removed.
// Intended for a monitor thread's periodic health pass, so a single call
// never holds the registry lock for longer than one batch.
func (r *Registry) Sweep(batchSize int, dead func(*Entry) bool) {
	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	n := len(r.ring)
	if n == 0 {
		r.mu.RUnlock()
		return
	}
	start := r.head
	end := min(start+batchSize, n)
	batch := append([]uint64(nil), r.ring[start:end]...)
	r.mu.RUnlock()

	var toRemove []uint64
	for _, id := range batch {
		if id == 0 {
			continue
		}
		entry, lookupErr := r.Lookup(id)
		if lookupErr != nil {
			continue
		}
		if dead(entry) {
			toRemove = append(toRemove, id)
		}
	}

	r.mu.Lock()
	for _, id := range toRemove {
		if e, ok := r.data[id]; ok {
			delete(r.data, id)
			delete(r.byName, e.Name)
		}
		for i, rid := range r.ring {
			if rid == id {
				r.ring[i] = 0
				break
			}
		}
	}
	r.head = end
	if r.head >= len(r.ring) {
		r.head = 0
	}
	r.mu.Unlock()
}
