// Package queue implements the kernel's intrusive doubly-linked queue: the
// container backing wait lists, ready queues, signal queues, and thread
// lists throughout the rest of this module.
//
// Every exported method assumes the caller holds the queue's lock (a
// [spinlock.Spinlock], embedded in [Queue]) — mirroring
// original_source/kernel/ds/queue/queue.c's queue_assert_locked discipline
// — except the thin Lock/Unlock/TryLock/RecursiveLock wrappers themselves.
// Each [Node] carries a back-pointer to its owning queue (spec's prescribed
// variant, so [Queue.Remove] and [Queue.Relocate] work from a bare node
// without a linear search).
package queue

import (
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/spinlock"
)

// Whence selects an end of the queue for peek/dequeue/enqueue/relocate
// operations.
type Whence int

const (
	// Tail is the back of the queue (the end Enqueue appends at).
	Tail Whence = iota
	// Head is the front of the queue (the end Dequeue removes from, so the
	// default pair gives FIFO order).
	Head
)

// Uniqueness controls whether Enqueue/EnqueueHead reject a duplicate datum.
type Uniqueness int

const (
	// AllowDuplicates permits enqueuing a value already present.
	AllowDuplicates Uniqueness = iota
	// EnforceUnique rejects (ErrExist) enqueuing a value already present.
	EnforceUnique
)

// Node is one link in a [Queue]. The zero value is an unlinked node holding
// the zero value of T.
type Node[T any] struct {
	prev, next *Node[T]
	queue      *Queue[T]
	Data       T
}

// Queue returns the queue this node currently belongs to, or nil if it is
// not linked into any queue.
func (n *Node[T]) Queue() *Queue[T] { return n.queue }

// Queue is a generic intrusive doubly-linked FIFO/deque.
//
// The zero value is ready to use (an empty, unlocked queue).
type Queue[T any] struct {
	spinlock.Spinlock
	head, tail *Node[T]
	count      int
}

// New constructs an empty Queue.
func New[T any]() *Queue[T] { return &Queue[T]{} }

// Count returns the number of elements currently queued. Caller must hold
// the lock.
func (q *Queue[T]) Count() int {
	q.AssertLocked()
	return q.count
}

// unlink detaches node from the list bookkeeping (head/tail/count), but
// does not clear node.prev/next/queue - callers do that once they decide
// the node's fate (recycled vs relinked elsewhere).
func (q *Queue[T]) unlink(node *Node[T]) {
	prev, next := node.prev, node.next
	if prev != nil {
		prev.next = next
	}
	if next != nil {
		next.prev = prev
	}
	if q.head == node {
		q.head = next
	}
	if q.tail == node {
		q.tail = prev
	}
	q.count--
}

// Contains reports whether data is present, returning its node if so.
func (q *Queue[T]) Contains(data T, eq func(a, b T) bool) (*Node[T], bool) {
	q.AssertLocked()
	for n := q.head; n != nil; n = n.next {
		if eq(n.Data, data) {
			return n, true
		}
	}
	return nil, false
}

// Peek returns the data at the given end without removing it.
func (q *Queue[T]) Peek(whence Whence) (T, error) {
	q.AssertLocked()
	var zero T
	if q.count == 0 {
		return zero, kerrors.New(kerrors.ENOENT, "queue: empty")
	}
	if whence == Tail {
		return q.tail.Data, nil
	}
	return q.head.Data, nil
}

// Enqueue appends data at the tail.
func (q *Queue[T]) Enqueue(data T, uniqueness Uniqueness, eq func(a, b T) bool) (*Node[T], error) {
	return q.EnqueueWhence(data, uniqueness, Tail, eq)
}

// EnqueueHead prepends data at the head.
func (q *Queue[T]) EnqueueHead(data T, uniqueness Uniqueness, eq func(a, b T) bool) (*Node[T], error) {
	return q.EnqueueWhence(data, uniqueness, Head, eq)
}

// EnqueueWhence enqueues data at the given end.
func (q *Queue[T]) EnqueueWhence(data T, uniqueness Uniqueness, whence Whence, eq func(a, b T) bool) (*Node[T], error) {
	q.AssertLocked()
	if uniqueness == EnforceUnique && eq != nil {
		if _, ok := q.Contains(data, eq); ok {
			return nil, kerrors.New(kerrors.EEXIST, "queue: duplicate datum")
		}
	}
	node := &Node[T]{Data: data, queue: q}
	q.linkWhence(node, whence)
	return node, nil
}

func (q *Queue[T]) linkWhence(node *Node[T], whence Whence) {
	switch whence {
	case Head:
		node.next = q.head
		node.prev = nil
		if q.head != nil {
			q.head.prev = node
		} else {
			q.tail = node
		}
		q.head = node
	default: // Tail
		node.prev = q.tail
		node.next = nil
		if q.tail != nil {
			q.tail.next = node
		} else {
			q.head = node
		}
		q.tail = node
	}
	node.queue = q
	q.count++
}

// EnqueueNode links an already-allocated node (the "embedded node"
// variant: the node lives inside a larger struct, e.g. a thread's
// ready-queue linkage, so no allocation happens here).
func (q *Queue[T]) EnqueueNode(node *Node[T], whence Whence, uniqueness Uniqueness, eq func(a, b T) bool) error {
	q.AssertLocked()
	if node == nil {
		return kerrors.New(kerrors.EINVAL, "queue: nil node")
	}
	if node.queue != nil {
		return kerrors.New(kerrors.EINVAL, "queue: node already linked")
	}
	if uniqueness == EnforceUnique && eq != nil {
		if _, ok := q.Contains(node.Data, eq); ok {
			return kerrors.New(kerrors.EEXIST, "queue: duplicate datum")
		}
	}
	q.linkWhence(node, whence)
	return nil
}

// Dequeue removes and returns the datum at the head, so that together with
// Enqueue it gives FIFO order.
func (q *Queue[T]) Dequeue() (T, error) {
	return q.DequeueWhence(Head)
}

// DequeueHead removes and returns the datum at the head.
func (q *Queue[T]) DequeueHead() (T, error) {
	return q.DequeueWhence(Head)
}

// DequeueWhence removes and returns the datum at the given end.
func (q *Queue[T]) DequeueWhence(whence Whence) (T, error) {
	q.AssertLocked()
	var zero T
	node := q.head
	if whence == Tail {
		node = q.tail
	}
	if node == nil {
		return zero, kerrors.New(kerrors.ENOENT, "queue: empty")
	}
	data := node.Data
	q.unlink(node)
	node.prev, node.next, node.queue = nil, nil, nil
	return data, nil
}

// Remove detaches node from this queue, by identity. It is a no-op error if
// node does not currently belong to this queue.
func (q *Queue[T]) Remove(node *Node[T]) error {
	q.AssertLocked()
	if node == nil || node.queue != q {
		return kerrors.New(kerrors.ENOENT, "queue: node not a member")
	}
	q.unlink(node)
	node.prev, node.next, node.queue = nil, nil, nil
	return nil
}

// RemoveData finds and removes the first node equal to data.
func (q *Queue[T]) RemoveData(data T, eq func(a, b T) bool) error {
	q.AssertLocked()
	node, ok := q.Contains(data, eq)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "queue: datum not found")
	}
	return q.Remove(node)
}

// Relocate moves node to the given end of this queue, without unlinking and
// relinking through the caller.
func (q *Queue[T]) Relocate(node *Node[T], whence Whence) error {
	q.AssertLocked()
	if node == nil || node.queue != q {
		return kerrors.New(kerrors.EINVAL, "queue: node not a member")
	}
	q.unlink(node)
	node.prev, node.next = nil, nil
	q.linkWhence(node, whence)
	return nil
}

// RelocateData finds the node equal to data and relocates it.
func (q *Queue[T]) RelocateData(data T, whence Whence, eq func(a, b T) bool) error {
	q.AssertLocked()
	node, ok := q.Contains(data, eq)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "queue: datum not found")
	}
	return q.Relocate(node, whence)
}

// Migrate detaches a contiguous run of numNodes nodes starting at startPos
// (0-based, counted from the head) from src and attaches them to dst at
// whence. Caller must hold both src's and dst's locks.
func Migrate[T any](dst, src *Queue[T], startPos, numNodes int, whence Whence) error {
	src.AssertLocked()
	dst.AssertLocked()
	if numNodes == 0 || startPos < 0 || startPos >= src.count || startPos+numNodes > src.count {
		return kerrors.New(kerrors.EINVAL, "queue: invalid migration range")
	}

	first := src.head
	for i := 0; i < startPos; i++ {
		first = first.next
	}
	last := first
	for i := 1; i < numNodes; i++ {
		last = last.next
	}

	if first.prev != nil {
		first.prev.next = last.next
	} else {
		src.head = last.next
	}
	if last.next != nil {
		last.next.prev = first.prev
	} else {
		src.tail = first.prev
	}
	src.count -= numNodes

	first.prev = nil
	last.next = nil
	for n := first; n != nil; n = n.next {
		n.queue = dst
	}

	switch whence {
	case Head:
		last.next = dst.head
		if dst.head != nil {
			dst.head.prev = last
		}
		dst.head = first
		if dst.tail == nil {
			dst.tail = last
		}
	default: // Tail
		first.prev = dst.tail
		if dst.tail != nil {
			dst.tail.next = first
		}
		dst.tail = last
		if dst.head == nil {
			dst.head = first
		}
	}
	dst.count += numNodes

	return nil
}

// Move migrates every node from src to dst, attaching them at whence.
// Caller must hold both locks.
func Move[T any](dst, src *Queue[T], whence Whence) error {
	src.AssertLocked()
	if src.count == 0 {
		return nil
	}
	return Migrate(dst, src, 0, src.count, whence)
}

// Replace swaps the datum on the node equal to data0 for data1, in place
// (no relinking, so waiters holding a *Node reference are unaffected).
func (q *Queue[T]) Replace(data0, data1 T, eq func(a, b T) bool) error {
	q.AssertLocked()
	node, ok := q.Contains(data0, eq)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "queue: datum not found")
	}
	node.Data = data1
	return nil
}

// Flush removes every node, returning their data in head-to-tail order.
func (q *Queue[T]) Flush() []T {
	q.AssertLocked()
	out := make([]T, 0, q.count)
	for n := q.head; n != nil; {
		next := n.next
		out = append(out, n.Data)
		n.prev, n.next, n.queue = nil, nil, nil
		n = next
	}
	q.head, q.tail, q.count = nil, nil, 0
	return out
}

// ForEach calls fn for every element head-to-tail. Caller must hold the
// lock; fn must not mutate the queue.
func (q *Queue[T]) ForEach(fn func(data T)) {
	q.AssertLocked()
	for n := q.head; n != nil; n = n.next {
		fn(n.Data)
	}
}

// EnqueueSorted inserts data keeping the queue ordered head-to-tail by
// less: data goes before the first element it is less than, so equal
// elements keep their insertion order.
func (q *Queue[T]) EnqueueSorted(data T, less func(a, b T) bool) *Node[T] {
	q.AssertLocked()
	node := &Node[T]{Data: data, queue: q}
	for n := q.head; n != nil; n = n.next {
		if less(data, n.Data) {
			node.prev = n.prev
			node.next = n
			if n.prev != nil {
				n.prev.next = node
			} else {
				q.head = node
			}
			n.prev = node
			q.count++
			return node
		}
	}
	q.linkWhence(node, Tail)
	return node
}
