// Package hashmap implements a bucketed key/value map with pluggable
// hashing, equality, and cloning callbacks (a [Context]), for keys that
// are not always simple comparable Go types.
package hashmap

import (
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/spinlock"
)

const defaultCapacity = 1024

// Context configures a Map's key behavior. Hash and Equal are required;
// Copy and Destroy default to a shallow passthrough (returning the key
// unchanged) and a no-op, respectively, matching the original's
// HASHCTX_GET_FUNC fallback-to-default behavior.
type Context[K any, V any] struct {
	// Hash computes a bucket index's hash key.
	Hash func(key K) uint64
	// Equal compares two keys for equality.
	Equal func(a, b K) bool
	// Copy produces an independent copy of a key, used whenever a key is
	// stored by Insert (including via MigrateEntry). Defaults to identity.
	Copy func(key K) K
	// Destroy releases any resources owned by a key on removal. Defaults
	// to a no-op.
	Destroy func(key K)
}

func (c *Context[K, V]) copy(key K) K {
	if c.Copy != nil {
		return c.Copy(key)
	}
	return key
}

func (c *Context[K, V]) destroy(key K) {
	if c.Destroy != nil {
		c.Destroy(key)
	}
}

type entry[K any, V any] struct {
	key   K
	value V
}

// Map is a bucketed hash map, locked with an embedded [spinlock.Spinlock].
// Every method other than Lock/Unlock/TryLock/RecursiveLock assumes the
// caller holds the lock.
type Map[K any, V any] struct {
	spinlock.Spinlock
	ctx      Context[K, V]
	buckets  [][]entry[K, V]
	capacity uint64
	size     int
}

// New constructs a Map with the given key Context and bucket capacity (0
// uses the original's 1024-bucket default).
func New[K any, V any](ctx Context[K, V], capacity int) *Map[K, V] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Map[K, V]{
		ctx:      ctx,
		buckets:  make([][]entry[K, V], capacity),
		capacity: uint64(capacity),
	}
}

func (m *Map[K, V]) bucketIndex(key K) uint64 {
	return m.ctx.Hash(key) % m.capacity
}

func (m *Map[K, V]) findLocked(key K) (bucket int, pos int, ok bool) {
	bucket = int(m.bucketIndex(key))
	for i, e := range m.buckets[bucket] {
		if m.ctx.Equal(e.key, key) {
			return bucket, i, true
		}
	}
	return bucket, -1, false
}

// Size returns the current entry count. Caller must hold the lock.
func (m *Map[K, V]) Size() int {
	m.AssertLocked()
	return m.size
}

// Capacity returns the bucket count. Caller must hold the lock.
func (m *Map[K, V]) Capacity() int {
	m.AssertLocked()
	return int(m.capacity)
}

// Lookup retrieves the value for key.
func (m *Map[K, V]) Lookup(key K) (V, error) {
	m.AssertLocked()
	var zero V
	bucket, pos, ok := m.findLocked(key)
	if !ok {
		return zero, kerrors.New(kerrors.ENOENT, "hashmap: key not found")
	}
	return m.buckets[bucket][pos].value, nil
}

// Insert inserts or updates the value for key.
func (m *Map[K, V]) Insert(key K, value V) error {
	m.AssertLocked()
	bucket, pos, ok := m.findLocked(key)
	if ok {
		m.buckets[bucket][pos].value = value
		return nil
	}
	m.buckets[bucket] = append(m.buckets[bucket], entry[K, V]{key: m.ctx.copy(key), value: value})
	m.size++
	return nil
}

// Update replaces the value of an existing key without inserting, failing
// with ENOENT if key is absent.
func (m *Map[K, V]) Update(key K, value V) error {
	m.AssertLocked()
	bucket, pos, ok := m.findLocked(key)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "hashmap: key not found")
	}
	m.buckets[bucket][pos].value = value
	return nil
}

// Remove deletes the entry for key, invoking Context.Destroy on the key.
func (m *Map[K, V]) Remove(key K) error {
	m.AssertLocked()
	bucket, pos, ok := m.findLocked(key)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "hashmap: key not found")
	}
	removed := m.buckets[bucket][pos]
	m.buckets[bucket] = append(m.buckets[bucket][:pos], m.buckets[bucket][pos+1:]...)
	m.size--
	m.ctx.destroy(removed.key)
	return nil
}

// Flush removes every entry, invoking Context.Destroy on each key.
func (m *Map[K, V]) Flush() {
	m.AssertLocked()
	for i, bucket := range m.buckets {
		for _, e := range bucket {
			m.ctx.destroy(e.key)
		}
		m.buckets[i] = nil
	}
	m.size = 0
}

// MigrateEntry moves the entry for key from src to dst, preserving value
// and re-copying the key under dst's Context. Caller must hold both locks.
func MigrateEntry[K any, V any](dst, src *Map[K, V], key K) error {
	src.AssertLocked()
	dst.AssertLocked()
	bucket, pos, ok := src.findLocked(key)
	if !ok {
		return kerrors.New(kerrors.ENOENT, "hashmap: key not found in source map")
	}
	e := src.buckets[bucket][pos]
	src.buckets[bucket] = append(src.buckets[bucket][:pos], src.buckets[bucket][pos+1:]...)
	src.size--
	return dst.Insert(e.key, e.value)
}

// ForEach visits every entry, in a deterministic bucket-then-insertion
// order (bucket index ascending); fn must not mutate the map.
func (m *Map[K, V]) ForEach(fn func(key K, value V)) {
	m.AssertLocked()
	for _, bucket := range m.buckets {
		for _, e := range bucket {
			fn(e.key, e.value)
		}
	}
}

// Keys returns a snapshot of every key currently stored, in the same order
// as ForEach.
func (m *Map[K, V]) Keys() []K {
	m.AssertLocked()
	keys := make([]K, 0, m.size)
	m.ForEach(func(key K, _ V) { keys = append(keys, key) })
	return keys
}

// FNV1a64 is a default Hash function for byte-string-shaped keys (string,
// []byte), usable directly as Context.Hash for string keys.
func FNV1a64(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}
