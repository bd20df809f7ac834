// Package ringbuf provides a bounded, sequence-numbered ring used for every
// in-memory accumulator the bridge keeps (run logs, call history).
package ringbuf

import "sync"

// Ring is a fixed-capacity circular buffer of entries. When full, the oldest
// entry is overwritten. Every entry gets an absolute sequence number starting
// at 0, so readers can resume from a cursor even after older entries have been
// evicted. Safe for concurrent use.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	capacity int
	writePos int    // next slot to write (wraps at capacity)
	written  uint64 // total entries ever appended
}

// New allocates a ring holding at most capacity entries.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Append stores v and returns its sequence number.
func (r *Ring[T]) Append(v T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.written
	r.buf[r.writePos] = v
	r.writePos = (r.writePos + 1) % r.capacity
	r.written++
	return seq
}

// Since returns the entries with sequence >= cursor in chronological order,
// plus the cursor to use on the next read. A cursor older than the oldest
// retained entry is clamped forward; a cursor past the end yields nothing.
func (r *Ring[T]) Since(cursor uint64) ([]T, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.oldestLocked()
	if cursor < oldest {
		cursor = oldest
	}
	if cursor >= r.written {
		return []T{}, r.written
	}

	n := int(r.written - cursor)
	out := make([]T, n)
	start := int(cursor % uint64(r.capacity))
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out, r.written
}

// All returns every retained entry, oldest first.
func (r *Ring[T]) All() []T {
	out, _ := r.Since(0)
	return out
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.written - r.oldestLocked())
}

// Total returns how many entries were ever appended.
func (r *Ring[T]) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Reset drops all entries and restarts sequence numbering.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.writePos = 0
	r.written = 0
}

func (r *Ring[T]) oldestLocked() uint64 {
	if r.written <= uint64(r.capacity) {
		return 0
	}
	return r.written - uint64(r.capacity)
}
