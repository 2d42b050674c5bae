package mailbox

// ring is a fixed-capacity FIFO over a circular slice. It is not safe for
// concurrent use; Mailbox guards it.
// Push, Shift and Len are O(1). Drain is O(n) in the current size.
type ring[T any] struct {
	items []T
	head  int // oldest item
	size  int
}

// newRing creates a ring with the given capacity, which must be greater than zero.
func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		panic("mailbox ring capacity must be greater than zero")
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.size }

func (r *ring[T]) Cap() int { return len(r.items) }

func (r *ring[T]) Full() bool { return r.size == len(r.items) }

// Push appends an item. When the ring is full the oldest item is overwritten
// and evicted is true.
func (r *ring[T]) Push(item T) (evicted bool) {
	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = item
	if r.size < len(r.items) {
		r.size++
		return false
	}
	r.head = (r.head + 1) % len(r.items)
	return true
}

// Shift removes and returns the oldest item.
func (r *ring[T]) Shift() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

// Drain removes all items and returns them oldest first.
// The returned slice is a copy and safe to modify.
func (r *ring[T]) Drain() []T {
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	n := copy(out, r.items[r.head:min(r.head+r.size, len(r.items))])
	if n < r.size {
		copy(out[n:], r.items[:r.size-n])
	}
	r.Clear()
	return out
}

// Clear drops all items and releases references to them.
func (r *ring[T]) Clear() {
	clear(r.items)
	r.head = 0
	r.size = 0
}

// grow doubles the capacity, keeping order. Used for unbounded mailboxes.
func (r *ring[T]) grow() {
	items := r.Drain()
	next := make([]T, max(2*len(r.items), 1))
	copy(next, items)
	r.items = next
	r.head = 0
	r.size = len(items)
}
