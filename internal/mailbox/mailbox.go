// Package mailbox provides a bounded asynchronous queue with a configurable
// overflow policy and an end-of-stream signal.
//
// A Mailbox sits between a producer that must never be stalled (a connection
// pump reading telemetry off the wire) and a consumer that may be slow (a tree
// reconstructor or metrics view). Sliding mailboxes drop the oldest entry on
// overflow, Dropping mailboxes drop the incoming entry, and Blocking mailboxes
// make the producer wait for space.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEnded is returned by Take and TakeAll once the mailbox has been ended
// and every buffered item has been consumed.
var ErrEnded = errors.New("mailbox ended")

// Policy selects what happens when an offer finds the mailbox full.
type Policy int

const (
	// Sliding evicts the oldest buffered item to make room. Offers never block.
	Sliding Policy = iota
	// Dropping discards the offered item. Offers never block.
	Dropping
	// Blocking makes Offer wait until there is room, the context is done, or
	// the mailbox ends. A Blocking mailbox with capacity 0 is unbounded.
	Blocking
)

func (p Policy) String() string {
	switch p {
	case Sliding:
		return "sliding"
	case Dropping:
		return "dropping"
	case Blocking:
		return "blocking"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters for a mailbox.
type Stats struct {
	Offered uint64 // items accepted into the buffer
	Dropped uint64 // items lost to the overflow policy (evicted or refused)
	Taken   uint64 // items handed to consumers
}

// Mailbox is a concurrency-safe queue. Create one with New.
type Mailbox[T any] struct {
	mu        sync.Mutex
	buf       *ring[T]
	policy    Policy
	unbounded bool
	ended     bool
	done      chan struct{} // closed by End
	changed   chan struct{} // closed and replaced on every state change

	offered atomic.Uint64
	dropped atomic.Uint64
	taken   atomic.Uint64

	onDrop func()
}

// Option configures a Mailbox.
type Option func(*options)

type options struct {
	onDrop func()
}

// WithDropHook registers a function called (outside the lock) each time the
// overflow policy discards an item. Used for self-metrics.
func WithDropHook(fn func()) Option {
	return func(o *options) { o.onDrop = fn }
}

// New creates a mailbox. Capacity must be greater than zero unless policy is
// Blocking, where zero means unbounded.
func New[T any](capacity int, policy Policy, opts ...Option) *Mailbox[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	unbounded := false
	if capacity == 0 && policy == Blocking {
		unbounded = true
		capacity = 16
	}

	return &Mailbox[T]{
		buf:       newRing[T](capacity),
		policy:    policy,
		unbounded: unbounded,
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
		onDrop:    o.onDrop,
	}
}

// broadcast wakes every waiter. Caller must hold mu.
func (m *Mailbox[T]) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Mailbox[T]) drop() {
	m.dropped.Add(1)
	if m.onDrop != nil {
		m.onDrop()
	}
}

// Offer adds v to the mailbox according to its policy. It reports whether v
// was accepted. Offers after End are refused. Only Blocking mailboxes use ctx.
func (m *Mailbox[T]) Offer(ctx context.Context, v T) bool {
	for {
		m.mu.Lock()
		if m.ended {
			m.mu.Unlock()
			return false
		}

		if !m.buf.Full() {
			m.buf.Push(v)
			m.offered.Add(1)
			m.broadcast()
			m.mu.Unlock()
			return true
		}

		switch m.policy {
		case Sliding:
			m.buf.Push(v)
			m.offered.Add(1)
			m.broadcast()
			m.mu.Unlock()
			m.drop()
			return true

		case Dropping:
			m.mu.Unlock()
			m.drop()
			return false

		default:
			if m.unbounded {
				m.buf.grow()
				continue
			}
			wait := m.changed
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// Take removes and returns the oldest item, waiting until one is available.
// It returns ErrEnded once the mailbox has ended and is empty, or the context
// error if ctx is done first.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if v, ok := m.buf.Shift(); ok {
			m.taken.Add(1)
			m.broadcast()
			m.mu.Unlock()
			return v, nil
		}
		if m.ended {
			m.mu.Unlock()
			return zero, ErrEnded
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TakeAll waits until at least one item is available and then removes every
// buffered item, oldest first.
func (m *Mailbox[T]) TakeAll(ctx context.Context) ([]T, error) {
	for {
		m.mu.Lock()
		if m.buf.Len() > 0 {
			items := m.buf.Drain()
			m.taken.Add(uint64(len(items)))
			m.broadcast()
			m.mu.Unlock()
			return items, nil
		}
		if m.ended {
			m.mu.Unlock()
			return nil, ErrEnded
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// End marks the mailbox as finished. Buffered items remain available to
// consumers; after they are drained consumers observe ErrEnded. Safe to call
// multiple times.
func (m *Mailbox[T]) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	close(m.done)
	m.broadcast()
}

// Done is closed once End has been called. Items may still be buffered.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Ended reports whether End has been called.
func (m *Mailbox[T]) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Len returns the number of buffered items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}

// Cap returns the capacity, or 0 for an unbounded mailbox.
func (m *Mailbox[T]) Cap() int {
	if m.unbounded {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Cap()
}

// Stats returns a snapshot of the mailbox counters.
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Offered: m.offered.Load(),
		Dropped: m.dropped.Load(),
		Taken:   m.taken.Load(),
	}
}
