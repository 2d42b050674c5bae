// Package notify provides a coalescing change signal for observable state.
package notify

import "sync"

// Signal fans out "something changed" notifications to any number of
// subscribers. Each subscriber channel has capacity 1, so bursts of changes
// coalesce into a single pending wakeup and Notify never blocks. Subscribers
// re-read the state they care about after each wakeup.
type Signal struct {
	mu          sync.Mutex
	subscribers map[uint64]chan struct{}
	nextID      uint64
}

// New creates a Signal with no subscribers.
func New() *Signal {
	return &Signal{subscribers: make(map[uint64]chan struct{})}
}

// Subscribe returns a notification channel and an unsubscribe function.
// The channel starts with one pending notification so a new subscriber
// reads the current state immediately.
func (s *Signal) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	s.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
		})
	}
	return ch, unsubscribe
}

// Notify sends a non-blocking signal to every subscriber.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Already pending; coalesce.
		}
	}
}

// Len returns the number of subscribers.
func (s *Signal) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
