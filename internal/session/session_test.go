package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/devlens/internal/mailbox"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/transport"
)

// fakeLink is an in-memory Link.
type fakeLink struct {
	inbound chan protocol.Message
	mu      sync.Mutex
	sent    []protocol.Message
	closed  bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbound: make(chan protocol.Message, 256)}
}

func (l *fakeLink) Inbound() <-chan protocol.Message { return l.inbound }

func (l *fakeLink) Send(ctx context.Context, msg protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrConnectionClosed
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) Sent() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Message(nil), l.sent...)
}

func startSession(t *testing.T, reg *Registry) (*Session, *fakeLink, context.CancelFunc) {
	t.Helper()
	link := newFakeLink()
	s := reg.Open(link, "test", "fake")
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s, link, cancel
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %d was never released", s.ID())
	}
}

// TestFirstClientPromotedOnly tests the connect/disconnect scenario: the first
// client becomes active, the second does not, and disconnecting the active
// client leaves nothing active.
func TestFirstClientPromotedOnly(t *testing.T) {
	reg := NewRegistry(Config{})

	one, link1, _ := startSession(t, reg)
	require.Equal(t, 1, one.ID())
	assert.Equal(t, one, reg.Active())

	two, _, _ := startSession(t, reg)
	require.Equal(t, 2, two.ID())
	assert.Equal(t, one, reg.Active(), "second client must not be promoted")
	assert.Equal(t, 2, reg.Len())

	close(link1.inbound)
	waitDone(t, one)

	clients := reg.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, 2, clients[0].ID())
	assert.Nil(t, reg.Active(), "no re-promotion after the active client leaves")

	assert.True(t, reg.Select(2))
	assert.Equal(t, two, reg.Active())
}

// TestIDsNeverReused tests that ids increase across disconnects.
func TestIDsNeverReused(t *testing.T) {
	reg := NewRegistry(Config{})
	a := reg.Open(newFakeLink(), "a", "fake")
	a.Release()
	b := reg.Open(newFakeLink(), "b", "fake")
	defer b.Release()

	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, b.ID())
	assert.Equal(t, b, reg.Active(), "a client arriving to an empty registry is promoted")
}

// TestSelectUnknownIsNoop tests that selecting a missing client changes nothing.
func TestSelectUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(Config{})
	s := reg.Open(newFakeLink(), "a", "fake")
	defer s.Release()

	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()
	<-changes

	assert.False(t, reg.Select(42))
	assert.Equal(t, s, reg.Active())
	select {
	case <-changes:
		t.Fatal("no-op select must not notify")
	default:
	}
}

// TestActiveAlwaysLive tests that random connect/disconnect/select sequences
// never leave the active slot pointing outside the live set.
func TestActiveAlwaysLive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reg := NewRegistry(Config{})
	var open []*Session

	check := func(step int) {
		active := reg.Active()
		if active == nil {
			return
		}
		if _, ok := reg.Lookup(active.ID()); !ok {
			t.Fatalf("step %d: active client %d is not live", step, active.ID())
		}
	}

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(open) == 0:
			open = append(open, reg.Open(newFakeLink(), "c", "fake"))
		case op == 1:
			i := rng.Intn(len(open))
			open[i].Release()
			open = append(open[:i], open[i+1:]...)
		default:
			reg.Select(rng.Intn(step + 2))
		}
		check(step)
	}
}

// TestConcurrentConnectDisconnect tests the invariant under concurrency.
func TestConcurrentConnectDisconnect(t *testing.T) {
	reg := NewRegistry(Config{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s := reg.Open(newFakeLink(), "c", "fake")
				reg.Select(s.ID() - w)
				s.Release()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
	assert.Nil(t, reg.Active())
}

// TestPumpRoutesByTag tests that the pump classifies messages into mailboxes
// and answers pings.
func TestPumpRoutesByTag(t *testing.T) {
	reg := NewRegistry(Config{})
	s, link, _ := startSession(t, reg)

	link.inbound <- &protocol.Span{SpanID: "a", TraceID: "t", Status: &protocol.SpanStatus{StartTime: 1}}
	link.inbound <- &protocol.MetricsSnapshot{}
	link.inbound <- &protocol.SpanEvent{SpanID: "a", TraceID: "t", Name: "e"}
	link.inbound <- protocol.Ping{}
	link.inbound <- protocol.Pong{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := s.Spans().Take(ctx)
	require.NoError(t, err)
	assert.IsType(t, &protocol.Span{}, first)
	second, err := s.Spans().Take(ctx)
	require.NoError(t, err)
	assert.IsType(t, &protocol.SpanEvent{}, second)

	snap, err := s.Metrics().Take(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap)

	require.Eventually(t, func() bool { return len(link.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TagPong, link.Sent()[0].Tag())

	info := s.Info()
	assert.Equal(t, uint64(1), info.Spans)
	assert.Equal(t, uint64(1), info.SpanEvents)
	assert.Equal(t, uint64(1), info.Snapshots)
}

// TestPumpEndReleases tests that connection end closes both mailboxes and
// leaves the registry.
func TestPumpEndReleases(t *testing.T) {
	reg := NewRegistry(Config{})
	s, link, _ := startSession(t, reg)

	link.inbound <- &protocol.Span{SpanID: "a", TraceID: "t", Status: &protocol.SpanStatus{StartTime: 1}}
	close(link.inbound)
	waitDone(t, s)

	assert.Equal(t, 0, reg.Len())
	assert.Nil(t, reg.Active())
	assert.True(t, s.Spans().Ended())
	assert.True(t, s.Metrics().Ended())

	ctx := context.Background()
	_, err := s.Spans().Take(ctx)
	assert.NoError(t, err, "buffered records survive the end")
	_, err = s.Spans().Take(ctx)
	assert.True(t, errors.Is(err, mailbox.ErrEnded))
	_, err = s.Metrics().Take(ctx)
	assert.ErrorIs(t, err, mailbox.ErrEnded)
}

// TestPumpCancelReleases tests that cancelling the owning scope releases the
// session and closes its link.
func TestPumpCancelReleases(t *testing.T) {
	reg := NewRegistry(Config{})
	s, link, cancel := startSession(t, reg)

	cancel()
	waitDone(t, s)

	assert.Equal(t, 0, reg.Len())
	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.closed
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.RequestMetrics(context.Background()), transport.ErrConnectionClosed)
}

// TestSpanMailboxSlides tests that a session that is not drained keeps only
// the newest span records.
func TestSpanMailboxSlides(t *testing.T) {
	reg := NewRegistry(Config{SpanMailboxSize: 100})
	s, link, _ := startSession(t, reg)

	for i := 0; i < 150; i++ {
		link.inbound <- &protocol.SpanEvent{SpanID: "a", TraceID: "t", StartTime: protocol.Nanos(i)}
	}
	require.Eventually(t, func() bool { return s.Info().SpanEvents == 150 }, 2*time.Second, 5*time.Millisecond)

	items, err := s.Spans().TakeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 100)
	assert.Equal(t, protocol.Nanos(50), items[0].(*protocol.SpanEvent).StartTime)
	assert.Equal(t, uint64(50), s.Info().SpanDrops)
}

// TestRunningStateTransitions tests the three RunningState mutations.
func TestRunningStateTransitions(t *testing.T) {
	reg := NewRegistry(Config{Port: 34437})
	assert.Equal(t, RunningState{Port: 34437}, reg.RunningState())

	assert.True(t, reg.SetRunning(true))
	assert.False(t, reg.SetRunning(true), "starting twice is a no-op")

	cause := errors.New("address already in use")
	reg.ReportFailure(cause)
	state := reg.RunningState()
	assert.False(t, state.Running)
	assert.Equal(t, cause, state.LastFailure)

	assert.False(t, reg.SetRunning(false), "already stopped")
	assert.Equal(t, cause, reg.RunningState().LastFailure, "no transition, cause kept")

	assert.True(t, reg.SetRunning(true))
	assert.Nil(t, reg.RunningState().LastFailure, "transition clears cause")

	assert.True(t, reg.SetPort(9229))
	assert.False(t, reg.SetPort(9229))
	assert.Equal(t, 9229, reg.RunningState().Port)
}

// TestFollowActiveCancelThenStart tests that switching active clients tears
// down the previous scope before the next starts.
func TestFollowActiveCancelThenStart(t *testing.T) {
	reg := NewRegistry(Config{})
	a := reg.Open(newFakeLink(), "a", "fake")
	b := reg.Open(newFakeLink(), "b", "fake")
	defer a.Release()
	defer b.Release()

	var (
		running atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		started []int
		stopped []int
	)

	ctx, cancel := context.WithCancel(context.Background())
	followDone := make(chan struct{})
	go func() {
		defer close(followDone)
		FollowActive(ctx, reg, func(ctx context.Context, s *Session) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			started = append(started, s.ID())
			mu.Unlock()

			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			stopped = append(stopped, s.ID())
			mu.Unlock()
			running.Add(-1)
		})
	}()

	snapshot := func() ([]int, []int) {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), started...), append([]int(nil), stopped...)
	}

	require.Eventually(t, func() bool { s, _ := snapshot(); return len(s) == 1 }, time.Second, 5*time.Millisecond)

	reg.Select(b.ID())
	require.Eventually(t, func() bool { s, _ := snapshot(); return len(s) == 2 }, time.Second, 5*time.Millisecond)

	s, st := snapshot()
	assert.Equal(t, []int{1, 2}, s)
	assert.Equal(t, []int{1}, st, "a's scope stopped exactly once before b started")

	cancel()
	<-followDone
	_, st = snapshot()
	assert.Equal(t, []int{1, 2}, st)
	assert.False(t, overlap.Load(), "scopes must never overlap")
}
