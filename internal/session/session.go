// Package session tracks connected instrumented processes.
//
// A Session wraps one connection (a Link) and splits its inbound stream into
// two sliding mailboxes: span records and metrics snapshots. The Registry
// owns the set of live sessions, the single active session, and the dev
// server's desired running state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tobert/devlens/internal/mailbox"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/selfmetrics"
	"github.com/tobert/devlens/internal/transport"
)

const (
	// DefaultSpanMailboxSize is the span mailbox capacity per session.
	DefaultSpanMailboxSize = 100

	// DefaultMetricsMailboxSize is the metrics mailbox capacity per session.
	// Only the freshest snapshots matter.
	DefaultMetricsMailboxSize = 2

	pongTimeout = 2 * time.Second
)

// Link is the duplex message channel a Session reads from. transport.Conn is
// the network implementation; in-process bridges provide their own.
type Link interface {
	Inbound() <-chan protocol.Message
	Send(ctx context.Context, msg protocol.Message) error
	Close() error
}

// Session is one connected instrumented process. Sessions are identified by
// ID alone.
type Session struct {
	id          int
	name        string
	transport   string
	connectedAt time.Time

	link    Link
	logger  *slog.Logger
	spans   *mailbox.Mailbox[protocol.Message]
	metrics *mailbox.Mailbox[*protocol.MetricsSnapshot]

	release     func(*Session)
	releaseOnce sync.Once
	done        chan struct{}

	spansReceived     atomic.Uint64
	eventsReceived    atomic.Uint64
	snapshotsReceived atomic.Uint64
	metricsRequests   atomic.Uint64
}

// Info is a point-in-time description of a session.
type Info struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	Transport     string    `json:"transport"`
	ConnectedAt   time.Time `json:"connected_at"`
	Active        bool      `json:"active"`
	Spans         uint64    `json:"spans"`
	SpanEvents    uint64    `json:"span_events"`
	Snapshots     uint64    `json:"snapshots"`
	SpanDrops     uint64    `json:"span_drops"`
	SnapshotDrops uint64    `json:"snapshot_drops"`
}

func (s *Session) ID() int { return s.id }

// Name is a human label: the remote address or the bridge that created it.
func (s *Session) Name() string { return s.name }

// Spans is the consumer side of the span mailbox. Items are *protocol.Span
// or *protocol.SpanEvent.
func (s *Session) Spans() *mailbox.Mailbox[protocol.Message] { return s.spans }

// Metrics is the consumer side of the metrics mailbox.
func (s *Session) Metrics() *mailbox.Mailbox[*protocol.MetricsSnapshot] { return s.metrics }

// Done is closed once the session has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestMetrics asks the remote process to send a fresh MetricsSnapshot.
func (s *Session) RequestMetrics(ctx context.Context) error {
	s.metricsRequests.Add(1)
	return s.link.Send(ctx, protocol.MetricsRequest{})
}

// Info reports the session's counters. Active is filled in by the Registry.
func (s *Session) Info() Info {
	return Info{
		ID:            s.id,
		Name:          s.name,
		Transport:     s.transport,
		ConnectedAt:   s.connectedAt,
		Spans:         s.spansReceived.Load(),
		SpanEvents:    s.eventsReceived.Load(),
		Snapshots:     s.snapshotsReceived.Load(),
		SpanDrops:     s.spans.Stats().Dropped,
		SnapshotDrops: s.metrics.Stats().Dropped,
	}
}

// Run is the session's single pump. It routes inbound messages to the
// mailboxes in wire order until the link ends or ctx is cancelled, then
// releases the session: both mailboxes end and the session leaves the
// registry. Release happens exactly once however Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.Release()
		if err := s.link.Close(); err != nil && !transport.IsExpectedClose(err) {
			s.logger.Debug("closing link", slog.Any("error", err))
		}
	}()

	s.logger.Info("client connected")

	inbound := s.link.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := s.route(ctx, msg); err != nil {
				if errors.Is(err, transport.ErrConnectionClosed) {
					return nil
				}
				s.logger.Warn("session pump failed", slog.Any("error", err))
				return err
			}
		}
	}
}

func (s *Session) route(ctx context.Context, msg protocol.Message) error {
	selfmetrics.MessagesReceived.WithLabelValues(string(msg.Tag())).Inc()

	switch m := msg.(type) {
	case *protocol.Span:
		s.spansReceived.Add(1)
		s.spans.Offer(ctx, m)
	case *protocol.SpanEvent:
		s.eventsReceived.Add(1)
		s.spans.Offer(ctx, m)
	case *protocol.MetricsSnapshot:
		s.snapshotsReceived.Add(1)
		s.metrics.Offer(ctx, m)
	case protocol.Ping:
		sendCtx, cancel := context.WithTimeout(ctx, pongTimeout)
		defer cancel()
		return s.link.Send(sendCtx, protocol.Pong{})
	default:
		s.logger.Debug("ignoring message", slog.String("tag", string(msg.Tag())))
	}
	return nil
}

// Release ends both mailboxes and removes the session from its registry.
// Run calls it on exit; it is exported so owners that never start the pump
// can still clean up. Safe to call multiple times.
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.spans.End()
		s.metrics.End()
		if s.release != nil {
			s.release(s)
		}
		close(s.done)
		s.logger.Info("client disconnected")
	})
}
