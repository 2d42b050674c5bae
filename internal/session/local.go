package session

import (
	"context"
	"sync"

	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/transport"
)

// LocalLink is an in-process Link for clients that are not websocket peers:
// the OTLP bridge and file replay feed records through one. The inbound
// channel is never closed; the owner ends the session by cancelling the
// context passed to Session.Run.
type LocalLink struct {
	in     chan protocol.Message
	onSend func(protocol.Message)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLocalLink creates a LocalLink with an inbound buffer of size buffer.
// onSend, if set, receives every message the session sends back (metrics
// requests, pongs).
func NewLocalLink(buffer int, onSend func(protocol.Message)) *LocalLink {
	return &LocalLink{
		in:     make(chan protocol.Message, buffer),
		onSend: onSend,
		closed: make(chan struct{}),
	}
}

func (l *LocalLink) Inbound() <-chan protocol.Message { return l.in }

// Deliver hands msg to the session, blocking while the inbound buffer is
// full. It fails with transport.ErrConnectionClosed after Close.
func (l *LocalLink) Deliver(ctx context.Context, msg protocol.Message) error {
	select {
	case <-l.closed:
		return transport.ErrConnectionClosed
	default:
	}
	select {
	case l.in <- msg:
		return nil
	case <-l.closed:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LocalLink) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-l.closed:
		return transport.ErrConnectionClosed
	default:
	}
	if l.onSend != nil {
		l.onSend(msg)
	}
	return nil
}

func (l *LocalLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Done is closed by Close.
func (l *LocalLink) Done() <-chan struct{} { return l.closed }
