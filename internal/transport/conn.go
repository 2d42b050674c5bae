// Package transport turns one WebSocket connection into a typed, duplex
// message channel: a stream of decoded inbound protocol messages and a Send
// method for outbound ones.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tobert/devlens/internal/protocol"
)

// ErrConnectionClosed is returned by Send once the connection has ended,
// whether by transport error, remote close, or a local Close.
var ErrConnectionClosed = errors.New("connection closed")

// DefaultReadLimit bounds a single inbound frame. Metrics snapshots from a
// busy process are far larger than the websocket library's 32 KiB default.
const DefaultReadLimit = 4 << 20

const closeHandshakeTimeout = 500 * time.Millisecond

// Options configures a Conn.
type Options struct {
	Logger *slog.Logger

	// ReadLimit is the largest accepted frame in bytes. Zero means DefaultReadLimit.
	ReadLimit int64

	// InboundBuffer is the capacity of the Inbound channel. Zero means 64.
	InboundBuffer int

	// OnDecodeFailure is called for every dropped malformed frame.
	OnDecodeFailure func(error)
}

// Conn is one connection to an instrumented process.
//
// A reader goroutine decodes frames in wire order and delivers them on
// Inbound. The channel is closed when the connection ends. Malformed frames
// are logged and dropped; frames with unknown tags are skipped.
type Conn struct {
	ws      *websocket.Conn
	remote  string
	logger  *slog.Logger
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan protocol.Message
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error

	received atomic.Uint64
	dropped  atomic.Uint64
}

// Accept upgrades an HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dev tool on loopback: any origin (VS Code webviews, browser tabs) may connect.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept from %s: %w", r.RemoteAddr, err)
	}
	return newConn(ws, r.RemoteAddr, opts), nil
}

// Dial connects to a devlens server as an instrumented process would.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newConn(ws, url, opts), nil
}

func newConn(ws *websocket.Conn, remote string, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.ReadLimit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	buffer := opts.InboundBuffer
	if buffer == 0 {
		buffer = 64
	}
	ws.SetReadLimit(limit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		remote:  remote,
		logger:  logger.With(slog.String("remote", remote)),
		onError: opts.OnDecodeFailure,
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan protocol.Message, buffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}

		msg, err := protocol.Decode(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownTag):
			c.logger.Debug("ignoring message", slog.Any("error", err))
			continue
		case err != nil:
			c.dropped.Add(1)
			c.logger.Warn("dropping malformed message", slog.Any("error", err), slog.Int("bytes", len(data)))
			if c.onError != nil {
				c.onError(err)
			}
			continue
		}

		if snap, ok := msg.(*protocol.MetricsSnapshot); ok && len(snap.Malformed) > 0 {
			c.logger.Warn("skipped malformed metric records",
				slog.Int("skipped", len(snap.Malformed)),
				slog.String("first", snap.Malformed[0]))
		}

		c.received.Add(1)
		select {
		case c.inbound <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// finish records why the connection ended and tears it down. Only the first
// call has any effect.
func (c *Conn) finish(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
		c.cancel()
		c.ws.CloseNow()

		if IsExpectedClose(cause) {
			c.logger.Debug("connection ended", slog.Any("cause", cause))
		} else {
			c.logger.Info("connection failed", slog.Any("cause", cause))
		}
	})
}

// Inbound returns the stream of decoded messages in wire order. It is closed
// when the connection ends.
func (c *Conn) Inbound() <-chan protocol.Message {
	return c.inbound
}

// Send encodes and writes one message. After the connection has ended it
// fails with ErrConnectionClosed. A failed write ends the connection.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.finish(err)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Close performs the closing handshake and ends the connection. Safe to call
// multiple times and concurrently with Send.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = ErrConnectionClosed
		c.mu.Unlock()
		close(c.done)

		closed := make(chan error, 1)
		go func() { closed <- c.ws.Close(websocket.StatusGoingAway, "devlens closing") }()
		select {
		case err = <-closed:
		case <-time.After(closeHandshakeTimeout):
			// Peer is not answering the close frame.
			c.ws.CloseNow()
		}
		c.cancel()
	})
	if IsExpectedClose(err) {
		return nil
	}
	return err
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// RemoteAddr returns the peer address (or dial URL).
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Stats returns counts of delivered and dropped inbound frames.
func (c *Conn) Stats() (received, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}
