package otlpbridge

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/transport"
)

const linkBuffer = 256

// Client presents a stream of converted telemetry as one registry client.
// The session opens on the first delivery and closes after IdleTimeout
// without any, so a process that stops exporting disappears the same way a
// websocket peer does when it disconnects.
//
// OTLP pushes metrics on its own schedule. Client keeps the latest reading
// of every metric name and answers metrics requests by re-delivering that
// snapshot.
type Client struct {
	reg       *session.Registry
	name      string
	transport string
	idle      time.Duration
	logger    *slog.Logger

	started  chan struct{}
	requests chan struct{}

	mu       sync.Mutex
	base     context.Context
	sess     *session.Session
	link     *session.LocalLink
	cancel   context.CancelFunc
	last     time.Time
	metrics  map[string]protocol.MetricRecord
	sessions int
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Registry    *session.Registry
	Name        string // shown in client lists
	Transport   string
	IdleTimeout time.Duration // 0 keeps the session until Run returns
	Logger      *slog.Logger
}

// NewClient creates a Client. Nothing is registered until Run is running and
// the first records arrive.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		reg:       cfg.Registry,
		name:      cfg.Name,
		transport: cfg.Transport,
		idle:      cfg.IdleTimeout,
		logger:    logger.With(slog.String("client_name", cfg.Name)),
		started:   make(chan struct{}),
		requests:  make(chan struct{}, 1),
		metrics:   make(map[string]protocol.MetricRecord),
	}
}

// Run services metrics requests and idle expiry until ctx is done, then
// closes the session.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
	close(c.started)

	var tick <-chan time.Time
	if c.idle > 0 {
		ticker := time.NewTicker(max(c.idle/4, 10*time.Millisecond))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.closeSession("shutdown")
			return nil
		case <-tick:
			c.mu.Lock()
			expired := c.link != nil && time.Since(c.last) > c.idle
			c.mu.Unlock()
			if expired {
				c.closeSession("idle")
			}
		case <-c.requests:
			if err := c.redeliverMetrics(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("answering metrics request", slog.Any("error", err))
			}
		}
	}
}

// Session returns the current virtual session, or nil.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Sessions reports how many sessions the client has opened.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// DeliverSpans hands span records and span events to the session, opening
// one if needed.
func (c *Client) DeliverSpans(ctx context.Context, msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.deliver(ctx, msgs)
}

// DeliverMetrics merges recs into the latest readings and delivers the full
// snapshot.
func (c *Client) DeliverMetrics(ctx context.Context, recs []protocol.MetricRecord) error {
	if len(recs) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, r := range recs {
		c.metrics[r.Name] = r
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return c.deliver(ctx, []protocol.Message{snap})
}

func (c *Client) snapshotLocked() *protocol.MetricsSnapshot {
	recs := slices.Collect(maps.Values(c.metrics))
	slices.SortFunc(recs, func(a, b protocol.MetricRecord) int { return cmp.Compare(a.Name, b.Name) })
	return &protocol.MetricsSnapshot{Metrics: recs}
}

func (c *Client) redeliverMetrics(ctx context.Context) error {
	c.mu.Lock()
	if len(c.metrics) == 0 || c.link == nil {
		c.mu.Unlock()
		return nil
	}
	snap := c.snapshotLocked()
	link := c.link
	c.mu.Unlock()
	return link.Deliver(ctx, snap)
}

func (c *Client) deliver(ctx context.Context, msgs []protocol.Message) error {
	select {
	case <-c.started:
	case <-ctx.Done():
		return ctx.Err()
	}

	for attempt := 0; ; attempt++ {
		link, err := c.open()
		if err != nil {
			return err
		}
		n, err := deliverAll(ctx, link, msgs)
		if !errors.Is(err, transport.ErrConnectionClosed) || attempt > 0 {
			return err
		}
		// The session expired between open and deliver; resend the rest
		// through a new one.
		msgs = msgs[n:]
	}
}

func deliverAll(ctx context.Context, link *session.LocalLink, msgs []protocol.Message) (int, error) {
	for i, msg := range msgs {
		if err := link.Deliver(ctx, msg); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// open returns the live link, registering a new session when there is none.
func (c *Client) open() (*session.LocalLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.base.Err(); err != nil {
		return nil, err
	}
	c.last = time.Now()
	if c.link != nil {
		select {
		case <-c.link.Done():
		default:
			return c.link, nil
		}
		c.cancel()
	}

	link := session.NewLocalLink(linkBuffer, c.onSend)
	s := c.reg.Open(link, c.name, c.transport)
	runCtx, cancel := context.WithCancel(c.base)
	go func() {
		if err := s.Run(runCtx); err != nil {
			c.logger.Warn("virtual session failed", slog.Any("error", err))
		}
	}()

	c.sess, c.link, c.cancel = s, link, cancel
	c.sessions++
	c.logger.Info("🔌 virtual client registered", slog.Int("client", s.ID()))
	return link, nil
}

func (c *Client) closeSession(reason string) {
	c.mu.Lock()
	cancel, s := c.cancel, c.sess
	c.sess, c.link, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.Done()
	c.logger.Info("virtual client closed", slog.Int("client", s.ID()), slog.String("reason", reason))
}

// onSend runs on whatever goroutine asked the session to send; it must not
// block.
func (c *Client) onSend(msg protocol.Message) {
	if _, ok := msg.(protocol.MetricsRequest); !ok {
		return
	}
	select {
	case c.requests <- struct{}{}:
	default:
	}
}
