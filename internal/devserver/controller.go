// Package devserver runs the listening socket that instrumented processes
// connect to, starting, stopping and restarting it to match the registry's
// RunningState.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tobert/devlens/internal/notify"
	"github.com/tobert/devlens/internal/selfmetrics"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/transport"
)

// Phase is the listener lifecycle state.
type Phase int

const (
	Stopped Phase = iota
	Starting
	Listening
	Failed
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status describes the listener.
type Status struct {
	Phase Phase
	Port  int    // configured port
	Addr  string // bound address while Listening
	Cause error  // set in Failed
}

// BindError is a listener failure: the port could not be bound, or the
// listening socket failed while serving. It is the cause recorded in the
// registry's RunningState.
type BindError struct {
	Op   string // "listen" or "serve"
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to %s on %s: %v", e.Op, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config configures a Controller.
type Config struct {
	Registry *session.Registry
	Logger   *slog.Logger

	// Host is the interface to bind. Empty means 127.0.0.1.
	Host string

	// Transport is passed to every accepted connection.
	Transport transport.Options

	// Listen overrides net.Listen, for tests.
	Listen func(network, addr string) (net.Listener, error)
}

// Controller is the supervisory loop for the dev server listener. At most one
// listener exists at any time.
type Controller struct {
	reg       *session.Registry
	logger    *slog.Logger
	host      string
	transport transport.Options
	listen    func(network, addr string) (net.Listener, error)

	changes *notify.Signal
	mu      sync.Mutex
	status  Status

	open    atomic.Int32
	maxOpen atomic.Int32
}

// New creates a Controller. Call Run to start supervising.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	listen := cfg.Listen
	if listen == nil {
		listen = net.Listen
	}
	topts := cfg.Transport
	if topts.Logger == nil {
		topts.Logger = logger
	}
	if topts.OnDecodeFailure == nil {
		topts.OnDecodeFailure = func(error) { selfmetrics.DecodeFailures.Inc() }
	}

	return &Controller{
		reg:       cfg.Registry,
		logger:    logger.With(slog.String("component", "devserver")),
		host:      host,
		transport: topts,
		listen:    listen,
		changes:   notify.New(),
		status:    Status{Phase: Stopped, Port: cfg.Registry.RunningState().Port},
	}
}

// Status returns the listener state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe returns a coalescing signal for Status changes.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	return c.changes.Subscribe()
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.changes.Notify()
}

// Run watches the registry until ctx is done. It starts a listener when
// Running becomes true and none is active, restarts it when the port changes,
// and closes it when Running becomes false. Closing a listener interrupts all
// of its sessions and waits for their release before anything else happens.
func (c *Controller) Run(ctx context.Context) error {
	changes, unsubscribe := c.reg.Subscribe()
	defer unsubscribe()

	var cur *listener
	defer func() {
		if cur != nil {
			cur.stop()
		}
		c.setStatus(Status{Phase: Stopped, Port: c.reg.RunningState().Port})
	}()

	for {
		want := c.reg.RunningState()

		if cur != nil {
			select {
			case <-cur.done:
				// Ended on its own; the failure is already in the registry.
				cur = nil
			default:
				if !want.Running || want.Port != cur.port {
					c.logger.Info("stopping dev server", slog.String("addr", cur.addr))
					cur.stop()
					cur = nil
					if c.Status().Phase != Failed {
						c.setStatus(Status{Phase: Stopped, Port: want.Port})
					}
				}
			}
		}

		if cur == nil && want.Running {
			cur = c.start(ctx, want.Port)
		} else if cur == nil {
			// A failure stays on display until the next start, following the
			// configured port.
			switch st := c.Status(); {
			case st.Phase == Failed:
				if st.Port != want.Port {
					c.setStatus(Status{Phase: Failed, Port: want.Port, Cause: st.Cause})
				}
			case st != (Status{Phase: Stopped, Port: want.Port}):
				c.setStatus(Status{Phase: Stopped, Port: want.Port})
			}
		}

		var curDone <-chan struct{}
		if cur != nil {
			curDone = cur.done
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-curDone:
		}
	}
}

// start binds the port and launches the serve task. A bind failure is
// reported to the registry and start returns nil.
func (c *Controller) start(ctx context.Context, port int) *listener {
	c.setStatus(Status{Phase: Starting, Port: port})

	addr := net.JoinHostPort(c.host, strconv.Itoa(port))
	ln, err := c.listen("tcp", addr)
	if err != nil {
		c.fail(port, &BindError{Op: "listen", Addr: addr, Err: err})
		return nil
	}

	l := newListener(ctx, c, ln, port)
	selfmetrics.ListenerStarts.WithLabelValues("ok").Inc()
	c.setStatus(Status{Phase: Listening, Port: port, Addr: l.addr})
	c.logger.Info("🔌 dev server listening", slog.String("addr", l.addr))

	go func() {
		err := l.serve()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.fail(port, &BindError{Op: "serve", Addr: l.addr, Err: err})
		}
		close(l.done)
	}()
	return l
}

func (c *Controller) fail(port int, err *BindError) {
	if err.Op == "listen" {
		selfmetrics.ListenerStarts.WithLabelValues("failed").Inc()
	}
	c.setStatus(Status{Phase: Failed, Port: port, Cause: err})
	c.reg.ReportFailure(err)
}

// MaxConcurrentListeners reports the most listeners ever open at once.
func (c *Controller) MaxConcurrentListeners() int {
	return int(c.maxOpen.Load())
}

func (c *Controller) trackOpen(delta int32) {
	n := c.open.Add(delta)
	for {
		m := c.maxOpen.Load()
		if n <= m || c.maxOpen.CompareAndSwap(m, n) {
			return
		}
	}
}
