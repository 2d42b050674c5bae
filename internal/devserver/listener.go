package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/transport"
)

const shutdownTimeout = 2 * time.Second

// listener is one bound socket and everything accepted on it.
type listener struct {
	c      *Controller
	ln     net.Listener
	port   int
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions int
	closing  bool
	idle     *sync.Cond
}

func newListener(parent context.Context, c *Controller, ln net.Listener, port int) *listener {
	ctx, cancel := context.WithCancel(parent)
	l := &listener{
		c:      c,
		ln:     ln,
		port:   port,
		addr:   ln.Addr().String(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.idle = sync.NewCond(&l.mu)
	c.trackOpen(1)
	return l
}

// serve accepts connections until the listener's context is cancelled or the
// socket fails. It returns only after every session it accepted has been
// released.
func (l *listener) serve() error {
	defer l.c.trackOpen(-1)

	g, gctx := errgroup.WithContext(l.ctx)
	srv := &http.Server{
		Handler:           l.routes(),
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		err := srv.Serve(l.ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	})

	err := g.Wait()
	l.waitSessions()
	if err == nil && l.ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

// stop closes the socket, interrupts every session and waits for cleanup.
func (l *listener) stop() {
	l.cancel()
	<-l.done
}

func (l *listener) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", l.handleConnect)
	return mux
}

// handleConnect upgrades to WebSocket and runs a client session for the life
// of the connection. Plain HTTP requests get a small status document.
func (l *listener) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service": "devlens",
			"clients": l.c.reg.Len(),
		})
		return
	}

	if !l.addSession() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer l.doneSession()

	conn, err := transport.Accept(w, r, l.c.transport)
	if err != nil {
		l.c.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	s := l.c.reg.Open(conn, conn.RemoteAddr(), "websocket")
	if err := s.Run(r.Context()); err != nil {
		l.c.logger.Debug("session ended with error", slog.Int("client", s.ID()), slog.Any("error", err))
	}
}

func (l *listener) addSession() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.sessions++
	return true
}

func (l *listener) doneSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions--
	if l.sessions == 0 {
		l.idle.Broadcast()
	}
}

func (l *listener) waitSessions() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	for l.sessions > 0 {
		l.idle.Wait()
	}
}

var _ session.Link = (*transport.Conn)(nil)
