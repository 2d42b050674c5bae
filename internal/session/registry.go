package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tobert/devlens/internal/mailbox"
	"github.com/tobert/devlens/internal/notify"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/selfmetrics"
)

// RunningState is the dev server's desired state as seen by the registry.
type RunningState struct {
	// Running reports whether the server should be listening.
	Running bool
	// Port is the last configured listen port.
	Port int
	// LastFailure is the most recent listener failure. It is cleared whenever
	// Running changes.
	LastFailure error
}

// Config configures a Registry.
type Config struct {
	Logger *slog.Logger

	// Port is the initial configured dev server port.
	Port int

	SpanMailboxSize    int
	MetricsMailboxSize int
}

// Registry is the set of live sessions, the active session, and the dev
// server's RunningState. Every mutation is one indivisible step under the
// registry lock, and every observable change wakes subscribers.
//
// Invariant: the active session, if any, is in the live set.
type Registry struct {
	logger     *slog.Logger
	spanCap    int
	metricsCap int
	changes    *notify.Signal

	mu     sync.Mutex
	live   map[int]*Session
	active *Session
	state  RunningState
	nextID int
}

// NewRegistry creates an empty registry with the server stopped.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spanCap := cfg.SpanMailboxSize
	if spanCap <= 0 {
		spanCap = DefaultSpanMailboxSize
	}
	metricsCap := cfg.MetricsMailboxSize
	if metricsCap <= 0 {
		metricsCap = DefaultMetricsMailboxSize
	}

	return &Registry{
		logger:     logger.With(slog.String("component", "registry")),
		spanCap:    spanCap,
		metricsCap: metricsCap,
		changes:    notify.New(),
		live:       make(map[int]*Session),
		state:      RunningState{Port: cfg.Port},
		nextID:     1,
	}
}

// Open creates a session for link and adds it to the live set. The first
// client to arrive while nobody is connected becomes active; later arrivals
// wait for an explicit Select. The caller must call Run (or Release) on the
// returned session.
func (r *Registry) Open(link Link, name, transportName string) *Session {
	r.mu.Lock()
	id := r.nextID
	r.nextID++

	s := &Session{
		id:          id,
		name:        name,
		transport:   transportName,
		connectedAt: time.Now(),
		link:        link,
		logger: r.logger.With(
			slog.String("component", "session"),
			slog.Int("client", id),
			slog.String("name", name),
		),
		spans: mailbox.New[protocol.Message](r.spanCap, mailbox.Sliding,
			mailbox.WithDropHook(selfmetrics.MailboxDrops.WithLabelValues("spans").Inc)),
		metrics: mailbox.New[*protocol.MetricsSnapshot](r.metricsCap, mailbox.Sliding,
			mailbox.WithDropHook(selfmetrics.MailboxDrops.WithLabelValues("metrics").Inc)),
		release: r.remove,
		done:    make(chan struct{}),
	}

	promoted := r.active == nil && len(r.live) == 0
	r.live[id] = s
	if promoted {
		r.active = s
	}
	r.mu.Unlock()

	selfmetrics.SessionsOpened.WithLabelValues(transportName).Inc()
	selfmetrics.SessionsLive.Inc()
	r.logger.Debug("session opened", slog.Int("client", id), slog.Bool("active", promoted))
	r.changes.Notify()
	return s
}

// remove drops s from the live set and clears the active slot if it held s.
// No other session is promoted.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.live[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.live, s.id)
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()

	selfmetrics.SessionsLive.Dec()
	r.changes.Notify()
}

// Select makes the live session with the given id active. It reports whether
// the id was found; an unknown id (a client that disconnected since the
// caller looked) leaves the registry unchanged.
func (r *Registry) Select(id int) bool {
	r.mu.Lock()
	s, ok := r.live[id]
	changed := ok && r.active != s
	if changed {
		r.active = s
	}
	r.mu.Unlock()

	if changed {
		r.logger.Info("active client selected", slog.Int("client", id))
		r.changes.Notify()
	}
	return ok
}

// Active returns the active session, or nil.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	return s, ok
}

// Clients returns the live sessions ordered by id.
func (r *Registry) Clients() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int { return a.id - b.id })
	return out
}

// ClientInfos describes the live sessions ordered by id, marking the active one.
func (r *Registry) ClientInfos() []Info {
	active := r.Active()
	clients := r.Clients()
	out := make([]Info, len(clients))
	for i, s := range clients {
		out[i] = s.Info()
		out[i].Active = s == active
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// RunningState returns the current server state.
func (r *Registry) RunningState() RunningState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetRunning sets whether the server should listen. Setting the current
// value is a no-op; a real transition clears LastFailure. It reports whether
// anything changed.
func (r *Registry) SetRunning(running bool) bool {
	r.mu.Lock()
	if r.state.Running == running {
		r.mu.Unlock()
		return false
	}
	r.state.Running = running
	r.state.LastFailure = nil
	r.mu.Unlock()

	r.changes.Notify()
	return true
}

// SetPort records the configured port. It reports whether the port changed.
func (r *Registry) SetPort(port int) bool {
	r.mu.Lock()
	if r.state.Port == port {
		r.mu.Unlock()
		return false
	}
	r.state.Port = port
	r.mu.Unlock()

	r.changes.Notify()
	return true
}

// ReportFailure records a listener failure and forces Running to false.
func (r *Registry) ReportFailure(err error) {
	r.mu.Lock()
	r.state.Running = false
	r.state.LastFailure = err
	r.mu.Unlock()

	r.logger.Warn("dev server disabled", slog.Any("cause", err))
	r.changes.Notify()
}

// Subscribe returns a coalescing change signal covering the live set, the
// active slot and RunningState, plus its unsubscribe function. The first
// receive is immediate.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	return r.changes.Subscribe()
}
