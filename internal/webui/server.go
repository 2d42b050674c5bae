// Package webui serves a read-mostly HTTP view of the bridge: JSON endpoints
// for clients, traces and metrics, a command endpoint backed by the same
// table the MCP server uses, a websocket that pushes state changes, and the
// Prometheus self-metrics.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tobert/devlens/internal/commands"
	"github.com/tobert/devlens/internal/devserver"
	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
	"github.com/tobert/devlens/internal/viz"
)

const (
	keepaliveInterval = 15 * time.Second
	writeTimeout      = 5 * time.Second
	maxCommandBody    = 64 << 10
)

// Config wires the web UI to the running components.
type Config struct {
	Registry   *session.Registry
	Tree       *spantree.Tree
	Metrics    *metrics.Aggregator
	Commands   *commands.Table
	Controller *devserver.Controller // optional
	Ignore     *hostconfig.Value[[]string]
	Logger     *slog.Logger

	// Mount adds handlers under extra patterns, such as the MCP HTTP
	// transport at /mcp.
	Mount map[string]http.Handler
}

// Server serves the HTTP API and WebSocket updates.
type Server struct {
	cfg    Config
	logger *slog.Logger
	tree   *viz.TreeProvider
}

// New creates a new web UI server.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Tree == nil || cfg.Metrics == nil || cfg.Commands == nil {
		return nil, fmt.Errorf("webui needs a registry, span tree, metrics aggregator and command table")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "webui")),
		tree:   viz.NewTreeProvider(cfg.Tree, cfg.Ignore),
	}, nil
}

// RegisterRoutes attaches web UI routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("GET /api/traces", s.handleTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleTrace)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/commands", s.handleListCommands)
	mux.HandleFunc("POST /api/commands/{name}", s.handleCommand)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
	for pattern, h := range s.cfg.Mount {
		mux.Handle(pattern, h)
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ListenAndServe serves the web UI on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web UI listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the web UI on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("🌐 web UI listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// statusResponse is the JSON shape for /api/status.
type statusResponse struct {
	Phase      string `json:"phase"`
	Running    bool   `json:"running"`
	Port       int    `json:"port"`
	Address    string `json:"address,omitempty"`
	ConnectURL string `json:"connect_url,omitempty"`
	Failure    string `json:"failure,omitempty"`
	Clients    int    `json:"clients"`
	Active     int    `json:"active"`
	Traces     int    `json:"traces"`
	TreeNodes  int    `json:"tree_nodes"`
	Metrics    int    `json:"metrics"`
}

func (s *Server) status() statusResponse {
	reg := s.cfg.Registry
	st := reg.RunningState()
	out := statusResponse{
		Phase:     devserver.Stopped.String(),
		Running:   st.Running,
		Port:      st.Port,
		Clients:   reg.Len(),
		Traces:    s.cfg.Tree.TraceCount(),
		TreeNodes: s.cfg.Tree.Len(),
		Metrics:   len(s.cfg.Metrics.Current().Metrics),
	}
	if st.Running {
		out.Phase = devserver.Listening.String()
	}
	if st.LastFailure != nil {
		out.Failure = st.LastFailure.Error()
	}
	if a := reg.Active(); a != nil {
		out.Active = a.ID()
	}
	if c := s.cfg.Controller; c != nil {
		cs := c.Status()
		out.Phase = cs.Phase.String()
		if cs.Phase == devserver.Listening {
			out.Address = cs.Addr
			out.ConnectURL = "ws://" + cs.Addr + "/"
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Registry.ClientInfos())
}

// handleTraces returns the forest as JSON, or as a waterfall with
// ?format=text. Ignored spans are hidden in the text form only.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	traces := s.cfg.Tree.Traces()
	if r.URL.Query().Get("format") == "text" {
		s.writeText(w, viz.Waterfall(traces, 120, s.tree.Matcher()))
		return
	}
	if traces == nil {
		traces = []spantree.Trace{}
	}
	s.writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.cfg.Tree.Trace(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("trace %s not found", r.PathValue("id")))
		return
	}
	if r.URL.Query().Get("format") == "text" {
		s.writeText(w, viz.Waterfall([]spantree.Trace{tr}, 120, s.tree.Matcher()))
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Metrics.Current()
	if r.URL.Query().Get("format") == "text" {
		s.writeText(w, viz.MetricsTable(snap.Metrics, 40))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, viz.SessionMailboxStats(s.cfg.Registry.Active(), s.cfg.Tree))
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Commands.List())
}

// handleCommand invokes a command with the request body as its JSON
// arguments. An empty body means no arguments.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	res, err := s.cfg.Commands.Invoke(r.Context(), name, json.RawMessage(body))
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, commands.ErrInvalidArgs):
		s.writeError(w, http.StatusBadRequest, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.logger.Debug("command invoked over HTTP", slog.String("command", name))
		s.writeJSON(w, http.StatusOK, res)
	}
}

// wsControl is the client-sent control message on the WebSocket.
type wsControl struct {
	Paused bool `json:"paused"`
}

// wsUpdate is the server-sent update message on the WebSocket. Changed names
// what prompted the update so a page can refetch only that endpoint.
type wsUpdate struct {
	Changed []string       `json:"changed"`
	Status  statusResponse `json:"status"`
}

// handleWebSocket upgrades to WebSocket and pushes an update whenever the
// clients, the span tree or the metrics change.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for localhost dev
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	regCh, regStop := s.cfg.Registry.Subscribe()
	defer regStop()
	treeCh, treeStop := s.cfg.Tree.Subscribe()
	defer treeStop()
	metCh, metStop := s.cfg.Metrics.Subscribe()
	defer metStop()

	controlCh := make(chan wsControl, 4)
	go func() {
		defer close(controlCh)
		for {
			var c wsControl
			if err := wsjson.Read(ctx, conn, &c); err != nil {
				return
			}
			select {
			case controlCh <- c:
			default:
			}
		}
	}()

	var paused bool
	send := func(changed ...string) bool {
		if paused {
			return true
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, wsUpdate{Changed: changed, Status: s.status()}) == nil
	}

	if !send("clients", "traces", "metrics") {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		ok := true
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case c, open := <-controlCh:
			if !open {
				return
			}
			paused = c.Paused
		case <-regCh:
			ok = send("clients")
		case <-treeCh:
			ok = send("traces")
		case <-metCh:
			ok = send("metrics")
		case <-keepalive.C:
			ok = send()
		}
		if !ok {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON", slog.Any("error", err))
	}
}

func (s *Server) writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, text)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
