package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/devlens/internal/commands"
	"github.com/tobert/devlens/internal/devserver"
	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
	"github.com/tobert/devlens/internal/viz"
)

// resourceDebounce bounds how often subscribed resources are announced as
// updated while telemetry streams in.
const resourceDebounce = 250 * time.Millisecond

// Config wires the MCP server to the running components.
type Config struct {
	Registry   *session.Registry
	Tree       *spantree.Tree
	Metrics    *metrics.Aggregator
	Commands   *commands.Table
	Controller *devserver.Controller // optional; adds listener phase to status
	Ignore     *hostconfig.Value[[]string]

	// OTLPEndpoint is the OTLP bridge address, empty when the bridge is off.
	OTLPEndpoint string
	Version      string
	Logger       *slog.Logger
}

// Server exposes the registry, the span tree and the metrics aggregator to an
// MCP host. Tools that change state dispatch through the command table so the
// MCP surface and the HTTP API behave identically.
type Server struct {
	mcpServer *mcp.Server
	cfg       Config
	logger    *slog.Logger
	tree      *viz.TreeProvider
}

// NewServer creates the MCP server and registers its tools and resources.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Tree == nil || cfg.Metrics == nil {
		return nil, fmt.Errorf("span tree and metrics aggregator are required")
	}
	if cfg.Commands == nil {
		return nil, fmt.Errorf("command table cannot be nil")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "mcpserver")),
		tree:   viz.NewTreeProvider(cfg.Tree, cfg.Ignore),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "devlens",
		Title:   "Live telemetry from instrumented dev processes",
		Version: cfg.Version,
	}, &mcp.ServerOptions{
		Instructions: `Live devtools telemetry bridge. Instrumented programs connect over a websocket (or export OTLP) and stream spans and metrics.

Workflow: server_status -> connect the program to connect_url -> list_clients -> get_trace_tree / get_metrics.

One client is active at a time; select_client switches it and resets the trace tree and metrics.
Resources: devlens://status, devlens://clients, devlens://traces, devlens://metrics, devlens://health.`,
		SubscribeHandler:   func(_ context.Context, _ *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(_ context.Context, _ *mcp.UnsubscribeRequest) error { return nil },
	})

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.registerResources()

	return s, nil
}

// Run serves MCP on stdio until ctx is cancelled or stdin closes. Resource
// update notifications run alongside.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.notifyUpdates(ctx)

	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the MCP server over the streamable HTTP transport. Run
// WatchResources alongside it so subscribed hosts hear about updates.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// WatchResources sends resource update notifications until ctx is done.
func (s *Server) WatchResources(ctx context.Context) error {
	s.notifyUpdates(ctx)
	return nil
}

// MCPServer returns the underlying mcp.Server for use with alternative
// transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// notifyUpdates tells subscribed hosts when the client list, the trace tree
// or the metrics change.
func (s *Server) notifyUpdates(ctx context.Context) {
	regCh, regStop := s.cfg.Registry.Subscribe()
	defer regStop()
	treeCh, treeStop := s.cfg.Tree.Subscribe()
	defer treeStop()
	metCh, metStop := s.cfg.Metrics.Subscribe()
	defer metStop()

	pending := map[string]bool{}
	timer := time.NewTimer(resourceDebounce)
	timer.Stop()
	defer timer.Stop()

	mark := func(uris ...string) {
		if len(pending) == 0 {
			timer.Reset(resourceDebounce)
		}
		for _, u := range uris {
			pending[u] = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-regCh:
			mark(uriClients, uriStatus, uriHealth)
		case <-treeCh:
			mark(uriTraces)
		case <-metCh:
			mark(uriMetrics)
		case <-timer.C:
			for uri := range pending {
				err := s.mcpServer.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: uri})
				if err != nil && ctx.Err() == nil {
					s.logger.Debug("resource update notification", slog.String("uri", uri), slog.Any("error", err))
				}
			}
			clear(pending)
		}
	}
}
