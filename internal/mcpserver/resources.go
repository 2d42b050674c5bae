package mcpserver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/devlens/internal/spantree"
	"github.com/tobert/devlens/internal/viz"
)

const (
	uriStatus  = "devlens://status"
	uriClients = "devlens://clients"
	uriTraces  = "devlens://traces"
	uriMetrics = "devlens://metrics"
	uriHealth  = "devlens://health"

	traceURIPrefix = "devlens://traces/"
)

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         uriStatus,
		Name:        "status",
		Description: "Dev server state, connect URL and OTLP endpoint.",
		MIMEType:    "text/plain",
	}, s.handleStatusResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         uriClients,
		Name:        "clients",
		Description: "Connected clients; the active one is marked with *.",
		MIMEType:    "text/plain",
	}, s.handleClientsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         uriTraces,
		Name:        "traces",
		Description: "Waterfall of the most recent traces from the active client, plus recent errors.",
		MIMEType:    "text/plain",
	}, s.handleTracesResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         uriMetrics,
		Name:        "metrics",
		Description: "Latest metrics snapshot from the active client.",
		MIMEType:    "text/plain",
	}, s.handleMetricsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         uriHealth,
		Name:        "health",
		Description: "Active client's mailbox fill levels and drop counts.",
		MIMEType:    "text/plain",
	}, s.handleHealthResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: traceURIPrefix + "{trace_id}",
		Name:        "trace-detail",
		Description: "Waterfall for one trace.",
		MIMEType:    "text/plain",
	}, s.handleTraceDetailResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleStatusResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	st := s.status()

	var b strings.Builder
	b.WriteString("Dev Server\n")
	b.WriteString("══════════\n")
	b.WriteString(viz.ServerLine(s.cfg.Registry.RunningState(), st.Phase))
	if st.ConnectURL != "" {
		fmt.Fprintf(&b, "  Connect:  %s\n", st.ConnectURL)
	}
	fmt.Fprintf(&b, "  Clients:  %d (active #%d)\n", st.Clients, st.Active)
	if st.OTLPEndpoint != "" {
		b.WriteString("\n  OTLP bridge:\n")
		fmt.Fprintf(&b, "    OTEL_EXPORTER_OTLP_ENDPOINT=%s\n", st.EnvironmentVars["OTEL_EXPORTER_OTLP_ENDPOINT"])
		b.WriteString("    OTEL_EXPORTER_OTLP_PROTOCOL=grpc\n")
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleClientsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	return textResult(req.Params.URI, viz.ClientList(s.cfg.Registry.ClientInfos())), nil
}

func (s *Server) handleTracesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	traces := s.cfg.Tree.Traces()
	if len(traces) == 0 {
		return textResult(req.Params.URI, "No traces yet.\n"), nil
	}

	var b strings.Builder
	b.WriteString(viz.RecentTraces(traces))
	if errs := viz.RecentErrors(traces); errs != "" {
		b.WriteByte('\n')
		b.WriteString(errs)
	}
	b.WriteByte('\n')
	b.WriteString(viz.Waterfall(traces, 100, s.tree.Matcher()))

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleMetricsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	snap := s.cfg.Metrics.Current()
	if len(snap.Metrics) == 0 {
		return textResult(req.Params.URI, "No metrics yet.\n"), nil
	}
	return textResult(req.Params.URI, viz.MetricsTable(snap.Metrics, 40)), nil
}

func (s *Server) handleHealthResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	return textResult(req.Params.URI, viz.MailboxHealth(viz.SessionMailboxStats(s.cfg.Registry.Active(), s.cfg.Tree))), nil
}

// ─── Template resource handlers ─────────────────────────────────────────

func (s *Server) handleTraceDetailResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	traceID, err := extractURIParam(req.Params.URI, traceURIPrefix)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	tr, ok := s.cfg.Tree.Trace(traceID)
	if !ok {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	return textResult(req.Params.URI, viz.Waterfall([]spantree.Trace{tr}, 100, s.tree.Matcher())), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     text,
		}},
	}
}
