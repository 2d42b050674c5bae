package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/devlens/internal/commands"
	"github.com/tobert/devlens/internal/devserver"
	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
	"github.com/tobert/devlens/internal/viz"
)

// Tool 1: server_status

type ServerStatusInput struct{}

type ServerStatusOutput struct {
	Phase           string            `json:"phase" jsonschema:"Listener phase: stopped, starting, listening or failed"`
	Running         bool              `json:"running" jsonschema:"Desired running state"`
	Port            int               `json:"port" jsonschema:"Configured dev server port"`
	Address         string            `json:"address,omitempty" jsonschema:"Bound address while listening"`
	ConnectURL      string            `json:"connect_url,omitempty" jsonschema:"WebSocket URL instrumented programs connect to"`
	Failure         string            `json:"failure,omitempty" jsonschema:"Last listener failure, if any"`
	Clients         int               `json:"clients" jsonschema:"Number of connected clients"`
	Active          int               `json:"active" jsonschema:"Active client id, 0 for none"`
	Traces          int               `json:"traces" jsonschema:"Number of traces in the tree"`
	OTLPEndpoint    string            `json:"otlp_endpoint,omitempty" jsonschema:"OTLP gRPC endpoint for programs using a stock OpenTelemetry SDK"`
	EnvironmentVars map[string]string `json:"environment_vars,omitempty" jsonschema:"Suggested environment variables for OTLP exporters"`
}

func (s *Server) handleServerStatus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ServerStatusInput,
) (*mcp.CallToolResult, ServerStatusOutput, error) {
	return &mcp.CallToolResult{}, s.status(), nil
}

func (s *Server) status() ServerStatusOutput {
	reg := s.cfg.Registry
	st := reg.RunningState()
	out := ServerStatusOutput{
		Phase:   phase(s.cfg.Controller, st),
		Running: st.Running,
		Port:    st.Port,
		Clients: reg.Len(),
		Active:  activeID(reg),
		Traces:  s.cfg.Tree.TraceCount(),
	}
	if st.LastFailure != nil {
		out.Failure = st.LastFailure.Error()
	}
	if s.cfg.Controller != nil {
		if cs := s.cfg.Controller.Status(); cs.Phase == devserver.Listening {
			out.Address = cs.Addr
			out.ConnectURL = "ws://" + cs.Addr + "/"
		}
	}
	if ep := s.cfg.OTLPEndpoint; ep != "" {
		out.OTLPEndpoint = ep
		out.EnvironmentVars = map[string]string{
			"OTEL_EXPORTER_OTLP_ENDPOINT": "http://" + ep,
			"OTEL_EXPORTER_OTLP_PROTOCOL": "grpc",
		}
	}
	return out
}

func phase(c *devserver.Controller, st session.RunningState) string {
	if c != nil {
		return c.Status().Phase.String()
	}
	if st.Running {
		return devserver.Listening.String()
	}
	return devserver.Stopped.String()
}

func activeID(reg *session.Registry) int {
	if a := reg.Active(); a != nil {
		return a.ID()
	}
	return 0
}

// Tool 2: list_clients

type ListClientsInput struct{}

type ClientSummary struct {
	ID            int    `json:"id" jsonschema:"Client id, never reused"`
	Name          string `json:"name" jsonschema:"Remote address or bridge name"`
	Transport     string `json:"transport" jsonschema:"websocket, otlp or file"`
	ConnectedAt   string `json:"connected_at" jsonschema:"Connection time (RFC 3339)"`
	Active        bool   `json:"active" jsonschema:"Whether this is the active client"`
	Spans         uint64 `json:"spans" jsonschema:"Span records received"`
	SpanEvents    uint64 `json:"span_events" jsonschema:"Span events received"`
	Snapshots     uint64 `json:"snapshots" jsonschema:"Metrics snapshots received"`
	SpanDrops     uint64 `json:"span_drops" jsonschema:"Span records dropped by mailbox overflow"`
	SnapshotDrops uint64 `json:"snapshot_drops" jsonschema:"Snapshots superseded before they were read"`
}

type ListClientsOutput struct {
	Clients []ClientSummary `json:"clients" jsonschema:"Connected clients in id order"`
	Active  int             `json:"active" jsonschema:"Active client id, 0 for none"`
	Text    string          `json:"text" jsonschema:"Human-readable client table"`
}

func (s *Server) handleListClients(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ListClientsInput,
) (*mcp.CallToolResult, ListClientsOutput, error) {
	infos := s.cfg.Registry.ClientInfos()
	out := ListClientsOutput{
		Clients: make([]ClientSummary, 0, len(infos)),
		Active:  activeID(s.cfg.Registry),
		Text:    viz.ClientList(infos),
	}
	for _, in := range infos {
		out.Clients = append(out.Clients, clientSummary(in))
	}
	return &mcp.CallToolResult{}, out, nil
}

func clientSummary(in session.Info) ClientSummary {
	return ClientSummary{
		ID:            in.ID,
		Name:          in.Name,
		Transport:     in.Transport,
		ConnectedAt:   in.ConnectedAt.Format(time.RFC3339),
		Active:        in.Active,
		Spans:         in.Spans,
		SpanEvents:    in.SpanEvents,
		Snapshots:     in.Snapshots,
		SpanDrops:     in.SpanDrops,
		SnapshotDrops: in.SnapshotDrops,
	}
}

// Tools 3-8 dispatch through the command table.

func (s *Server) handleSelectClient(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.SelectClientArgs,
) (*mcp.CallToolResult, commands.SelectClientResult, error) {
	out, err := invoke[commands.SelectClientResult](ctx, s, commands.SelectClient, input)
	return &mcp.CallToolResult{}, out, err
}

func (s *Server) handleStartServer(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.ServerArgs,
) (*mcp.CallToolResult, commands.ServerResult, error) {
	out, err := invoke[commands.ServerResult](ctx, s, commands.StartServer, input)
	return &mcp.CallToolResult{}, out, err
}

func (s *Server) handleStopServer(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.ServerArgs,
) (*mcp.CallToolResult, commands.ServerResult, error) {
	out, err := invoke[commands.ServerResult](ctx, s, commands.StopServer, input)
	return &mcp.CallToolResult{}, out, err
}

func (s *Server) handleSetPort(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.SetPortArgs,
) (*mcp.CallToolResult, commands.ServerResult, error) {
	out, err := invoke[commands.ServerResult](ctx, s, commands.SetPort, input)
	return &mcp.CallToolResult{}, out, err
}

func (s *Server) handleResetMetrics(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.ResetArgs,
) (*mcp.CallToolResult, commands.ResetResult, error) {
	out, err := invoke[commands.ResetResult](ctx, s, commands.ResetMetrics, input)
	return &mcp.CallToolResult{}, out, err
}

func (s *Server) handleResetTracer(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input commands.ResetArgs,
) (*mcp.CallToolResult, commands.ResetResult, error) {
	out, err := invoke[commands.ResetResult](ctx, s, commands.ResetTracer, input)
	return &mcp.CallToolResult{}, out, err
}

// invoke runs a command with in as its JSON arguments.
func invoke[Out any](ctx context.Context, s *Server, name string, in any) (Out, error) {
	var zero Out
	args, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("encode %s arguments: %w", name, err)
	}
	res, err := s.cfg.Commands.Invoke(ctx, name, args)
	if err != nil {
		return zero, err
	}
	out, ok := res.(Out)
	if !ok {
		return zero, fmt.Errorf("command %s returned %T", name, res)
	}
	return out, nil
}

// Tool 9: get_trace_tree

type GetTraceTreeInput struct {
	TraceID        string `json:"trace_id,omitempty" jsonschema:"Only this trace (hex id). Omit for the most recent traces."`
	Width          int    `json:"width,omitempty" jsonschema:"Text rendering width in columns (default 100)"`
	IncludeIgnored bool   `json:"include_ignored,omitempty" jsonschema:"Show spans hidden by spanStack.ignoreList"`
}

type SpanSummary struct {
	TraceID     string         `json:"trace_id" jsonschema:"Trace ID (hex)"`
	SpanID      string         `json:"span_id" jsonschema:"Span ID (hex)"`
	ParentID    string         `json:"parent_id,omitempty" jsonschema:"Parent span ID, empty for roots"`
	Name        string         `json:"name" jsonschema:"Span operation name"`
	Depth       int            `json:"depth" jsonschema:"Nesting depth, 0 for roots"`
	Placeholder bool           `json:"placeholder,omitempty" jsonschema:"Parent referenced by a child whose own record has not arrived"`
	Ended       bool           `json:"ended" jsonschema:"False while the span is running"`
	StartTime   int64          `json:"start_time_unix_nano" jsonschema:"Start time (Unix nanoseconds)"`
	DurationMs  float64        `json:"duration_ms,omitempty" jsonschema:"Duration in milliseconds for ended spans"`
	Error       bool           `json:"error,omitempty" jsonschema:"Span recorded an error"`
	Attributes  map[string]any `json:"attributes,omitempty" jsonschema:"Span attributes, merged with event attributes"`
	Events      []string       `json:"events,omitempty" jsonschema:"Span event names in arrival order"`
}

type GetTraceTreeOutput struct {
	Traces int           `json:"traces" jsonschema:"Number of traces in the tree"`
	Spans  []SpanSummary `json:"spans" jsonschema:"Spans in display order (depth-first, newest first)"`
	Text   string        `json:"text" jsonschema:"Waterfall rendering"`
}

func (s *Server) handleGetTraceTree(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetTraceTreeInput,
) (*mcp.CallToolResult, GetTraceTreeOutput, error) {
	var traces []spantree.Trace
	if input.TraceID != "" {
		tr, ok := s.cfg.Tree.Trace(input.TraceID)
		if !ok {
			return nil, GetTraceTreeOutput{}, fmt.Errorf("trace %s not found", input.TraceID)
		}
		traces = []spantree.Trace{tr}
	} else {
		traces = s.cfg.Tree.Traces()
	}

	width := input.Width
	if width <= 0 {
		width = 100
	}
	var ignore *viz.Matcher
	if !input.IncludeIgnored {
		ignore = s.tree.Matcher()
	}

	out := GetTraceTreeOutput{
		Traces: len(traces),
		Spans:  []SpanSummary{},
		Text:   viz.Waterfall(traces, width, ignore),
	}
	for _, tr := range traces {
		for _, root := range tr.Roots {
			out.Spans = appendSpans(out.Spans, root, ignore, 0)
		}
	}
	return &mcp.CallToolResult{}, out, nil
}

// appendSpans flattens n depth-first. Ignored spans are skipped and their
// children take their depth.
func appendSpans(out []SpanSummary, n *spantree.Node, ignore *viz.Matcher, depth int) []SpanSummary {
	if !ignore.Match(n.Name) {
		sum := SpanSummary{
			TraceID:     n.TraceID,
			SpanID:      n.SpanID,
			ParentID:    n.ParentID,
			Name:        n.Name,
			Depth:       depth,
			Placeholder: n.Placeholder,
			Ended:       n.Ended,
			StartTime:   int64(n.StartTime),
			Error:       viz.IsError(n),
			Attributes:  n.Attributes,
		}
		if n.Ended {
			sum.DurationMs = float64(n.Duration()) / float64(time.Millisecond)
		}
		for _, ev := range n.Events {
			sum.Events = append(sum.Events, ev.Name)
		}
		out = append(out, sum)
		depth++
	}
	for _, c := range n.Children {
		out = appendSpans(out, c, ignore, depth)
	}
	return out
}

// Tool 10: get_metrics

type GetMetricsInput struct {
	Prefix string `json:"prefix,omitempty" jsonschema:"Only metrics whose name starts with this prefix"`
}

type MetricSummary struct {
	Name        string             `json:"name" jsonschema:"Metric name"`
	Kind        string             `json:"kind" jsonschema:"counter, gauge, histogram, summary or frequency"`
	Description string             `json:"description,omitempty" jsonschema:"Metric description"`
	Value       float64            `json:"value" jsonschema:"Counter count, gauge value, or observation count for distributions"`
	Tags        map[string]string  `json:"tags,omitempty" jsonschema:"Metric labels"`
	Percentiles map[string]float64 `json:"percentiles,omitempty" jsonschema:"Estimated p50/p95/p99 for histograms"`
	Occurrences map[string]int64   `json:"occurrences,omitempty" jsonschema:"Frequency counts"`
}

type GetMetricsOutput struct {
	Client    int             `json:"client" jsonschema:"Client the metrics came from, 0 when none"`
	UpdatedAt string          `json:"updated_at,omitempty" jsonschema:"Time of the latest snapshot (RFC 3339)"`
	Metrics   []MetricSummary `json:"metrics" jsonschema:"Metrics sorted by name"`
	Text      string          `json:"text" jsonschema:"Human-readable metrics table"`
}

func (s *Server) handleGetMetrics(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetMetricsInput,
) (*mcp.CallToolResult, GetMetricsOutput, error) {
	snap := s.cfg.Metrics.Current()

	var records []protocol.MetricRecord
	for _, r := range snap.Metrics {
		if strings.HasPrefix(r.Name, input.Prefix) {
			records = append(records, r)
		}
	}

	out := GetMetricsOutput{
		Client:  snap.Client,
		Metrics: make([]MetricSummary, 0, len(records)),
		Text:    viz.MetricsTable(records, 40),
	}
	if !snap.UpdatedAt.IsZero() {
		out.UpdatedAt = snap.UpdatedAt.Format(time.RFC3339Nano)
	}
	for _, r := range records {
		out.Metrics = append(out.Metrics, metricSummary(r))
	}
	return &mcp.CallToolResult{}, out, nil
}

func metricSummary(r protocol.MetricRecord) MetricSummary {
	m := MetricSummary{
		Name:        r.Name,
		Kind:        strings.ToLower(r.Kind.String()),
		Description: r.Description,
		Value:       r.Value(),
	}
	if len(r.Tags) > 0 {
		m.Tags = make(map[string]string, len(r.Tags))
		for _, t := range r.Tags {
			m.Tags[t.Key] = t.Value
		}
	}
	switch r.Kind {
	case protocol.KindHistogram:
		m.Percentiles = metrics.Percentiles(r.Histogram)
	case protocol.KindFrequency:
		m.Occurrences = r.Frequency.Occurrences
	}
	return m
}

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "server_status",
		Description: "🚀 START HERE: Dev server state, the websocket URL instrumented programs connect to, connected client count and the OTLP endpoint for stock OpenTelemetry SDKs.",
	}, s.handleServerStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_clients",
		Description: "List connected instrumented programs with their ids, transports and span/metric counters. The active client is the one whose spans and metrics are shown.",
	}, s.handleListClients)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "select_client",
		Description: "Make another connected client the active one. The trace tree and metrics reset and start following the new client. Unknown ids are ignored.",
	}, s.handleSelectClient)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "start_server",
		Description: "Start the dev server listener. Idempotent.",
	}, s.handleStartServer)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "stop_server",
		Description: "Stop the dev server listener and disconnect its clients. Idempotent.",
	}, s.handleStopServer)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_port",
		Description: "Move the dev server to another port. A running listener restarts on the new port once its clients have disconnected.",
	}, s.handleSetPort)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reset_metrics",
		Description: "Clear the displayed metrics. The next snapshot from the active client repopulates them.",
	}, s.handleResetMetrics)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reset_tracer",
		Description: "Drop every span from the trace tree. Spans that arrive afterwards start a fresh tree.",
	}, s.handleResetTracer)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_trace_tree",
		Description: "Reconstructed trace trees from the active client: a waterfall rendering plus every span with its depth, duration, error flag and attributes. Children arriving before parents show up under placeholder parents until the parent record lands.",
	}, s.handleGetTraceTree)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_metrics",
		Description: "The latest metrics snapshot from the active client, deduplicated by name, with histogram percentiles.",
	}, s.handleGetMetrics)

	return nil
}
