// Package otlpbridge accepts OTLP/gRPC exports and replays them into the
// session registry as a virtual client.
//
// Processes instrumented with a stock OpenTelemetry SDK cannot speak the
// devtools websocket protocol, but they can export OTLP. The bridge converts
// each export into Span, SpanEvent and MetricsSnapshot messages and feeds
// them through an in-process session, so the span tree and metrics
// aggregator treat the exporter like any other client.
package otlpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/tobert/devlens/internal/session"
)

const (
	// DefaultName is the client name the bridge registers under.
	DefaultName = "otlp:grpc"

	// DefaultIdleTimeout closes the virtual client after this long without
	// an export.
	DefaultIdleTimeout = 2 * time.Minute
)

// Config holds configuration for the bridge.
type Config struct {
	Host        string // e.g., "127.0.0.1"
	Port        int    // 0 for ephemeral port assignment
	Registry    *session.Registry
	Logger      *slog.Logger
	Name        string
	IdleTimeout time.Duration
}

// Stats counts what the bridge has accepted.
type Stats struct {
	TraceExports  uint64 `json:"trace_exports"`
	LogExports    uint64 `json:"log_exports"`
	MetricExports uint64 `json:"metric_exports"`
	Spans         uint64 `json:"spans"`
	Events        uint64 `json:"events"`
	Metrics       uint64 `json:"metrics"`
	LogsSkipped   uint64 `json:"logs_skipped"`
}

// Bridge is a single OTLP gRPC server that handles all three signal types.
type Bridge struct {
	listener   net.Listener
	grpcServer *grpc.Server
	client     *Client
	logger     *slog.Logger

	traceExports  atomic.Uint64
	logExports    atomic.Uint64
	metricExports atomic.Uint64
	spans         atomic.Uint64
	events        atomic.Uint64
	metrics       atomic.Uint64
	logsSkipped   atomic.Uint64
}

// New binds the OTLP listener. Serving starts with Run.
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "otlpbridge"))
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	b := &Bridge{
		listener:   listener,
		grpcServer: grpc.NewServer(),
		logger:     logger,
		client: NewClient(ClientConfig{
			Registry:    cfg.Registry,
			Name:        cfg.Name,
			Transport:   "otlp",
			IdleTimeout: cfg.IdleTimeout,
			Logger:      logger,
		}),
	}

	collectortrace.RegisterTraceServiceServer(b.grpcServer, &traceService{bridge: b})
	collectorlogs.RegisterLogsServiceServer(b.grpcServer, &logsService{bridge: b})
	collectormetrics.RegisterMetricsServiceServer(b.grpcServer, &metricsService{bridge: b})

	return b, nil
}

// Endpoint returns the actual listening address, e.g. "127.0.0.1:54321".
func (b *Bridge) Endpoint() string {
	return b.listener.Addr().String()
}

// Client returns the virtual client exports are delivered through.
func (b *Bridge) Client() *Client { return b.client }

// Run serves OTLP until ctx is cancelled, then stops gracefully and closes
// the virtual session.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("📡 OTLP bridge listening", slog.String("endpoint", b.Endpoint()))
		if err := b.grpcServer.Serve(b.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("otlp serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		b.grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return b.client.Run(gctx)
	})

	return g.Wait()
}

// Stats returns the bridge's counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		TraceExports:  b.traceExports.Load(),
		LogExports:    b.logExports.Load(),
		MetricExports: b.metricExports.Load(),
		Spans:         b.spans.Load(),
		Events:        b.events.Load(),
		Metrics:       b.metrics.Load(),
		LogsSkipped:   b.logsSkipped.Load(),
	}
}

type traceService struct {
	collectortrace.UnimplementedTraceServiceServer
	bridge *Bridge
}

func (t *traceService) Export(
	ctx context.Context,
	req *collectortrace.ExportTraceServiceRequest,
) (*collectortrace.ExportTraceServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	b := t.bridge
	b.traceExports.Add(1)

	msgs := ConvertSpans(req.GetResourceSpans())
	spans, events := countKinds(msgs)
	b.spans.Add(spans)
	b.events.Add(events)

	if err := b.client.DeliverSpans(ctx, msgs); err != nil {
		return nil, fmt.Errorf("failed to deliver spans: %w", err)
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

type logsService struct {
	collectorlogs.UnimplementedLogsServiceServer
	bridge *Bridge
}

func (l *logsService) Export(
	ctx context.Context,
	req *collectorlogs.ExportLogsServiceRequest,
) (*collectorlogs.ExportLogsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	b := l.bridge
	b.logExports.Add(1)

	events, skipped := ConvertLogs(req.GetResourceLogs())
	b.events.Add(uint64(len(events)))
	if skipped > 0 {
		b.logsSkipped.Add(uint64(skipped))
		b.logger.Debug("dropped logs without span context", slog.Int("count", skipped))
	}

	if err := b.client.DeliverSpans(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to deliver log events: %w", err)
	}
	return &collectorlogs.ExportLogsServiceResponse{}, nil
}

type metricsService struct {
	collectormetrics.UnimplementedMetricsServiceServer
	bridge *Bridge
}

func (m *metricsService) Export(
	ctx context.Context,
	req *collectormetrics.ExportMetricsServiceRequest,
) (*collectormetrics.ExportMetricsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	b := m.bridge
	b.metricExports.Add(1)

	recs := ConvertMetrics(req.GetResourceMetrics())
	b.metrics.Add(uint64(len(recs)))

	if err := b.client.DeliverMetrics(ctx, recs); err != nil {
		return nil, fmt.Errorf("failed to deliver metrics: %w", err)
	}
	return &collectormetrics.ExportMetricsServiceResponse{}, nil
}
