package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/transport"
)

const demoService = "demo-web-service"

// latencyBounds are the demo latency histogram's bucket upper bounds in ms.
var latencyBounds = []float64{5, 10, 25, 50, 100, 250}

// EmitCommand returns the 'emit' subcommand: a demo instrumented program that
// streams synthetic request traces and answers metrics requests.
func EmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "Send synthetic traces and metrics to a running devlens",
		Description: `Acts as an instrumented web service. Each simulated request produces a
root span with a database query and a template render beneath it; one in ten
fails. By default the program connects to the dev server over a websocket
and answers metrics requests. With --otlp it exports over OTLP gRPC instead.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Dev server websocket URL",
				Value: "ws://127.0.0.1:34437/",
			},
			&cli.StringFlag{
				Name:  "otlp",
				Usage: "Export to this OTLP gRPC endpoint instead of the dev server",
			},
			&cli.IntFlag{
				Name:  "requests",
				Usage: "Number of requests to simulate (0 runs until interrupted)",
				Value: 10,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Pause between requests",
				Value: 500 * time.Millisecond,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
		},
		Action: runEmit,
	}
}

func runEmit(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stderr, cmd.Bool("verbose"))

	w := newWorkload()
	var sink emitSink
	if ep := cmd.String("otlp"); ep != "" {
		s, err := newOTLPSink(ep)
		if err != nil {
			return err
		}
		sink = s
		logger.Info("📡 exporting over OTLP", slog.String("endpoint", ep))
	} else {
		s, err := newDevServerSink(ctx, cmd.String("url"), w, logger)
		if err != nil {
			return err
		}
		sink = s
		logger.Info("🔌 connected to dev server", slog.String("url", cmd.String("url")))
	}
	defer sink.Close()

	n := cmd.Int("requests")
	interval := cmd.Duration("interval")
	for i := 0; n == 0 || i < n; i++ {
		spans := w.request()
		if err := sink.Spans(ctx, spans); err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		if err := sink.Metrics(ctx, w.snapshot()); err != nil {
			return fmt.Errorf("request %d metrics: %w", i+1, err)
		}
		logger.Debug("sent request", slog.Int("n", i+1), slog.String("trace_id", spans[0].traceID))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	logger.Info("✅ done", slog.Int("requests", n))
	return nil
}

// demoSpan is one synthetic span. Children come after their parents.
type demoSpan struct {
	traceID, spanID, parentID string
	name                      string
	kind                      tracepb.Span_SpanKind
	start, end                time.Time
	attrs                     map[string]any
	failed                    bool
}

// workload simulates a small web service and keeps its metrics.
type workload struct {
	mu       sync.Mutex
	rng      *mrand.Rand
	requests float64
	errors   float64
	latency  protocol.HistogramState
	routes   map[string]int64
}

func newWorkload() *workload {
	w := &workload{
		rng:    mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		routes: map[string]int64{},
	}
	for _, b := range latencyBounds {
		w.latency.Buckets = append(w.latency.Buckets, protocol.Bucket{Boundary: b})
	}
	return w
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// request simulates one request and returns its spans.
func (w *workload) request() []demoSpan {
	w.mu.Lock()
	defer w.mu.Unlock()

	routes := []string{"/api/users", "/api/orders", "/health"}
	route := routes[w.rng.IntN(len(routes))]
	failed := w.rng.IntN(10) == 0
	dbTime := time.Duration(2+w.rng.IntN(80)) * time.Millisecond
	renderTime := time.Duration(1+w.rng.IntN(20)) * time.Millisecond

	traceID := randomHex(16)
	start := time.Now()
	root := demoSpan{
		traceID: traceID,
		spanID:  randomHex(8),
		name:    "GET " + route,
		kind:    tracepb.Span_SPAN_KIND_SERVER,
		start:   start,
		end:     start.Add(dbTime + renderTime + time.Millisecond),
		attrs:   map[string]any{"http.method": "GET", "http.route": route, "service.name": demoService},
	}
	db := demoSpan{
		traceID:  traceID,
		spanID:   randomHex(8),
		parentID: root.spanID,
		name:     "db.query",
		kind:     tracepb.Span_SPAN_KIND_CLIENT,
		start:    start.Add(500 * time.Microsecond),
		end:      start.Add(500*time.Microsecond + dbTime),
		attrs:    map[string]any{"db.system": "postgresql", "db.statement": "SELECT * FROM users WHERE id = $1"},
	}
	render := demoSpan{
		traceID:  traceID,
		spanID:   randomHex(8),
		parentID: root.spanID,
		name:     "template.render",
		kind:     tracepb.Span_SPAN_KIND_INTERNAL,
		start:    db.end,
		end:      db.end.Add(renderTime),
	}
	if failed {
		db.failed = true
		root.failed = true
		root.attrs["http.status_code"] = int64(500)
	} else {
		root.attrs["http.status_code"] = int64(200)
	}

	w.requests++
	if failed {
		w.errors++
	}
	w.routes[route]++
	w.observe(float64(root.end.Sub(root.start)) / float64(time.Millisecond))

	return []demoSpan{root, db, render}
}

func (w *workload) observe(ms float64) {
	h := &w.latency
	if h.Count == 0 || ms < h.Min {
		h.Min = ms
	}
	h.Max = max(h.Max, ms)
	h.Count++
	h.Sum += ms
	for i := range h.Buckets {
		if ms <= h.Buckets[i].Boundary {
			h.Buckets[i].Count++
		}
	}
}

// snapshot returns the current metrics.
func (w *workload) snapshot() []protocol.MetricRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	latency := w.latency
	latency.Buckets = slices.Clone(w.latency.Buckets)
	routes := make(map[string]int64, len(w.routes))
	for k, v := range w.routes {
		routes[k] = v
	}
	return []protocol.MetricRecord{
		{Name: "http.requests", Description: "Requests served", Kind: protocol.KindCounter,
			Counter: &protocol.CounterState{Count: w.requests}},
		{Name: "http.errors", Description: "Requests that failed", Kind: protocol.KindCounter,
			Counter: &protocol.CounterState{Count: w.errors}},
		{Name: "http.latency_ms", Description: "Request latency", Kind: protocol.KindHistogram,
			Histogram: &latency},
		{Name: "http.routes", Description: "Requests by route", Kind: protocol.KindFrequency,
			Frequency: &protocol.FrequencyState{Occurrences: routes}},
		{Name: "runtime.goroutines", Kind: protocol.KindGauge,
			Gauge: &protocol.GaugeState{Value: float64(runtime.NumGoroutine())}},
	}
}

type emitSink interface {
	Spans(ctx context.Context, spans []demoSpan) error
	Metrics(ctx context.Context, recs []protocol.MetricRecord) error
	Close() error
}

// devServerSink speaks the websocket protocol like an instrumented program.
type devServerSink struct {
	conn   *transport.Conn
	w      *workload
	logger *slog.Logger
	done   chan struct{}
}

func newDevServerSink(ctx context.Context, url string, w *workload, logger *slog.Logger) (*devServerSink, error) {
	conn, err := transport.Dial(ctx, url, transport.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	s := &devServerSink{conn: conn, w: w, logger: logger, done: make(chan struct{})}
	go s.answer(ctx)
	return s, nil
}

// answer replies to metrics requests and pings until the connection ends.
func (s *devServerSink) answer(ctx context.Context) {
	defer close(s.done)
	for msg := range s.conn.Inbound() {
		var reply protocol.Message
		switch msg.(type) {
		case protocol.MetricsRequest:
			reply = &protocol.MetricsSnapshot{Metrics: s.w.snapshot()}
		case protocol.Ping:
			reply = protocol.Pong{}
		default:
			continue
		}
		if err := s.conn.Send(ctx, reply); err != nil {
			if !errors.Is(err, transport.ErrConnectionClosed) {
				s.logger.Warn("reply failed", slog.Any("error", err))
			}
			return
		}
	}
}

// Spans sends each span when it starts and again when it ends, children
// ending before their parents as a real process would report them.
func (s *devServerSink) Spans(ctx context.Context, spans []demoSpan) error {
	for _, sp := range spans {
		if err := s.conn.Send(ctx, protocolSpan(sp, false)); err != nil {
			return err
		}
	}
	if len(spans) > 0 {
		root := spans[0]
		if err := s.conn.Send(ctx, &protocol.SpanEvent{
			SpanID: root.spanID, TraceID: root.traceID, Name: "request.received",
			StartTime:  protocol.Nanos(root.start.UnixNano()),
			Attributes: map[string]any{"net.peer.ip": "127.0.0.1"},
		}); err != nil {
			return err
		}
	}
	for i := len(spans) - 1; i >= 0; i-- {
		if err := s.conn.Send(ctx, protocolSpan(spans[i], true)); err != nil {
			return err
		}
	}
	return nil
}

func protocolSpan(sp demoSpan, ended bool) *protocol.Span {
	out := &protocol.Span{
		SpanID: sp.spanID, TraceID: sp.traceID, Name: sp.name, Sampled: true,
		Attributes: sp.attrs,
		Status:     &protocol.SpanStatus{StartTime: protocol.Nanos(sp.start.UnixNano())},
	}
	if ended {
		out.Status.Ended = true
		out.Status.EndTime = protocol.Nanos(sp.end.UnixNano())
		if sp.failed {
			attrs := make(map[string]any, len(sp.attrs)+1)
			for k, v := range sp.attrs {
				attrs[k] = v
			}
			attrs["otel.status_code"] = "ERROR"
			out.Attributes = attrs
		}
	}
	if sp.parentID != "" {
		out.Parent = &protocol.ParentRef{SpanID: sp.parentID, TraceID: sp.traceID, Sampled: true}
	}
	return out
}

// Metrics is a no-op: the dev server pulls snapshots with MetricsRequest.
func (s *devServerSink) Metrics(context.Context, []protocol.MetricRecord) error { return nil }

func (s *devServerSink) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

// otlpSink exports over OTLP gRPC like a stock OpenTelemetry SDK.
type otlpSink struct {
	conn    *grpc.ClientConn
	traces  collectortrace.TraceServiceClient
	metrics collectormetrics.MetricsServiceClient
	start   time.Time
}

func newOTLPSink(endpoint string) (*otlpSink, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	return &otlpSink{
		conn:    conn,
		traces:  collectortrace.NewTraceServiceClient(conn),
		metrics: collectormetrics.NewMetricsServiceClient(conn),
		start:   time.Now(),
	}, nil
}

func (s *otlpSink) resource() *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kv("service.name", demoService)}}
}

func (s *otlpSink) Spans(ctx context.Context, spans []demoSpan) error {
	out := make([]*tracepb.Span, 0, len(spans))
	for _, sp := range spans {
		traceID, _ := hex.DecodeString(sp.traceID)
		spanID, _ := hex.DecodeString(sp.spanID)
		pb := &tracepb.Span{
			TraceId:           traceID,
			SpanId:            spanID,
			Name:              sp.name,
			Kind:              sp.kind,
			Flags:             0x01,
			StartTimeUnixNano: uint64(sp.start.UnixNano()),
			EndTimeUnixNano:   uint64(sp.end.UnixNano()),
			Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
		}
		if sp.parentID != "" {
			pb.ParentSpanId, _ = hex.DecodeString(sp.parentID)
		}
		if sp.failed {
			pb.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "query timed out"}
		}
		for k, v := range sp.attrs {
			if k == "service.name" {
				continue
			}
			pb.Attributes = append(pb.Attributes, kv(k, v))
		}
		out = append(out, pb)
	}

	_, err := s.traces.Export(ctx, &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:   s.resource(),
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: out}},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to export traces: %w", err)
	}
	return nil
}

func (s *otlpSink) Metrics(ctx context.Context, recs []protocol.MetricRecord) error {
	now := uint64(time.Now().UnixNano())
	start := uint64(s.start.UnixNano())

	var out []*metricspb.Metric
	for _, r := range recs {
		m := &metricspb.Metric{Name: r.Name, Description: r.Description}
		switch r.Kind {
		case protocol.KindCounter:
			m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
				IsMonotonic:            true,
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints: []*metricspb.NumberDataPoint{{
					StartTimeUnixNano: start, TimeUnixNano: now,
					Value: &metricspb.NumberDataPoint_AsDouble{AsDouble: r.Counter.Count},
				}},
			}}
		case protocol.KindGauge:
			m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{{
					TimeUnixNano: now,
					Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: r.Gauge.Value},
				}},
			}}
		case protocol.KindHistogram:
			h := r.Histogram
			dp := &metricspb.HistogramDataPoint{
				StartTimeUnixNano: start, TimeUnixNano: now,
				Count: uint64(h.Count), Sum: &h.Sum, Min: &h.Min, Max: &h.Max,
			}
			// OTLP buckets are per-bucket counts plus an overflow bucket.
			var prev int64
			for _, b := range h.Buckets {
				dp.ExplicitBounds = append(dp.ExplicitBounds, b.Boundary)
				dp.BucketCounts = append(dp.BucketCounts, uint64(b.Count-prev))
				prev = b.Count
			}
			dp.BucketCounts = append(dp.BucketCounts, uint64(h.Count-prev))
			m.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints:             []*metricspb.HistogramDataPoint{dp},
			}}
		default:
			continue
		}
		out = append(out, m)
	}

	_, err := s.metrics.Export(ctx, &collectormetrics.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource:     s.resource(),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: out}},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to export metrics: %w", err)
	}
	return nil
}

func (s *otlpSink) Close() error { return s.conn.Close() }

func kv(key string, v any) *commonpb.KeyValue {
	var av *commonpb.AnyValue
	switch x := v.(type) {
	case string:
		av = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x}}
	case int64:
		av = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: x}}
	case float64:
		av = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: x}}
	case bool:
		av = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: x}}
	default:
		av = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(x)}}
	}
	return &commonpb.KeyValue{Key: key, Value: av}
}
