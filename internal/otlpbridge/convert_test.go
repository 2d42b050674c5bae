package otlpbridge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/devlens/internal/protocol"
)

var (
	testTraceID  = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	testSpanID   = []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	testParentID = []byte{0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28}
)

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func resourceSpans(spans ...*tracepb.Span) []*tracepb.ResourceSpans {
	return []*tracepb.ResourceSpans{{
		Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "test-service")}},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "test-scope"},
			Spans: spans,
		}},
	}}
}

func TestConvertSpans(t *testing.T) {
	msgs := ConvertSpans(resourceSpans(&tracepb.Span{
		TraceId:           testTraceID,
		SpanId:            testSpanID,
		ParentSpanId:      testParentID,
		Name:              "GET /users",
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: 1000,
		EndTimeUnixNano:   5000,
		Attributes:        []*commonpb.KeyValue{intAttr("http.status_code", 500)},
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "boom"},
		Events: []*tracepb.Span_Event{
			{Name: "retry", TimeUnixNano: 2000, Attributes: []*commonpb.KeyValue{intAttr("attempt", 2)}},
		},
	}))

	if len(msgs) != 2 {
		t.Fatalf("expected span + event, got %d messages", len(msgs))
	}

	want := &protocol.Span{
		SpanID:  "1112131415161718",
		TraceID: "0102030405060708090a0b0c0d0e0f10",
		Name:    "GET /users",
		Sampled: true,
		Attributes: map[string]any{
			"http.status_code":        int64(500),
			"service.name":            "test-service",
			"otel.scope.name":         "test-scope",
			"span.kind":               "server",
			"otel.status_code":        "ERROR",
			"otel.status_description": "boom",
		},
		Status: &protocol.SpanStatus{Ended: true, StartTime: 1000, EndTime: 5000},
		Parent: &protocol.ParentRef{SpanID: "2122232425262728", TraceID: "0102030405060708090a0b0c0d0e0f10", Sampled: true},
	}
	if diff := cmp.Diff(want, msgs[0]); diff != "" {
		t.Errorf("span mismatch (-want +got):\n%s", diff)
	}

	ev, ok := msgs[1].(*protocol.SpanEvent)
	if !ok {
		t.Fatalf("expected SpanEvent, got %T", msgs[1])
	}
	if ev.SpanID != want.SpanID || ev.Name != "retry" || ev.StartTime != 2000 || ev.Attributes["attempt"] != int64(2) {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestConvertSpansRoot(t *testing.T) {
	msgs := ConvertSpans(resourceSpans(&tracepb.Span{
		TraceId: testTraceID, SpanId: testSpanID, Name: "root", StartTimeUnixNano: 10, EndTimeUnixNano: 5,
	}))
	s := msgs[0].(*protocol.Span)
	if s.Parent != nil {
		t.Errorf("root span should have no parent, got %+v", s.Parent)
	}
	if s.Status.EndTime != s.Status.StartTime {
		t.Errorf("end before start should clamp to start, got %+v", s.Status)
	}
}

func TestConvertSpansSampledFlag(t *testing.T) {
	tests := []struct {
		flags uint32
		want  bool
	}{
		{0, true},
		{0x01, true},
		{0x100, false},
		{0x101, true},
	}
	for _, tt := range tests {
		msgs := ConvertSpans(resourceSpans(&tracepb.Span{TraceId: testTraceID, SpanId: testSpanID, Flags: tt.flags}))
		if got := msgs[0].(*protocol.Span).Sampled; got != tt.want {
			t.Errorf("flags %#x: sampled = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestConvertLogs(t *testing.T) {
	events, skipped := ConvertLogs([]*logspb.ResourceLogs{{
		ScopeLogs: []*logspb.ScopeLogs{{
			LogRecords: []*logspb.LogRecord{
				{
					TraceId:      testTraceID,
					SpanId:       testSpanID,
					TimeUnixNano: 42,
					SeverityText: "WARN",
					Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "cache miss"}},
				},
				{ObservedTimeUnixNano: 43, Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "orphan"}}},
			},
		}},
	}})

	if skipped != 1 {
		t.Errorf("expected 1 skipped log, got %d", skipped)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0].(*protocol.SpanEvent)
	if ev.Name != "cache miss" || ev.StartTime != 42 || ev.Attributes["log.severity"] != "WARN" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func metricsRequest(ms ...*metricspb.Metric) []*metricspb.ResourceMetrics {
	return []*metricspb.ResourceMetrics{{ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: ms}}}}
}

func TestConvertMetrics(t *testing.T) {
	recs := ConvertMetrics(metricsRequest(
		&metricspb.Metric{Name: "requests", Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic: true,
			DataPoints:  []*metricspb.NumberDataPoint{{Value: &metricspb.NumberDataPoint_AsInt{AsInt: 12}}},
		}}},
		&metricspb.Metric{Name: "inflight", Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			DataPoints: []*metricspb.NumberDataPoint{{Value: &metricspb.NumberDataPoint_AsInt{AsInt: -3}}},
		}}},
		&metricspb.Metric{Name: "heap", Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{
				{Attributes: []*commonpb.KeyValue{strAttr("pool", "old")}, Value: &metricspb.NumberDataPoint_AsDouble{AsDouble: 1.5}},
				{Attributes: []*commonpb.KeyValue{strAttr("pool", "young")}, Value: &metricspb.NumberDataPoint_AsDouble{AsDouble: 0.5}},
			},
		}}},
		&metricspb.Metric{Name: "latency", Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			DataPoints: []*metricspb.HistogramDataPoint{{
				Count: 6, Sum: ptr(60.0), Min: ptr(1.0), Max: ptr(30.0),
				ExplicitBounds: []float64{10, 20},
				BucketCounts:   []uint64{2, 3, 1},
			}},
		}}},
		&metricspb.Metric{Name: "gc", Data: &metricspb.Metric_Summary{Summary: &metricspb.Summary{
			DataPoints: []*metricspb.SummaryDataPoint{{
				Count: 4, Sum: 8,
				QuantileValues: []*metricspb.SummaryDataPoint_ValueAtQuantile{{Quantile: 0, Value: 1}, {Quantile: 0.5, Value: 2}, {Quantile: 1, Value: 3}},
			}},
		}}},
	))

	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	wantNames := []string{"requests", "inflight", "heap{pool=old}", "heap{pool=young}", "latency", "gc"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	if recs[0].Kind != protocol.KindCounter || recs[0].Counter.Count != 12 {
		t.Errorf("monotonic sum should be a counter, got %+v", recs[0])
	}
	if recs[1].Kind != protocol.KindGauge || recs[1].Gauge.Value != -3 {
		t.Errorf("non-monotonic sum should be a gauge, got %+v", recs[1])
	}

	h := recs[4].Histogram
	wantBuckets := []protocol.Bucket{{Boundary: 10, Count: 2}, {Boundary: 20, Count: 5}}
	if diff := cmp.Diff(wantBuckets, h.Buckets); diff != "" {
		t.Errorf("buckets should be cumulative (-want +got):\n%s", diff)
	}
	if h.Count != 6 || h.Max != 30 {
		t.Errorf("unexpected histogram %+v", h)
	}

	s := recs[5].Summary
	if s.Min != 1 || s.Max != 3 || len(s.Quantiles) != 3 || *s.Quantiles[1].Value != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestExponentialHistogram(t *testing.T) {
	h := exponentialHistogram(&metricspb.ExponentialHistogramDataPoint{
		Count:     7,
		Scale:     0,
		ZeroCount: 1,
		Positive: &metricspb.ExponentialHistogramDataPoint_Buckets{
			Offset:       0,
			BucketCounts: []uint64{1, 2, 3},
		},
	})

	want := []protocol.Bucket{
		{Boundary: 0, Count: 1},
		{Boundary: 2, Count: 2},
		{Boundary: 4, Count: 4},
		{Boundary: 8, Count: 7},
	}
	if diff := cmp.Diff(want, h.Buckets); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}
}

func ptr[T any](v T) *T { return &v }
