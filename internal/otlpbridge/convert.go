package otlpbridge

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/devlens/internal/protocol"
)

// Attribute keys added during conversion.
const (
	attrServiceName       = "service.name"
	attrStatusCode        = "otel.status_code"
	attrStatusDescription = "otel.status_description"
	attrSpanKind          = "span.kind"
	attrScopeName         = "otel.scope.name"
	attrLogSeverity       = "log.severity"
	attrLogBody           = "log.body"
)

// w3cSampled is the sampled bit of the W3C trace flags carried in the low
// byte of Span.Flags. Exporters that leave Flags zero are treated as sampled.
const w3cSampled = 0x01

// ConvertSpans flattens OTLP spans into Span records, each followed by a
// SpanEvent per span event. OTLP only ever carries finished spans, so every
// span converts as Ended. Parents are referenced by id.
func ConvertSpans(resourceSpans []*tracepb.ResourceSpans) []protocol.Message {
	var out []protocol.Message
	for _, rs := range resourceSpans {
		service := serviceName(rs.GetResource())
		for _, ss := range rs.GetScopeSpans() {
			scope := ss.GetScope().GetName()
			for _, s := range ss.GetSpans() {
				out = append(out, convertSpan(s, service, scope))
				for _, ev := range s.GetEvents() {
					out = append(out, &protocol.SpanEvent{
						SpanID:     hex.EncodeToString(s.GetSpanId()),
						TraceID:    hex.EncodeToString(s.GetTraceId()),
						Name:       ev.GetName(),
						StartTime:  protocol.Nanos(ev.GetTimeUnixNano()),
						Attributes: attributes(ev.GetAttributes()),
					})
				}
			}
		}
	}
	return out
}

func convertSpan(s *tracepb.Span, service, scope string) *protocol.Span {
	traceID := hex.EncodeToString(s.GetTraceId())
	attrs := attributes(s.GetAttributes())
	if attrs == nil {
		attrs = make(map[string]any, 4)
	}
	if service != "" {
		attrs[attrServiceName] = service
	}
	if scope != "" {
		attrs[attrScopeName] = scope
	}
	if k := s.GetKind(); k != tracepb.Span_SPAN_KIND_UNSPECIFIED {
		attrs[attrSpanKind] = strings.ToLower(strings.TrimPrefix(k.String(), "SPAN_KIND_"))
	}
	if st := s.GetStatus(); st.GetCode() != tracepb.Status_STATUS_CODE_UNSET {
		attrs[attrStatusCode] = strings.TrimPrefix(st.GetCode().String(), "STATUS_CODE_")
		if st.GetMessage() != "" {
			attrs[attrStatusDescription] = st.GetMessage()
		}
	}

	start := protocol.Nanos(s.GetStartTimeUnixNano())
	end := protocol.Nanos(max(s.GetEndTimeUnixNano(), s.GetStartTimeUnixNano()))

	span := &protocol.Span{
		SpanID:     hex.EncodeToString(s.GetSpanId()),
		TraceID:    traceID,
		Name:       s.GetName(),
		Sampled:    s.GetFlags() == 0 || s.GetFlags()&w3cSampled != 0,
		Attributes: attrs,
		Status:     &protocol.SpanStatus{Ended: true, StartTime: start, EndTime: end},
	}
	if len(s.GetParentSpanId()) > 0 {
		span.Parent = &protocol.ParentRef{
			SpanID:  hex.EncodeToString(s.GetParentSpanId()),
			TraceID: traceID,
			Sampled: span.Sampled,
		}
	}
	return span
}

func countKinds(msgs []protocol.Message) (spans, events uint64) {
	for _, m := range msgs {
		switch m.(type) {
		case *protocol.Span:
			spans++
		case *protocol.SpanEvent:
			events++
		}
	}
	return spans, events
}

// ConvertLogs turns log records correlated with a span into SpanEvents on
// that span. Records without a span id have nowhere to go in a span tree and
// are counted as skipped.
func ConvertLogs(resourceLogs []*logspb.ResourceLogs) (events []protocol.Message, skipped int) {
	for _, rl := range resourceLogs {
		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				if len(lr.GetSpanId()) == 0 || len(lr.GetTraceId()) == 0 {
					skipped++
					continue
				}
				attrs := attributes(lr.GetAttributes())
				if attrs == nil {
					attrs = make(map[string]any, 2)
				}
				if sev := lr.GetSeverityText(); sev != "" {
					attrs[attrLogSeverity] = sev
				}
				body := anyValue(lr.GetBody())
				if body != nil {
					attrs[attrLogBody] = body
				}

				ts := lr.GetTimeUnixNano()
				if ts == 0 {
					ts = lr.GetObservedTimeUnixNano()
				}
				name := "log"
				if s, ok := body.(string); ok && s != "" {
					name = s
				}
				events = append(events, &protocol.SpanEvent{
					SpanID:     hex.EncodeToString(lr.GetSpanId()),
					TraceID:    hex.EncodeToString(lr.GetTraceId()),
					Name:       name,
					StartTime:  protocol.Nanos(ts),
					Attributes: attrs,
				})
			}
		}
	}
	return events, skipped
}

// ConvertMetrics turns OTLP metrics into metric records. A metric with a
// single data point keeps its name; one with several data points yields a
// record per point named "name{k=v,...}" so points survive deduplication by
// name. Monotonic sums become counters, other sums and gauges become gauges.
func ConvertMetrics(resourceMetrics []*metricspb.ResourceMetrics) []protocol.MetricRecord {
	var out []protocol.MetricRecord
	for _, rm := range resourceMetrics {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				out = append(out, convertMetric(m)...)
			}
		}
	}
	return out
}

type point struct {
	attrs []*commonpb.KeyValue
	rec   protocol.MetricRecord
}

func convertMetric(m *metricspb.Metric) []protocol.MetricRecord {
	var points []point
	switch data := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.GetDataPoints() {
			points = append(points, point{dp.GetAttributes(), protocol.MetricRecord{
				Kind: protocol.KindGauge, Gauge: &protocol.GaugeState{Value: numberValue(dp)},
			}})
		}
	case *metricspb.Metric_Sum:
		for _, dp := range data.Sum.GetDataPoints() {
			rec := protocol.MetricRecord{Kind: protocol.KindGauge, Gauge: &protocol.GaugeState{Value: numberValue(dp)}}
			if data.Sum.GetIsMonotonic() {
				rec = protocol.MetricRecord{Kind: protocol.KindCounter, Counter: &protocol.CounterState{Count: numberValue(dp)}}
			}
			points = append(points, point{dp.GetAttributes(), rec})
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.GetDataPoints() {
			points = append(points, point{dp.GetAttributes(), protocol.MetricRecord{
				Kind: protocol.KindHistogram, Histogram: explicitHistogram(dp),
			}})
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range data.ExponentialHistogram.GetDataPoints() {
			points = append(points, point{dp.GetAttributes(), protocol.MetricRecord{
				Kind: protocol.KindHistogram, Histogram: exponentialHistogram(dp),
			}})
		}
	case *metricspb.Metric_Summary:
		for _, dp := range data.Summary.GetDataPoints() {
			points = append(points, point{dp.GetAttributes(), protocol.MetricRecord{
				Kind: protocol.KindSummary, Summary: summary(dp),
			}})
		}
	}

	out := make([]protocol.MetricRecord, 0, len(points))
	for _, p := range points {
		rec := p.rec
		rec.Name = m.GetName()
		rec.Description = m.GetDescription()
		rec.Tags = tags(p.attrs)
		if len(points) > 1 && len(rec.Tags) > 0 {
			rec.Name = fmt.Sprintf("%s{%s}", rec.Name, joinTags(rec.Tags))
		}
		out = append(out, rec)
	}
	return out
}

func numberValue(dp *metricspb.NumberDataPoint) float64 {
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	}
	return 0
}

// explicitHistogram turns per-bucket counts into cumulative buckets. The
// overflow bucket above the last bound has no finite boundary; its
// observations only show in Count.
func explicitHistogram(dp *metricspb.HistogramDataPoint) *protocol.HistogramState {
	h := &protocol.HistogramState{
		Count: int64(dp.GetCount()),
		Sum:   dp.GetSum(),
		Min:   dp.GetMin(),
		Max:   dp.GetMax(),
	}
	counts := dp.GetBucketCounts()
	var cumulative int64
	for i, bound := range dp.GetExplicitBounds() {
		if i < len(counts) {
			cumulative += int64(counts[i])
		}
		h.Buckets = append(h.Buckets, protocol.Bucket{Boundary: bound, Count: cumulative})
	}
	return h
}

// exponentialHistogram lays exponential buckets out as cumulative explicit
// ones. Bucket index i covers (base^i, base^(i+1)] with base = 2^(2^-scale).
func exponentialHistogram(dp *metricspb.ExponentialHistogramDataPoint) *protocol.HistogramState {
	h := &protocol.HistogramState{
		Count: int64(dp.GetCount()),
		Sum:   dp.GetSum(),
		Min:   dp.GetMin(),
		Max:   dp.GetMax(),
	}
	base := math.Pow(2, math.Pow(2, float64(-dp.GetScale())))

	type bucket struct {
		upper float64
		count uint64
	}
	var buckets []bucket
	if neg := dp.GetNegative(); neg != nil {
		for i, c := range neg.GetBucketCounts() {
			idx := neg.GetOffset() + int32(i)
			buckets = append(buckets, bucket{-math.Pow(base, float64(idx)), c})
		}
	}
	if dp.GetZeroCount() > 0 {
		buckets = append(buckets, bucket{dp.GetZeroThreshold(), dp.GetZeroCount()})
	}
	if pos := dp.GetPositive(); pos != nil {
		for i, c := range pos.GetBucketCounts() {
			idx := pos.GetOffset() + int32(i)
			buckets = append(buckets, bucket{math.Pow(base, float64(idx+1)), c})
		}
	}
	slices.SortStableFunc(buckets, func(a, b bucket) int { return cmp.Compare(a.upper, b.upper) })

	var cumulative int64
	for _, b := range buckets {
		if math.IsInf(b.upper, 0) || math.IsNaN(b.upper) {
			continue
		}
		cumulative += int64(b.count)
		h.Buckets = append(h.Buckets, protocol.Bucket{Boundary: b.upper, Count: cumulative})
	}
	return h
}

func summary(dp *metricspb.SummaryDataPoint) *protocol.SummaryState {
	s := &protocol.SummaryState{Count: int64(dp.GetCount()), Sum: dp.GetSum()}
	for _, q := range dp.GetQuantileValues() {
		v := q.GetValue()
		s.Quantiles = append(s.Quantiles, protocol.Quantile{Quantile: q.GetQuantile(), Value: &v})
		switch q.GetQuantile() {
		case 0:
			s.Min = v
		case 1:
			s.Max = v
		}
	}
	return s
}

func tags(kvs []*commonpb.KeyValue) []protocol.MetricTag {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]protocol.MetricTag, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, protocol.MetricTag{Key: kv.GetKey(), Value: fmt.Sprint(anyValue(kv.GetValue()))})
	}
	slices.SortStableFunc(out, func(a, b protocol.MetricTag) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

func joinTags(ts []protocol.MetricTag) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.Key + "=" + t.Value
	}
	return strings.Join(parts, ",")
}

func serviceName(r *resourcepb.Resource) string {
	for _, kv := range r.GetAttributes() {
		if kv.GetKey() == attrServiceName {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}

func attributes(kvs []*commonpb.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValue(kv.GetValue())
	}
	return out
}

// anyValue converts an OTLP attribute value to a plain Go value.
func anyValue(value *commonpb.AnyValue) any {
	if value == nil {
		return nil
	}

	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_IntValue:
		return v.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return v.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return v.BoolValue
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(v.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		result := make([]any, len(v.ArrayValue.GetValues()))
		for i, val := range v.ArrayValue.GetValues() {
			result[i] = anyValue(val)
		}
		return result
	case *commonpb.AnyValue_KvlistValue:
		result := make(map[string]any, len(v.KvlistValue.GetValues()))
		for _, kv := range v.KvlistValue.GetValues() {
			result[kv.GetKey()] = anyValue(kv.GetValue())
		}
		return result
	default:
		return nil
	}
}
