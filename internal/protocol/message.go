// Package protocol defines the messages exchanged between devlens and an
// instrumented process.
//
// Every message is a JSON object discriminated by its "_tag" field. The set of
// tags understood here is closed (Span, SpanEvent, MetricsSnapshot,
// MetricsRequest, Ping, Pong) but the envelope is open: tags this package does
// not know are reported as ErrUnknownTag so callers can skip them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Tag identifies the variant of a message.
type Tag string

const (
	TagSpan            Tag = "Span"
	TagSpanEvent       Tag = "SpanEvent"
	TagMetricsSnapshot Tag = "MetricsSnapshot"
	TagMetricsRequest  Tag = "MetricsRequest"
	TagPing            Tag = "Ping"
	TagPong            Tag = "Pong"
)

// Message is one decoded protocol message. The concrete type is one of
// *Span, *SpanEvent, *MetricsSnapshot, MetricsRequest, Ping or Pong.
type Message interface {
	Tag() Tag
	isMessage()
}

// Nanos is a timestamp or duration in nanoseconds. Instrumented runtimes that
// cannot represent 64-bit integers in JSON send them as decimal strings, so
// both forms are accepted. It always encodes as a string.
type Nanos int64

func (n Nanos) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(n), 10))
}

func (n *Nanos) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid nanosecond value %q: %w", s, err)
		}
		*n = Nanos(v)
		return nil
	}
	var v json.Number
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	i, err := v.Int64()
	if err != nil {
		// Some runtimes emit float timestamps; truncate.
		f, ferr := v.Float64()
		if ferr != nil {
			return fmt.Errorf("invalid nanosecond value %s: %w", v, err)
		}
		i = int64(f)
	}
	*n = Nanos(i)
	return nil
}

// Time converts a Unix-epoch nanosecond timestamp to time.Time.
func (n Nanos) Time() time.Time { return time.Unix(0, int64(n)) }

// SpanStatus is Started until the span ends, then Ended with both times set.
type SpanStatus struct {
	Ended     bool
	StartTime Nanos
	EndTime   Nanos
}

// Duration returns EndTime-StartTime for ended spans, or 0.
func (s SpanStatus) Duration() time.Duration {
	if !s.Ended {
		return 0
	}
	return time.Duration(s.EndTime - s.StartTime)
}

type wireStatus struct {
	Tag       string `json:"_tag"`
	StartTime Nanos  `json:"startTime"`
	EndTime   *Nanos `json:"endTime,omitempty"`
}

func (s SpanStatus) MarshalJSON() ([]byte, error) {
	w := wireStatus{Tag: "Started", StartTime: s.StartTime}
	if s.Ended {
		w.Tag = "Ended"
		end := s.EndTime
		w.EndTime = &end
	}
	return json.Marshal(w)
}

func (s *SpanStatus) UnmarshalJSON(data []byte) error {
	var w wireStatus
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Tag {
	case "Started":
		*s = SpanStatus{StartTime: w.StartTime}
	case "Ended":
		if w.EndTime == nil {
			return fmt.Errorf("ended status without endTime")
		}
		*s = SpanStatus{Ended: true, StartTime: w.StartTime, EndTime: *w.EndTime}
	default:
		return fmt.Errorf("unknown span status %q", w.Tag)
	}
	return nil
}

// ParentRef points at a span's parent.
//
// External references name a parent that lives outside the observed process.
// Local references name a span in the same process; Span carries the parent's
// full record when the sender embedded it and is nil when only ids are known.
type ParentRef struct {
	External bool
	SpanID   string
	TraceID  string
	Sampled  bool
	Span     *Span
}

// Span is a span start or update. Instrumented processes send the same span
// again when it ends or when its attributes change.
type Span struct {
	SpanID     string         `json:"spanId"`
	TraceID    string         `json:"traceId"`
	Name       string         `json:"name"`
	Sampled    bool           `json:"sampled"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Status     *SpanStatus    `json:"status,omitempty"`
	Parent     *ParentRef     `json:"-"`
}

func (*Span) Tag() Tag  { return TagSpan }
func (*Span) isMessage() {}

// SpanEvent is a point-in-time event attached to a span.
type SpanEvent struct {
	SpanID     string         `json:"spanId"`
	TraceID    string         `json:"traceId"`
	Name       string         `json:"name"`
	StartTime  Nanos          `json:"startTime"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (*SpanEvent) Tag() Tag  { return TagSpanEvent }
func (*SpanEvent) isMessage() {}

// MetricsSnapshot carries a process's full set of metric readings at one
// point in time.
type MetricsSnapshot struct {
	Metrics []MetricRecord `json:"metrics"`

	// Malformed describes records Decode skipped. It is never encoded.
	Malformed []string `json:"-"`
}

func (*MetricsSnapshot) Tag() Tag  { return TagMetricsSnapshot }
func (*MetricsSnapshot) isMessage() {}

// MetricsRequest asks the remote process for a fresh MetricsSnapshot.
type MetricsRequest struct{}

func (MetricsRequest) Tag() Tag  { return TagMetricsRequest }
func (MetricsRequest) isMessage() {}

// Ping is a keepalive from the remote process, answered with Pong.
type Ping struct{}

func (Ping) Tag() Tag  { return TagPing }
func (Ping) isMessage() {}

// Pong answers a Ping.
type Pong struct{}

func (Pong) Tag() Tag  { return TagPong }
func (Pong) isMessage() {}
