package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecode wraps every failure to turn a frame into a Message: invalid
	// JSON, a missing tag, or a known tag whose payload violates its schema.
	ErrDecode = errors.New("protocol decode failure")

	// ErrUnknownTag is returned for well-formed messages whose tag is not one
	// this package understands. Callers skip these silently.
	ErrUnknownTag = errors.New("unknown message tag")
)

type envelope struct {
	Tag Tag `json:"_tag"`
}

// Decode parses one frame. Errors wrap ErrDecode or ErrUnknownTag.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch env.Tag {
	case "":
		return nil, fmt.Errorf("%w: message without _tag", ErrDecode)

	case TagSpan:
		var s Span
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: span: %v", ErrDecode, err)
		}
		if s.Status == nil {
			return nil, fmt.Errorf("%w: span %s without status", ErrDecode, s.SpanID)
		}
		return &s, nil

	case TagSpanEvent:
		var ev SpanEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: span event: %v", ErrDecode, err)
		}
		if ev.SpanID == "" || ev.TraceID == "" {
			return nil, fmt.Errorf("%w: span event without spanId/traceId", ErrDecode)
		}
		return &ev, nil

	case TagMetricsSnapshot:
		var raw struct {
			Metrics []json.RawMessage `json:"metrics"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: metrics snapshot: %v", ErrDecode, err)
		}
		// Records are decoded one by one so a bad record costs only itself.
		snap := &MetricsSnapshot{Metrics: make([]MetricRecord, 0, len(raw.Metrics))}
		for _, r := range raw.Metrics {
			var m MetricRecord
			if err := json.Unmarshal(r, &m); err != nil {
				snap.Malformed = append(snap.Malformed, err.Error())
				continue
			}
			if m.Kind != KindUnknown {
				snap.Metrics = append(snap.Metrics, m)
			}
		}
		return snap, nil

	case TagMetricsRequest:
		return MetricsRequest{}, nil
	case TagPing:
		return Ping{}, nil
	case TagPong:
		return Pong{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Tag)
	}
}

// Encode serializes a message with its _tag discriminator.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Span:
		return json.Marshal(m)
	case *SpanEvent:
		return json.Marshal(struct {
			Tag Tag `json:"_tag"`
			*SpanEvent
		}{TagSpanEvent, m})
	case *MetricsSnapshot:
		metrics := m.Metrics
		if metrics == nil {
			metrics = []MetricRecord{}
		}
		return json.Marshal(struct {
			Tag     Tag            `json:"_tag"`
			Metrics []MetricRecord `json:"metrics"`
		}{TagMetricsSnapshot, metrics})
	case nil:
		return nil, fmt.Errorf("cannot encode nil message")
	default:
		return json.Marshal(envelope{Tag: msg.Tag()})
	}
}

type wireSpan struct {
	Tag        Tag             `json:"_tag"`
	SpanID     string          `json:"spanId"`
	TraceID    string          `json:"traceId"`
	Name       string          `json:"name,omitempty"`
	Sampled    bool            `json:"sampled"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Status     *SpanStatus     `json:"status,omitempty"`
	Parent     json.RawMessage `json:"parent,omitempty"`
}

func (s *Span) MarshalJSON() ([]byte, error) {
	w := wireSpan{
		Tag:        TagSpan,
		SpanID:     s.SpanID,
		TraceID:    s.TraceID,
		Name:       s.Name,
		Sampled:    s.Sampled,
		Attributes: s.Attributes,
		Status:     s.Status,
	}
	if p := s.Parent; p != nil {
		var (
			raw []byte
			err error
		)
		switch {
		case p.External:
			raw, err = json.Marshal(struct {
				Tag     string `json:"_tag"`
				SpanID  string `json:"spanId"`
				TraceID string `json:"traceId"`
				Sampled bool   `json:"sampled"`
			}{"ExternalSpan", p.SpanID, p.TraceID, p.Sampled})
		case p.Span != nil:
			raw, err = json.Marshal(p.Span)
		default:
			raw, err = json.Marshal(wireSpan{Tag: TagSpan, SpanID: p.SpanID, TraceID: p.TraceID, Sampled: p.Sampled})
		}
		if err != nil {
			return nil, err
		}
		w.Parent = raw
	}
	return json.Marshal(w)
}

func (s *Span) UnmarshalJSON(data []byte) error {
	var w wireSpan
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.SpanID == "" || w.TraceID == "" {
		return fmt.Errorf("span without spanId/traceId")
	}
	*s = Span{
		SpanID:     w.SpanID,
		TraceID:    w.TraceID,
		Name:       w.Name,
		Sampled:    w.Sampled,
		Attributes: w.Attributes,
		Status:     w.Status,
	}

	if len(w.Parent) == 0 || string(w.Parent) == "null" {
		return nil
	}
	parent, err := decodeParent(w.Parent)
	if err != nil {
		return fmt.Errorf("span %s parent: %w", w.SpanID, err)
	}
	s.Parent = parent
	return nil
}

// decodeParent accepts an ExternalSpan reference, a full embedded Span, or a
// Span reference without status (ids only). Effect-style Option wrappers
// ({"_tag":"Some","value":...} and {"_tag":"None"}) are unwrapped.
func decodeParent(data json.RawMessage) (*ParentRef, error) {
	var head struct {
		Tag   string          `json:"_tag"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Tag {
	case "None":
		return nil, nil
	case "Some":
		if len(head.Value) == 0 {
			return nil, fmt.Errorf("Some without value")
		}
		return decodeParent(head.Value)

	case "ExternalSpan":
		var w wireSpan
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.SpanID == "" {
			return nil, fmt.Errorf("external span without spanId")
		}
		return &ParentRef{External: true, SpanID: w.SpanID, TraceID: w.TraceID, Sampled: w.Sampled}, nil

	case string(TagSpan):
		var parent Span
		if err := json.Unmarshal(data, &parent); err != nil {
			return nil, err
		}
		ref := &ParentRef{SpanID: parent.SpanID, TraceID: parent.TraceID, Sampled: parent.Sampled}
		if parent.Status != nil {
			ref.Span = &parent
		}
		return ref, nil

	default:
		return nil, fmt.Errorf("unknown parent kind %q", head.Tag)
	}
}
