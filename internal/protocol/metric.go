package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MetricKind represents the type of a metric reading.
type MetricKind int

const (
	KindUnknown MetricKind = iota
	KindCounter
	KindGauge
	KindHistogram
	KindSummary
	KindFrequency
)

func (k MetricKind) String() string {
	switch k {
	case KindCounter:
		return "Counter"
	case KindGauge:
		return "Gauge"
	case KindHistogram:
		return "Histogram"
	case KindSummary:
		return "Summary"
	case KindFrequency:
		return "Frequency"
	default:
		return "Unknown"
	}
}

func parseKind(s string) MetricKind {
	switch s {
	case "Counter":
		return KindCounter
	case "Gauge":
		return KindGauge
	case "Histogram":
		return KindHistogram
	case "Summary":
		return KindSummary
	case "Frequency":
		return KindFrequency
	default:
		return KindUnknown
	}
}

// MetricTag is one key/value label on a metric.
type MetricTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Bucket is a cumulative histogram bucket: Count observations were <= Boundary.
type Bucket struct {
	Boundary float64 `json:"boundary"`
	Count    int64   `json:"count"`
}

// Quantile is one summary quantile. Value is nil when the runtime had no
// observations in the window.
type Quantile struct {
	Quantile float64  `json:"quantile"`
	Value    *float64 `json:"value"`
}

// MetricRecord is one named metric reading. Exactly one of the state fields
// is set, matching Kind.
type MetricRecord struct {
	Name        string
	Description string
	Tags        []MetricTag
	Kind        MetricKind

	Counter   *CounterState
	Gauge     *GaugeState
	Histogram *HistogramState
	Summary   *SummaryState
	Frequency *FrequencyState
}

type CounterState struct {
	Count float64 `json:"count"`
}

type GaugeState struct {
	Value float64 `json:"value"`
}

type HistogramState struct {
	Buckets []Bucket `json:"buckets"`
	Count   int64    `json:"count"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Sum     float64  `json:"sum"`
}

type SummaryState struct {
	Quantiles []Quantile `json:"quantiles"`
	Count     int64      `json:"count"`
	Min       float64    `json:"min"`
	Max       float64    `json:"max"`
	Sum       float64    `json:"sum"`
}

type FrequencyState struct {
	Occurrences map[string]int64 `json:"occurrences"`
}

// Value returns the single scalar that best represents the reading: the
// count of a counter, the value of a gauge, or the observation count of the
// distribution kinds.
func (m MetricRecord) Value() float64 {
	switch m.Kind {
	case KindCounter:
		return m.Counter.Count
	case KindGauge:
		return m.Gauge.Value
	case KindHistogram:
		return float64(m.Histogram.Count)
	case KindSummary:
		return float64(m.Summary.Count)
	case KindFrequency:
		var total int64
		for _, n := range m.Frequency.Occurrences {
			total += n
		}
		return float64(total)
	default:
		return 0
	}
}

type wireMetric struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Tags        []MetricTag     `json:"tags,omitempty"`
	State       json.RawMessage `json:"state"`
}

type wireTag struct {
	Tag string `json:"_tag"`
}

func (m MetricRecord) MarshalJSON() ([]byte, error) {
	var state any
	switch m.Kind {
	case KindCounter:
		state = struct {
			Tag string `json:"_tag"`
			*CounterState
		}{"Counter", m.Counter}
	case KindGauge:
		state = struct {
			Tag string `json:"_tag"`
			*GaugeState
		}{"Gauge", m.Gauge}
	case KindHistogram:
		state = struct {
			Tag string `json:"_tag"`
			*HistogramState
		}{"Histogram", m.Histogram}
	case KindSummary:
		state = struct {
			Tag string `json:"_tag"`
			*SummaryState
		}{"Summary", m.Summary}
	case KindFrequency:
		state = struct {
			Tag string `json:"_tag"`
			*FrequencyState
		}{"Frequency", m.Frequency}
	default:
		return nil, fmt.Errorf("metric %q has no state", m.Name)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMetric{
		Name:        m.Name,
		Description: m.Description,
		Tags:        m.Tags,
		State:       raw,
	})
}

// UnmarshalJSON decodes a metric record. A state tag this package does not
// know leaves Kind as KindUnknown instead of failing, so newer runtimes can
// add metric kinds.
func (m *MetricRecord) UnmarshalJSON(data []byte) error {
	var w wireMetric
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Name == "" {
		return fmt.Errorf("metric without name")
	}
	*m = MetricRecord{Name: w.Name, Description: w.Description, Tags: w.Tags}

	if len(w.State) == 0 {
		return fmt.Errorf("metric %q without state", w.Name)
	}
	var tag wireTag
	if err := json.Unmarshal(w.State, &tag); err != nil {
		return fmt.Errorf("metric %q state: %w", w.Name, err)
	}

	m.Kind = parseKind(tag.Tag)
	var err error
	switch m.Kind {
	case KindCounter:
		var st struct {
			Count number `json:"count"`
		}
		if err = json.Unmarshal(w.State, &st); err == nil {
			m.Counter = &CounterState{Count: float64(st.Count)}
		}
	case KindGauge:
		var st struct {
			Value number `json:"value"`
		}
		if err = json.Unmarshal(w.State, &st); err == nil {
			m.Gauge = &GaugeState{Value: float64(st.Value)}
		}
	case KindHistogram:
		var st wireHistogram
		if err = json.Unmarshal(w.State, &st); err == nil {
			m.Histogram = st.state()
		}
	case KindSummary:
		var st wireSummary
		if err = json.Unmarshal(w.State, &st); err == nil {
			m.Summary = st.state()
		}
	case KindFrequency:
		var st struct {
			Occurrences map[string]number `json:"occurrences"`
		}
		if err = json.Unmarshal(w.State, &st); err == nil {
			m.Frequency = &FrequencyState{}
			if st.Occurrences != nil {
				m.Frequency.Occurrences = make(map[string]int64, len(st.Occurrences))
			}
			for k, v := range st.Occurrences {
				m.Frequency.Occurrences[k] = int64(v)
			}
		}
	}
	if err != nil {
		err = fmt.Errorf("metric %q %s state: %w", w.Name, m.Kind, err)
		m.Kind = KindUnknown
		return err
	}
	return nil
}

// number is a metric value that may arrive as a JSON number or as a numeric
// string, the way 64-bit counters are often serialized.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid metric value %s", data)
	}
	*n = number(v)
	return nil
}

type wireBucket struct {
	Boundary number `json:"boundary"`
	Count    number `json:"count"`
}

type wireHistogram struct {
	Buckets []wireBucket `json:"buckets"`
	Count   number       `json:"count"`
	Min     number       `json:"min"`
	Max     number       `json:"max"`
	Sum     number       `json:"sum"`
}

func (w wireHistogram) state() *HistogramState {
	h := &HistogramState{
		Count: int64(w.Count),
		Min:   float64(w.Min),
		Max:   float64(w.Max),
		Sum:   float64(w.Sum),
	}
	if w.Buckets != nil {
		h.Buckets = make([]Bucket, len(w.Buckets))
		for i, b := range w.Buckets {
			h.Buckets[i] = Bucket{Boundary: float64(b.Boundary), Count: int64(b.Count)}
		}
	}
	return h
}

type wireQuantile struct {
	Quantile number  `json:"quantile"`
	Value    *number `json:"value"`
}

type wireSummary struct {
	Quantiles []wireQuantile `json:"quantiles"`
	Count     number         `json:"count"`
	Min       number         `json:"min"`
	Max       number         `json:"max"`
	Sum       number         `json:"sum"`
}

func (w wireSummary) state() *SummaryState {
	s := &SummaryState{
		Count: int64(w.Count),
		Min:   float64(w.Min),
		Max:   float64(w.Max),
		Sum:   float64(w.Sum),
	}
	if w.Quantiles != nil {
		s.Quantiles = make([]Quantile, len(w.Quantiles))
		for i, q := range w.Quantiles {
			s.Quantiles[i].Quantile = float64(q.Quantile)
			if q.Value != nil {
				v := float64(*q.Value)
				s.Quantiles[i].Value = &v
			}
		}
	}
	return s
}
