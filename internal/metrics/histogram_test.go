package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tobert/devlens/internal/protocol"
)

func TestPercentiles(t *testing.T) {
	tests := []struct {
		name string
		h    *protocol.HistogramState
		want map[string]float64
	}{
		{
			name: "nil",
			h:    nil,
		},
		{
			name: "empty",
			h:    &protocol.HistogramState{Buckets: []protocol.Bucket{{Boundary: 10, Count: 0}}},
		},
		{
			name: "uniform over two buckets",
			h: &protocol.HistogramState{
				Count:   100,
				Max:     20,
				Buckets: []protocol.Bucket{{Boundary: 10, Count: 50}, {Boundary: 20, Count: 100}},
			},
			want: map[string]float64{"p50": 10, "p95": 19, "p99": 19.8},
		},
		{
			name: "overflow uses max",
			h: &protocol.HistogramState{
				Count:   10,
				Max:     250,
				Buckets: []protocol.Bucket{{Boundary: 100, Count: 5}},
			},
			want: map[string]float64{"p50": 100, "p95": 250, "p99": 250},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentiles(tt.h)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Len(t, got, len(tt.want))
			for k, v := range tt.want {
				assert.InDelta(t, v, got[k], 1e-9, k)
			}
		})
	}
}

func TestPercentilesOrdered(t *testing.T) {
	h := &protocol.HistogramState{
		Count: 1000,
		Min:   1,
		Max:   900,
		Buckets: []protocol.Bucket{
			{Boundary: 5, Count: 300},
			{Boundary: 25, Count: 700},
			{Boundary: 100, Count: 950},
			{Boundary: 500, Count: 995},
		},
	}
	p := Percentiles(h)
	assert.LessOrEqual(t, p["p50"], p["p95"])
	assert.LessOrEqual(t, p["p95"], p["p99"])
	assert.GreaterOrEqual(t, p["p50"], 5.0)
}
