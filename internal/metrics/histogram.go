package metrics

import (
	"math"

	"github.com/tobert/devlens/internal/protocol"
)

// Percentiles estimates p50, p95 and p99 from a histogram's buckets, using
// linear interpolation within the bucket holding each target rank (the
// histogram_quantile approach). Returns nil for an empty histogram.
func Percentiles(h *protocol.HistogramState) map[string]float64 {
	if h == nil || h.Count <= 0 || len(h.Buckets) == 0 {
		return nil
	}

	out := make(map[string]float64, 3)
	for name, target := range map[string]float64{"p50": 0.50, "p95": 0.95, "p99": 0.99} {
		if p := estimatePercentile(h, target); !math.IsNaN(p) {
			out[name] = p
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// estimatePercentile walks the cumulative buckets. Bucket i covers
// (Boundary[i-1], Boundary[i]]; the first bucket starts at the observed
// minimum (or 0 when none was recorded) and observations above the last
// boundary are capped at the observed maximum.
func estimatePercentile(h *protocol.HistogramState, target float64) float64 {
	rank := float64(h.Count) * target

	var prevBound float64
	if h.Min < h.Buckets[0].Boundary {
		prevBound = h.Min
	}
	var prevCount int64
	for _, b := range h.Buckets {
		inBucket := b.Count - prevCount
		if inBucket > 0 && float64(b.Count) >= rank {
			fraction := (rank - float64(prevCount)) / float64(inBucket)
			return prevBound + fraction*(b.Boundary-prevBound)
		}
		prevBound, prevCount = b.Boundary, b.Count
	}

	// Rank falls in the overflow bucket above the last boundary.
	if h.Max > prevBound {
		return h.Max
	}
	return prevBound
}
