package viz

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
)

// MailboxStats describes the active client's mailbox fill levels.
type MailboxStats struct {
	Spans         int
	SpanCapacity  int
	Snapshots     int
	SnapshotCap   int
	SpanDrops     uint64
	SnapshotDrops uint64
	TreeNodes     int
}

// SessionMailboxStats reads the fill levels of a's mailboxes. a may be nil,
// in which case only the default capacities and the tree size are set.
func SessionMailboxStats(a *session.Session, tree *spantree.Tree) MailboxStats {
	st := MailboxStats{
		SpanCapacity: session.DefaultSpanMailboxSize,
		SnapshotCap:  session.DefaultMetricsMailboxSize,
		TreeNodes:    tree.Len(),
	}
	if a == nil {
		return st
	}
	st.Spans = a.Spans().Len()
	st.SpanCapacity = a.Spans().Cap()
	st.Snapshots = a.Metrics().Len()
	st.SnapshotCap = a.Metrics().Cap()
	st.SpanDrops = a.Spans().Stats().Dropped
	st.SnapshotDrops = a.Metrics().Stats().Dropped
	return st
}

// MailboxHealth renders mailbox fill-level bars.
func MailboxHealth(stats MailboxStats) string {
	var b strings.Builder

	b.WriteString("Mailbox Health\n")
	writeBar(&b, "Spans", stats.Spans, stats.SpanCapacity)
	writeBar(&b, "Metrics", stats.Snapshots, stats.SnapshotCap)
	fmt.Fprintf(&b, "  Dropped: %s spans, %s snapshots\n",
		formatCount(int(stats.SpanDrops)), formatCount(int(stats.SnapshotDrops)))
	fmt.Fprintf(&b, "  Tree nodes: %s\n", formatCount(stats.TreeNodes))

	return b.String()
}

func writeBar(b *strings.Builder, label string, count, capacity int) {
	barWidth := 20
	filled := 0
	if capacity > 0 {
		filled = count * barWidth / capacity
	}
	if filled > barWidth {
		filled = barWidth
	}

	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	// Pad label to 8 chars for alignment
	paddedLabel := fmt.Sprintf("%-8s", label)
	fmt.Fprintf(b, "  %s [%s]  %s / %s\n", paddedLabel, bar, formatCount(count), formatCount(capacity))
}

// ClientList renders the live clients, marking the active one with '*'.
func ClientList(clients []session.Info) string {
	if len(clients) == 0 {
		return "No clients connected\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Clients (%d)\n", len(clients))

	maxNameLen := 0
	for _, c := range clients {
		maxNameLen = max(maxNameLen, len(c.Name))
	}
	maxNameLen = min(maxNameLen, 30)

	for _, c := range clients {
		mark := " "
		if c.Active {
			mark = "*"
		}
		name := c.Name
		if len(name) > maxNameLen {
			name = name[:maxNameLen-1] + "…"
		}
		drops := ""
		if c.SpanDrops > 0 || c.SnapshotDrops > 0 {
			drops = fmt.Sprintf("  (%d dropped)", c.SpanDrops+c.SnapshotDrops)
		}
		fmt.Fprintf(&b, "  %s #%-3d %-*s  %-9s  %s spans  %s snapshots%s\n",
			mark, c.ID, maxNameLen, name, c.Transport,
			formatCount(int(c.Spans+c.SpanEvents)), formatCount(int(c.Snapshots)), drops)
	}

	return b.String()
}

// ServerLine renders the dev server's state in one line.
func ServerLine(st session.RunningState, phase string) string {
	line := fmt.Sprintf("Dev server: %s (port %d)", phase, st.Port)
	if st.LastFailure != nil {
		line += " ✗ " + st.LastFailure.Error()
	}
	return line + "\n"
}

// MetricsTable renders a metric set as one row per metric: name, kind, and
// a short value column. Width controls the name column; 0 uses 40.
func MetricsTable(records []protocol.MetricRecord, width int) string {
	if len(records) == 0 {
		return ""
	}
	if width <= 0 {
		width = 40
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Metrics (%d)\n", len(records))
	for _, r := range records {
		name := r.Name
		if tags := formatTags(r.Tags); tags != "" {
			name += "{" + tags + "}"
		}
		if len(name) > width {
			name = name[:width-1] + "…"
		}
		fmt.Fprintf(&b, "  %-*s  %-9s  %s\n", width, name, r.Kind, metricValue(r))
	}
	return b.String()
}

func formatTags(tags []protocol.MetricTag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.Key + "=" + t.Value
	}
	return strings.Join(parts, ",")
}

func metricValue(r protocol.MetricRecord) string {
	switch r.Kind {
	case protocol.KindCounter:
		return formatFloat(r.Counter.Count)
	case protocol.KindGauge:
		return formatFloat(r.Gauge.Value)
	case protocol.KindHistogram:
		h := r.Histogram
		if h.Count == 0 {
			return "count=0"
		}
		out := fmt.Sprintf("count=%d avg=%s max=%s", h.Count, formatFloat(h.Sum/float64(h.Count)), formatFloat(h.Max))
		if p := metrics.Percentiles(h); p != nil {
			out += fmt.Sprintf(" p50=%s p99=%s", formatFloat(p["p50"]), formatFloat(p["p99"]))
		}
		return out
	case protocol.KindSummary:
		s := r.Summary
		return fmt.Sprintf("count=%d min=%s max=%s", s.Count, formatFloat(s.Min), formatFloat(s.Max))
	case protocol.KindFrequency:
		keys := slices.Sorted(maps.Keys(r.Frequency.Occurrences))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%d", k, r.Frequency.Occurrences[k]))
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return formatCount(int(f))
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1_000_000, (n%1_000_000)/1000, n%1000)
}
