package viz

import (
	"fmt"
	"strings"

	"github.com/tobert/devlens/internal/spantree"
)

const (
	maxSpansPerTrace = 50
	maxTraces        = 5
	defaultBarWidth  = 20
)

// Waterfall renders an ASCII waterfall of reconstructed traces, newest trace
// first, each as its tree with one timing bar per span. Spans matching
// ignore are left out and their children shown in their place. Width
// controls the total line width; 0 uses a sensible default (80).
func Waterfall(traces []spantree.Trace, width int, ignore *Matcher) string {
	if len(traces) == 0 {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	overflow := 0
	if len(traces) > maxTraces {
		overflow = len(traces) - maxTraces
		traces = traces[:maxTraces]
	}

	var b strings.Builder
	rendered := 0
	for _, tr := range traces {
		entries := flatten(tr.Roots, ignore)
		if len(entries) == 0 {
			continue
		}
		if rendered > 0 {
			b.WriteByte('\n')
		}
		renderTrace(&b, tr.TraceID, entries, width)
		rendered++
	}

	if overflow > 0 {
		fmt.Fprintf(&b, "\n... +%d more traces\n", overflow)
	}

	return b.String()
}

func renderTrace(b *strings.Builder, traceID string, entries []treeEntry, width int) {
	// Time bounds. Running spans stretch to the latest known instant;
	// placeholders without a start time are left out.
	var minStart, maxEnd uint64
	for _, e := range entries {
		start := uint64(e.node.StartTime)
		if start == 0 {
			continue
		}
		if minStart == 0 || start < minStart {
			minStart = start
		}
		maxEnd = max(maxEnd, start, uint64(e.node.EndTime))
	}
	totalDur := maxEnd - minStart

	shortID := traceID
	if len(shortID) > 6 {
		shortID = shortID[:6]
	}
	fmt.Fprintf(b, "Trace %s (%d spans, %s)\n", shortID, len(entries), formatDuration(totalDur))

	spanOverflow := 0
	if len(entries) > maxSpansPerTrace {
		spanOverflow = len(entries) - maxSpansPerTrace
		entries = entries[:maxSpansPerTrace]
	}

	// Pass 1: widest duration + error suffix for alignment.
	maxDurErrLen := 0
	for _, e := range entries {
		maxDurErrLen = max(maxDurErrLen, len(durationText(e.node))+len(errSuffix(e.node)))
	}

	// Pass 2: rows.
	for _, e := range entries {
		renderSpanRow(b, e, minStart, maxEnd, totalDur, width, maxDurErrLen)
	}

	if spanOverflow > 0 {
		fmt.Fprintf(b, "  ... +%d more spans\n", spanOverflow)
	}
}

type treeEntry struct {
	node   *spantree.Node
	depth  int
	isLast []bool // at each depth level, whether this node is the last child
}

// flatten walks the trees depth first in display order, splicing the
// children of ignored spans into their parent's list.
func flatten(roots []*spantree.Node, ignore *Matcher) []treeEntry {
	var out []treeEntry
	visibleRoots := splice(roots, ignore)
	for i, r := range visibleRoots {
		walkTree(&out, r, ignore, 0, []bool{i == len(visibleRoots)-1})
	}
	return out
}

func splice(nodes []*spantree.Node, ignore *Matcher) []*spantree.Node {
	if ignore == nil {
		return nodes
	}
	var out []*spantree.Node
	for _, n := range nodes {
		if ignore.Match(n.Name) {
			out = append(out, splice(n.Children, ignore)...)
		} else {
			out = append(out, n)
		}
	}
	return out
}

func walkTree(result *[]treeEntry, n *spantree.Node, ignore *Matcher, depth int, isLast []bool) {
	*result = append(*result, treeEntry{node: n, depth: depth, isLast: isLast})

	kids := splice(n.Children, ignore)
	for ci, child := range kids {
		childIsLast := append(append([]bool{}, isLast...), ci == len(kids)-1)
		walkTree(result, child, ignore, depth+1, childIsLast)
	}
}

func durationText(n *spantree.Node) string {
	if !n.Ended {
		return "running"
	}
	start, end := uint64(n.StartTime), uint64(n.EndTime)
	return formatDuration(max(end, start) - start)
}

func errSuffix(n *spantree.Node) string {
	if IsError(n) {
		return " !! ERR"
	}
	return ""
}

func renderSpanRow(b *strings.Builder, entry treeEntry, minStart, maxEnd, totalDur uint64, width int, maxDurErrLen int) {
	barWidth := defaultBarWidth

	// Build tree prefix, tracking display width separately from byte length.
	// Tree-drawing characters (│, ├─, └─) are multi-byte UTF-8 but each
	// occupies a single display column.
	var prefix strings.Builder
	prefixCols := 0

	prefix.WriteString(" ")
	prefixCols++
	for d := 0; d < entry.depth; d++ {
		if d < len(entry.isLast)-1 {
			if entry.isLast[d] {
				prefix.WriteString("  ")
			} else {
				prefix.WriteString("│ ")
			}
			prefixCols += 2
		}
	}
	if entry.depth > 0 {
		if len(entry.isLast) > 0 && entry.isLast[len(entry.isLast)-1] {
			prefix.WriteString("└─ ")
		} else {
			prefix.WriteString("├─ ")
		}
		prefixCols += 3
	}

	text := label(entry.node)
	if entry.node.Placeholder {
		text += " (pending)"
	}

	spanStart := max(uint64(entry.node.StartTime), minStart)
	spanEnd := maxEnd
	if entry.node.Ended {
		spanEnd = min(max(uint64(entry.node.EndTime), spanStart), maxEnd)
	}

	// Layout: prefix + label + " [" + bar + "] " + durErr
	fixedCols := prefixCols + 2 + barWidth + 2 + maxDurErrLen
	labelBudget := max(width-fixedCols, 8)
	if len(text) > labelBudget {
		text = text[:labelBudget-1] + "…"
	}
	paddedLabel := text + strings.Repeat(" ", max(0, labelBudget-len(text)))

	bar := buildBar(spanStart, spanEnd, minStart, totalDur, barWidth)

	durErr := durationText(entry.node) + errSuffix(entry.node)
	paddedDurErr := durErr + strings.Repeat(" ", max(0, maxDurErrLen-len(durErr)))

	fmt.Fprintf(b, "%s%s [%s] %s\n", prefix.String(), paddedLabel, bar, paddedDurErr)
}

func buildBar(startNano, endNano, minStart, totalDur uint64, barWidth int) string {
	if totalDur == 0 {
		// All spans are zero-duration or same time
		return strings.Repeat("#", barWidth)
	}

	startPos := int((startNano - minStart) * uint64(barWidth) / totalDur)
	endPos := int((endNano - minStart) * uint64(barWidth) / totalDur)

	if startPos >= barWidth {
		startPos = barWidth - 1
	}
	// Ensure at least 1 char active
	endPos = max(endPos, startPos+1)
	endPos = min(endPos, barWidth)

	bar := make([]byte, barWidth)
	for i := range bar {
		if i >= startPos && i < endPos {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return string(bar)
}

func formatDuration(nanos uint64) string {
	if nanos == 0 {
		return "0ns"
	}
	us := float64(nanos) / 1000
	if us < 1000 {
		return fmt.Sprintf("%.0fµs", us)
	}
	ms := us / 1000
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	s := ms / 1000
	return fmt.Sprintf("%.1fs", s)
}
