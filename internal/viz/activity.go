package viz

import (
	"fmt"
	"strings"

	"github.com/tobert/devlens/internal/spantree"
)

// RecentTraces renders a compact table of traces, one row per root span.
func RecentTraces(traces []spantree.Trace) string {
	rows := 0
	for _, t := range traces {
		rows += len(t.Roots)
	}
	if rows == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent Traces (%d)\n", len(traces))

	for _, t := range traces {
		shortID := t.TraceID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		for _, root := range t.Roots {
			text := label(root)
			if len(text) > 40 {
				text = text[:39] + "…"
			}
			fmt.Fprintf(&b, "  %s %s  %-40s  %8s  %d children\n",
				statusIcon(root), shortID, text, durationText(root), len(root.Children))
		}
	}

	return b.String()
}

// RecentErrors renders spans flagged as errors, depth first.
func RecentErrors(traces []spantree.Trace) string {
	var rows []string
	var walk func(n *spantree.Node)
	walk = func(n *spantree.Node) {
		if IsError(n) {
			shortID := n.TraceID
			if len(shortID) > 8 {
				shortID = shortID[:8]
			}
			text := label(n)
			if len(text) > 30 {
				text = text[:29] + "…"
			}
			msg, _ := n.Attributes["otel.status_description"].(string)
			if len(msg) > 40 {
				msg = msg[:39] + "…"
			}
			rows = append(rows, fmt.Sprintf("  ✗ %s  %-30s  %s", shortID, text, msg))
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, t := range traces {
		for _, r := range t.Roots {
			walk(r)
		}
	}
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent Errors (%d)\n", len(rows))
	for _, r := range rows {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return b.String()
}
