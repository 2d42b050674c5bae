package spantree

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/tobert/devlens/internal/protocol"
)

// Node is a read-only copy of one span in the tree.
type Node struct {
	SpanID      string              `json:"span_id"`
	TraceID     string              `json:"trace_id"`
	Name        string              `json:"name"`
	Sampled     bool                `json:"sampled"`
	Placeholder bool                `json:"placeholder,omitempty"`
	Parent      ParentKind          `json:"parent_kind"`
	ParentID    string              `json:"parent_id,omitempty"`
	Status      protocol.SpanStatus `json:"-"`
	Ended       bool                `json:"ended"`
	StartTime   protocol.Nanos      `json:"start_time"`
	EndTime     protocol.Nanos      `json:"end_time,omitempty"`
	Attributes  map[string]any      `json:"attributes,omitempty"`
	Events      []Event             `json:"events,omitempty"`
	Children    []*Node             `json:"children,omitempty"`
}

// Duration is the span's duration, or 0 while it is running.
func (n *Node) Duration() time.Duration {
	return n.Status.Duration()
}

// Trace is one trace's roots, newest first.
type Trace struct {
	TraceID string  `json:"trace_id"`
	Roots   []*Node `json:"roots"`
}

// Start is the start time of the trace's newest root.
func (tr Trace) Start() protocol.Nanos {
	if len(tr.Roots) == 0 {
		return 0
	}
	return tr.Roots[0].StartTime
}

func (n *node) view(withChildren bool) *Node {
	v := &Node{
		SpanID:      n.spanID,
		TraceID:     n.traceID,
		Name:        n.name,
		Sampled:     n.sampled,
		Placeholder: !n.observed,
		Parent:      n.parentKind,
		ParentID:    n.parentID,
		Status:      n.status,
		Ended:       n.status.Ended,
		StartTime:   n.status.StartTime,
		EndTime:     n.status.EndTime,
		Events:      slices.Clone(n.events),
	}
	if len(n.spanAttrs)+len(n.eventAttrs) > 0 {
		v.Attributes = make(map[string]any, len(n.spanAttrs)+len(n.eventAttrs))
		maps.Copy(v.Attributes, n.spanAttrs)
		maps.Copy(v.Attributes, n.eventAttrs)
	}
	if withChildren && len(n.children) > 0 {
		v.Children = make([]*Node, len(n.children))
		for i, c := range n.children {
			v.Children[i] = c.view(true)
		}
	}
	return v
}

// Traces returns a deep copy of the forest, traces ordered by their newest
// root (newest first, ties by trace id).
func (t *Tree) Traces() []Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Trace, 0, len(t.roots))
	for traceID, roots := range t.roots {
		tr := Trace{TraceID: traceID, Roots: make([]*Node, len(roots))}
		for i, r := range roots {
			tr.Roots[i] = r.view(true)
		}
		out = append(out, tr)
	}
	slices.SortFunc(out, func(a, b Trace) int {
		if c := cmp.Compare(b.Start(), a.Start()); c != 0 {
			return c
		}
		return cmp.Compare(a.TraceID, b.TraceID)
	})
	return out
}

// Trace returns one trace by id.
func (t *Tree) Trace(traceID string) (Trace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roots, ok := t.roots[traceID]
	if !ok {
		return Trace{}, false
	}
	tr := Trace{TraceID: traceID, Roots: make([]*Node, len(roots))}
	for i, r := range roots {
		tr.Roots[i] = r.view(true)
	}
	return tr, true
}

// Lookup returns a copy of one node without its children.
func (t *Tree) Lookup(spanID string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[spanID]
	if !ok {
		return nil, false
	}
	return n.view(false), true
}

// Children returns copies of a node's direct children, newest first, each
// without grandchildren. An empty spanID lists every root across all traces.
func (t *Tree) Children(spanID string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var list []*node
	if spanID == "" {
		for _, roots := range t.roots {
			list = append(list, roots...)
		}
		slices.SortFunc(list, newerFirst)
	} else if n, ok := t.nodes[spanID]; ok {
		list = n.children
	}

	out := make([]*Node, len(list))
	for i, c := range list {
		out[i] = c.view(false)
	}
	return out
}

// Roots returns every root across all traces, newest first.
func (t *Tree) Roots() []*Node {
	return t.Children("")
}

// HasChildren reports whether a node has children.
func (t *Tree) HasChildren(spanID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[spanID]
	return ok && len(n.children) > 0
}

// Len returns the number of nodes, placeholders included.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// TraceCount returns the number of traces without copying them.
func (t *Tree) TraceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roots)
}
