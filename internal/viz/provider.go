package viz

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/spantree"
)

// TreeProvider adapts a span tree to a lazily expanded tree view: the view
// asks for the children of an id ("" for the top level) and renders each
// node it gets back. Spans whose names match the ignore list are hidden and
// their children take their place.
type TreeProvider struct {
	tree   *spantree.Tree
	ignore *hostconfig.Value[[]string]
}

// NewTreeProvider creates a provider. ignore may be nil.
func NewTreeProvider(tree *spantree.Tree, ignore *hostconfig.Value[[]string]) *TreeProvider {
	return &TreeProvider{tree: tree, ignore: ignore}
}

// Matcher returns a matcher for the current ignore list, nil when empty.
func (p *TreeProvider) Matcher() *Matcher {
	if p.ignore == nil {
		return nil
	}
	return NewMatcher(p.ignore.Get())
}

// Children returns the visible children of spanID, newest first.
func (p *TreeProvider) Children(spanID string) []*spantree.Node {
	return p.visible(p.tree.Children(spanID), p.Matcher(), 0)
}

func (p *TreeProvider) visible(nodes []*spantree.Node, m *Matcher, depth int) []*spantree.Node {
	if m == nil {
		return nodes
	}
	out := make([]*spantree.Node, 0, len(nodes))
	for _, n := range nodes {
		if !m.Match(n.Name) {
			out = append(out, n)
			continue
		}
		// Guard against pathological nesting of ignored spans.
		if depth < 64 {
			out = append(out, p.visible(p.tree.Children(n.SpanID), m, depth+1)...)
		}
	}
	return out
}

// RenderItem describes one node for display.
func (p *TreeProvider) RenderItem(n *spantree.Node) Item {
	item := Item{
		ID:          n.SpanID,
		Label:       label(n),
		Icon:        statusIcon(n),
		Collapsible: p.tree.HasChildren(n.SpanID),
	}

	switch {
	case n.Placeholder:
		item.Description = "pending"
	case n.Ended:
		item.Description = formatDuration(uint64(n.Duration()))
	default:
		item.Description = "running"
	}

	var tip strings.Builder
	fmt.Fprintf(&tip, "span %s\ntrace %s", n.SpanID, n.TraceID)
	if n.ParentID != "" {
		fmt.Fprintf(&tip, "\nparent %s (%s)", n.ParentID, n.Parent)
	}
	for _, k := range slices.Sorted(maps.Keys(n.Attributes)) {
		fmt.Fprintf(&tip, "\n%s = %v", k, n.Attributes[k])
	}
	for _, e := range n.Events {
		fmt.Fprintf(&tip, "\nevent %s @%d", e.Name, e.Time)
	}
	item.Tooltip = tip.String()
	return item
}

// Subscribe forwards the tree's refresh signals.
func (p *TreeProvider) Subscribe() (<-chan spantree.Refresh, func()) {
	return p.tree.Subscribe()
}
