package viz

import (
	"strings"
	"testing"

	"github.com/tobert/devlens/internal/hostconfig"
)

func TestTreeProvider(t *testing.T) {
	tree := buildTree(t,
		rec{trace: "t1", id: "root", name: "GET /", start: 1, end: 2_000_000},
		rec{trace: "t1", id: "health", name: "GET /healthz", start: 5, end: 6},
		rec{trace: "t1", id: "wrap", parent: "root", name: "Effect.gen", start: 2, end: 1_000_000},
		rec{trace: "t1", id: "leaf", parent: "wrap", name: "db.query", start: 3, attrs: map[string]any{"rows": 3}},
	)

	src := hostconfig.NewStatic(nil)
	ignore := hostconfig.Strings(src, hostconfig.SectionSpanStack, hostconfig.KeyIgnoreList, nil)
	p := NewTreeProvider(tree, ignore)

	roots := p.Children("")
	if len(roots) != 2 || roots[0].SpanID != "health" {
		t.Fatalf("expected both roots newest first, got %+v", roots)
	}

	src.Set(hostconfig.SectionSpanStack, hostconfig.KeyIgnoreList, []any{"GET /health*", "Effect.*"})
	roots = p.Children("")
	if len(roots) != 1 || roots[0].SpanID != "root" {
		t.Fatalf("expected health check hidden, got %+v", roots)
	}
	kids := p.Children("root")
	if len(kids) != 1 || kids[0].SpanID != "leaf" {
		t.Fatalf("expected wrapper spliced out, got %+v", kids)
	}

	item := p.RenderItem(roots[0])
	if item.Label != "GET /" || item.Description != "2ms" || !item.Collapsible || item.Icon != "✓" {
		t.Errorf("unexpected root item %+v", item)
	}

	leaf := p.RenderItem(kids[0])
	if leaf.Description != "running" || leaf.Collapsible {
		t.Errorf("unexpected leaf item %+v", leaf)
	}
	if !strings.Contains(leaf.Tooltip, "rows = 3") || !strings.Contains(leaf.Tooltip, "parent wrap (span)") {
		t.Errorf("unexpected tooltip %q", leaf.Tooltip)
	}
}

func TestMatcher(t *testing.T) {
	var none *Matcher
	if none.Match("anything") {
		t.Error("nil matcher should match nothing")
	}
	m := NewMatcher([]string{"GET /health*", "[bad"})
	for name, want := range map[string]bool{
		"GET /healthz": true,
		"GET /users":   false,
		"[bad":         true,
	} {
		if got := m.Match(name); got != want {
			t.Errorf("Match(%q) = %v, want %v", name, got, want)
		}
	}
}
