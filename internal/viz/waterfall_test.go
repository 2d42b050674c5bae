package viz

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/spantree"
)

// rec describes one span for building test trees.
type rec struct {
	trace, id, parent, name string
	start, end           int64 // end 0 = running
	attrs                map[string]any
}

func buildTree(t *testing.T, recs ...rec) *spantree.Tree {
	t.Helper()
	tree := spantree.New(nil)
	for _, r := range recs {
		s := &protocol.Span{SpanID: r.id, TraceID: r.trace, Name: r.name, Sampled: true, Attributes: r.attrs}
		if r.end > 0 {
			s.Status = &protocol.SpanStatus{Ended: true, StartTime: protocol.Nanos(r.start), EndTime: protocol.Nanos(r.end)}
		} else {
			s.Status = &protocol.SpanStatus{StartTime: protocol.Nanos(r.start)}
		}
		if r.parent != "" {
			s.Parent = &protocol.ParentRef{SpanID: r.parent, TraceID: r.trace}
		}
		tree.Apply(s)
	}
	return tree
}

func displayCol(line string, r rune) int {
	idx := strings.IndexRune(line, r)
	if idx < 0 {
		return -1
	}
	return utf8.RuneCountInString(line[:idx])
}

func TestWaterfall_Empty(t *testing.T) {
	if result := Waterfall(nil, 80, nil); result != "" {
		t.Errorf("expected empty string for nil input, got %q", result)
	}
	if result := Waterfall([]spantree.Trace{}, 80, nil); result != "" {
		t.Errorf("expected empty string for empty input, got %q", result)
	}
}

func TestWaterfall_SingleSpan(t *testing.T) {
	tree := buildTree(t, rec{trace: "abc123", id: "s1", name: "GET /", start: 1000, end: 2000,
		attrs: map[string]any{AttrServiceName: "my-svc"}})

	result := Waterfall(tree.Traces(), 80, nil)
	if !strings.Contains(result, "Trace abc123") {
		t.Errorf("expected trace header, got:\n%s", result)
	}
	if !strings.Contains(result, "1 spans") {
		t.Errorf("expected '1 spans' in header, got:\n%s", result)
	}
	if !strings.Contains(result, "my-svc.GET /") {
		t.Errorf("expected span label, got:\n%s", result)
	}
}

func TestWaterfall_ParentChild(t *testing.T) {
	tree := buildTree(t,
		rec{trace: "aabbcc", id: "root", name: "GET /users", start: 1, end: 500_000_000},
		rec{trace: "aabbcc", id: "child1", parent: "root", name: "query", start: 10_000_000, end: 100_000_000},
		rec{trace: "aabbcc", id: "child2", parent: "root", name: "get", start: 5_000_000, end: 15_000_000},
	)
	result := Waterfall(tree.Traces(), 80, nil)
	if !strings.Contains(result, "3 spans") {
		t.Errorf("expected '3 spans', got:\n%s", result)
	}
	if !strings.Contains(result, "├─") || !strings.Contains(result, "└─") {
		t.Errorf("expected tree connectors, got:\n%s", result)
	}
	// Newest child first.
	if strings.Index(result, "query") > strings.Index(result, "get") {
		t.Errorf("expected newest child first, got:\n%s", result)
	}
}

func TestWaterfall_ErrorSpan(t *testing.T) {
	tree := buildTree(t, rec{trace: "err1", id: "s1", name: "op", start: 1, end: 1000,
		attrs: map[string]any{AttrStatusCode: "ERROR"}})
	if result := Waterfall(tree.Traces(), 80, nil); !strings.Contains(result, "!! ERR") {
		t.Errorf("expected error indicator, got:\n%s", result)
	}
}

func TestWaterfall_RunningAndPlaceholder(t *testing.T) {
	tree := buildTree(t,
		rec{trace: "run1", id: "child", parent: "missing", name: "work", start: 100, end: 0},
	)
	result := Waterfall(tree.Traces(), 80, nil)
	if !strings.Contains(result, "running") {
		t.Errorf("expected running marker, got:\n%s", result)
	}
	if !strings.Contains(result, "(pending)") {
		t.Errorf("expected placeholder parent, got:\n%s", result)
	}
}

func TestWaterfall_DeepNesting(t *testing.T) {
	var recs []rec
	for i := 0; i < 6; i++ {
		parent := ""
		if i > 0 {
			parent = string(rune('a' + i - 1))
		}
		recs = append(recs, rec{trace: "deep1", id: string(rune('a' + i)), parent: parent, name: "op",
			start: int64(i*100 + 1), end: int64((i+1)*100 + 1)})
	}
	result := Waterfall(buildTree(t, recs...).Traces(), 100, nil)
	if lines := strings.Split(result, "\n"); len(lines) < 7 { // header + 6 spans
		t.Errorf("expected 7+ lines, got %d:\n%s", len(lines), result)
	}
}

func TestWaterfall_ZeroDuration(t *testing.T) {
	tree := buildTree(t, rec{trace: "zero1", id: "s1", name: "instant", start: 1000, end: 1000})
	result := Waterfall(tree.Traces(), 80, nil)
	if !strings.Contains(result, "0ns") {
		t.Errorf("expected 0ns duration, got:\n%s", result)
	}
	if !strings.Contains(result, "##") {
		t.Errorf("expected filled bar for zero-duration, got:\n%s", result)
	}
}

func TestWaterfall_LongSpanName(t *testing.T) {
	tree := buildTree(t, rec{trace: "long1", id: "s1", name: "GET /api/v1/users/search/by-email/with/a/long/path", start: 1, end: 1000,
		attrs: map[string]any{AttrServiceName: "my-very-long-service-name"}})
	for _, line := range strings.Split(Waterfall(tree.Traces(), 80, nil), "\n") {
		if utf8.RuneCountInString(line) > 81 {
			t.Errorf("line too long (%d cols): %q", utf8.RuneCountInString(line), line)
		}
	}
}

func TestWaterfall_OverflowTraces(t *testing.T) {
	var recs []rec
	for i := 0; i < 7; i++ {
		recs = append(recs, rec{trace: string(rune('a' + i)), id: string(rune('a' + i)), name: "op",
			start: int64(i*100 + 1), end: int64(i*100 + 50)})
	}
	if result := Waterfall(buildTree(t, recs...).Traces(), 80, nil); !strings.Contains(result, "+2 more traces") {
		t.Errorf("expected overflow message, got:\n%s", result)
	}
}

func TestWaterfall_IgnoreSplicesChildren(t *testing.T) {
	tree := buildTree(t,
		rec{trace: "ign1", id: "root", name: "handler", start: 1, end: 1000},
		rec{trace: "ign1", id: "mw", parent: "root", name: "middleware.auth", start: 2, end: 900},
		rec{trace: "ign1", id: "db", parent: "mw", name: "db.query", start: 3, end: 800},
	)
	result := Waterfall(tree.Traces(), 80, NewMatcher([]string{"middleware.*"}))
	if strings.Contains(result, "middleware") {
		t.Errorf("ignored span rendered:\n%s", result)
	}
	if !strings.Contains(result, "└─ db.query") {
		t.Errorf("expected db.query promoted under handler, got:\n%s", result)
	}
	if !strings.Contains(result, "2 spans") {
		t.Errorf("expected '2 spans', got:\n%s", result)
	}
}

func TestWaterfall_Alignment(t *testing.T) {
	tree := buildTree(t,
		rec{trace: "align1", id: "root", name: "root", start: 1, end: 60_000_000_001},
		rec{trace: "align1", id: "c1", parent: "root", name: "c1", start: 100_000_000, end: 100_001_000},
	)
	lines := strings.Split(strings.TrimSpace(Waterfall(tree.Traces(), 80, nil)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	// Tree connectors are multi-byte UTF-8 but one display column.
	if col1, col2 := displayCol(lines[1], '['), displayCol(lines[2], '['); col1 != col2 {
		t.Errorf("mismatched alignment: line 1 '[' at display col %d, line 2 at %d", col1, col2)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		nanos    uint64
		expected string
	}{
		{0, "0ns"},
		{500, "0µs"},
		{5000, "5µs"},
		{1_500_000, "2ms"},
		{500_000_000, "500ms"},
		{1_500_000_000, "1.5s"},
		{60_000_000_000, "60.0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.nanos); got != tt.expected {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.nanos, got, tt.expected)
		}
	}
}
