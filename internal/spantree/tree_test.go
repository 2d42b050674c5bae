package spantree

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/devlens/internal/protocol"
)

func started(start int64) *protocol.SpanStatus {
	return &protocol.SpanStatus{StartTime: protocol.Nanos(start)}
}

func ended(start, end int64) *protocol.SpanStatus {
	return &protocol.SpanStatus{Ended: true, StartTime: protocol.Nanos(start), EndTime: protocol.Nanos(end)}
}

func span(id, name string, status *protocol.SpanStatus, parent *protocol.Span) *protocol.Span {
	s := &protocol.Span{SpanID: id, TraceID: "t1", Name: name, Sampled: true, Status: status}
	if parent != nil {
		s.Parent = &protocol.ParentRef{SpanID: parent.SpanID, TraceID: parent.TraceID, Sampled: true, Span: parent}
	}
	return s
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.SpanID
	}
	return out
}

// TestChildBeforeParent tests the out-of-order scenario: B references A
// before A arrives, then A arrives. A is a root with B as its only child.
func TestChildBeforeParent(t *testing.T) {
	tree := New(nil)

	a := span("a", "root", ended(100, 900), nil)
	a.Attributes = map[string]any{"service": "api"}
	b := span("b", "child", ended(200, 300), &protocol.Span{SpanID: "a", TraceID: "t1", Status: started(100)})

	tree.Apply(b)

	prelim, ok := tree.Lookup("a")
	require.True(t, ok, "parent placeholder should exist")
	assert.True(t, prelim.Placeholder)

	tree.Apply(a)

	traces := tree.Traces()
	require.Len(t, traces, 1)
	require.Len(t, traces[0].Roots, 1)

	root := traces[0].Roots[0]
	assert.Equal(t, "a", root.SpanID)
	assert.Equal(t, "root", root.Name)
	assert.False(t, root.Placeholder)
	assert.True(t, root.Ended)
	assert.Equal(t, 800*time.Nanosecond, root.Duration())
	assert.Equal(t, map[string]any{"service": "api"}, root.Attributes)
	assert.Equal(t, ParentNone, root.Parent)

	require.Len(t, root.Children, 1)
	assert.Equal(t, "b", root.Children[0].SpanID)
	assert.Equal(t, "child", root.Children[0].Name)
	assert.Equal(t, 2, tree.Len(), "no duplicate parent node")
}

// TestIDOnlyParentPlaceholder tests backfilling a placeholder created from a
// bare parent id.
func TestIDOnlyParentPlaceholder(t *testing.T) {
	tree := New(nil)
	tree.Apply(&protocol.Span{
		SpanID: "b", TraceID: "t1", Name: "child", Status: started(5),
		Parent: &protocol.ParentRef{SpanID: "a", TraceID: "t1"},
	})

	roots := tree.Children("")
	require.Len(t, roots, 1)
	assert.Equal(t, "a", roots[0].SpanID)
	assert.Equal(t, ParentUnknown, roots[0].Parent, "placeholder is a provisional root")

	tree.Apply(span("a", "root", started(1), nil))
	roots = tree.Children("")
	require.Len(t, roots, 1)
	assert.Equal(t, ParentNone, roots[0].Parent)
	assert.Equal(t, []string{"b"}, ids(tree.Children("a")))
}

// TestIdempotentAttach tests that the same child delivered twice is attached once.
func TestIdempotentAttach(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", started(1), nil)
	b := span("b", "child", started(2), a)

	tree.ApplyAll([]protocol.Message{a, b, b, a, b})

	assert.Equal(t, []string{"b"}, ids(tree.Children("a")))
	assert.Equal(t, 2, tree.Len())
}

// TestChildrenNewestFirst tests sibling and root ordering.
func TestChildrenNewestFirst(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", started(1), nil)
	tree.ApplyAll([]protocol.Message{
		a,
		span("c1", "first", started(10), a),
		span("c3", "third", started(30), a),
		span("c2", "second", started(20), a),
		span("r2", "later root", started(50), nil),
		span("tie-b", "tie", started(30), a),
	})

	assert.Equal(t, []string{"c3", "tie-b", "c2", "c1"}, ids(tree.Children("a")))
	assert.Equal(t, []string{"r2", "a"}, ids(tree.Children("")))

	// A start time update moves the node.
	tree.Apply(span("c1", "first", started(40), a))
	assert.Equal(t, []string{"c1", "c3", "tie-b", "c2"}, ids(tree.Children("a")))
}

// TestUpdateAfterEndOverwrites tests the overwrite-on-duplicate policy.
func TestUpdateAfterEndOverwrites(t *testing.T) {
	tree := New(nil)
	s := span("a", "root", ended(1, 5), nil)
	s.Attributes = map[string]any{"k": "v1"}
	tree.Apply(s)

	again := span("a", "root", started(1), nil)
	again.Attributes = map[string]any{"k": "v2", "extra": true}
	tree.Apply(again)

	n, ok := tree.Lookup("a")
	require.True(t, ok)
	assert.False(t, n.Ended)
	assert.Equal(t, map[string]any{"k": "v2", "extra": true}, n.Attributes)
}

// TestExternalParentIsRoot tests spans continuing a trace from outside.
func TestExternalParentIsRoot(t *testing.T) {
	tree := New(nil)
	tree.Apply(&protocol.Span{
		SpanID: "a", TraceID: "t1", Name: "handler", Status: started(1),
		Parent: &protocol.ParentRef{External: true, SpanID: "remote", TraceID: "t1"},
	})

	roots := tree.Children("")
	require.Len(t, roots, 1)
	assert.Equal(t, ParentExternal, roots[0].Parent)
	assert.Equal(t, "remote", roots[0].ParentID)
	_, ok := tree.Lookup("remote")
	assert.False(t, ok, "external parents are not materialized")
}

// TestEventsMergeAttributes tests span events, including events for spans
// not seen yet.
func TestEventsMergeAttributes(t *testing.T) {
	tree := New(nil)
	tree.Apply(&protocol.SpanEvent{SpanID: "a", TraceID: "t1", Name: "retry", StartTime: 7, Attributes: map[string]any{"attempt": 2}})
	tree.Apply(&protocol.SpanEvent{SpanID: "a", TraceID: "t1", Name: "log", StartTime: 3})
	tree.Apply(&protocol.SpanEvent{SpanID: "a", TraceID: "t1", Name: "retry", StartTime: 7, Attributes: map[string]any{"attempt": 2}})

	s := span("a", "op", started(1), nil)
	s.Attributes = map[string]any{"attempt": 1, "route": "/"}
	tree.Apply(s)

	n, ok := tree.Lookup("a")
	require.True(t, ok)
	assert.False(t, n.Placeholder)
	require.Len(t, n.Events, 2, "redelivered event is not duplicated")
	assert.Equal(t, "log", n.Events[0].Name)
	assert.Equal(t, "retry", n.Events[1].Name)
	assert.Equal(t, map[string]any{"attempt": 2, "route": "/"}, n.Attributes)
}

// TestEmbeddedCopyNeverOverwrites tests that a stale parent copy carried by a
// late child does not regress the parent's own record.
func TestEmbeddedCopyNeverOverwrites(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", ended(1, 100), nil)
	tree.Apply(a)

	stale := &protocol.Span{SpanID: "a", TraceID: "t1", Name: "old name", Status: started(1)}
	tree.Apply(span("b", "child", started(2), stale))

	n, _ := tree.Lookup("a")
	assert.Equal(t, "root", n.Name)
	assert.True(t, n.Ended)
}

// assertOrderIndependent applies records in many shuffled orders, each
// after the records in first, and compares every forest with the in-order one.
func assertOrderIndependent(t *testing.T, first, records []protocol.Message) []Trace {
	t.Helper()

	reference := New(nil)
	reference.ApplyAll(first)
	reference.ApplyAll(records)
	want := reference.Traces()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		perm := make([]protocol.Message, len(records))
		copy(perm, records)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		tree := New(nil)
		tree.ApplyAll(first)
		for _, r := range perm {
			tree.Apply(r)
		}

		if diff := cmp.Diff(want, tree.Traces()); diff != "" {
			t.Fatalf("permutation %d produced a different forest (-want +got):\n%s", i, diff)
		}
	}
	return want
}

// TestOrderIndependence tests that every arrival order of the same record
// set yields the same forest.
func TestOrderIndependence(t *testing.T) {
	a := span("a", "GET /orders", ended(100, 1000), nil)
	a.Attributes = map[string]any{"http.status": 200}
	b := span("b", "db.query", ended(200, 400), a)
	c := span("c", "cache.get", ended(150, 160), a)
	d := span("d", "db.connect", ended(210, 250), b)
	e := span("e", "render", started(500), a)
	x := &protocol.Span{
		SpanID: "x", TraceID: "t2", Name: "consumer", Status: ended(2000, 2100),
		Parent: &protocol.ParentRef{External: true, SpanID: "producer", TraceID: "t2"},
	}
	y := span("y", "handle", ended(2010, 2090), x)
	y.TraceID = "t2"
	// The started record for b always precedes its ended record.
	bStarted := span("b", "db.query", started(200), a)

	want := assertOrderIndependent(t, []protocol.Message{bStarted}, []protocol.Message{a, b, c, d, e, x, y})
	require.Len(t, want, 2)

	t.Run("parent known only from copies", func(t *testing.T) {
		// A's own record was dropped; each child carries the copy of A
		// that was current when the child was recorded.
		early := &protocol.Span{
			SpanID: "a", TraceID: "t1", Name: "GET /orders", Status: started(100),
			Attributes: map[string]any{"http.route": "/orders", "phase": "early"},
		}
		middle := &protocol.Span{
			SpanID: "a", TraceID: "t1", Name: "GET /orders", Status: started(100),
			Attributes: map[string]any{"phase": "begin"},
		}
		late := &protocol.Span{
			SpanID: "a", TraceID: "t1", Name: "GET /orders", Sampled: true, Status: ended(100, 900),
			Attributes: map[string]any{"http.status": 200},
		}

		want := assertOrderIndependent(t, nil, []protocol.Message{
			span("b", "db.query", ended(200, 400), early),
			span("c", "cache.get", ended(150, 160), middle),
			span("d", "render", ended(500, 800), late),
		})

		require.Len(t, want, 1)
		require.Len(t, want[0].Roots, 1)
		root := want[0].Roots[0]
		assert.Equal(t, "a", root.SpanID)
		assert.True(t, root.Ended, "the most progressed copy wins")
		assert.Equal(t, protocol.Nanos(900), root.EndTime)
		assert.Equal(t, []string{"d", "b", "c"}, ids(root.Children))
		assert.Equal(t, "/orders", root.Attributes["http.route"])
		assert.Equal(t, "begin", root.Attributes["phase"], "equal copies break ties by value")
		assert.Equal(t, 200, root.Attributes["http.status"])
	})
}

// TestCycleDoesNotHang tests that a self or mutual parent reference is
// tolerated.
func TestCycleDoesNotHang(t *testing.T) {
	tree := New(nil)
	tree.Apply(&protocol.Span{SpanID: "a", TraceID: "t1", Status: started(1),
		Parent: &protocol.ParentRef{SpanID: "a", TraceID: "t1"}})
	tree.Apply(&protocol.Span{SpanID: "b", TraceID: "t1", Status: started(2),
		Parent: &protocol.ParentRef{SpanID: "c", TraceID: "t1"}})
	tree.Apply(&protocol.Span{SpanID: "c", TraceID: "t1", Status: started(3),
		Parent: &protocol.ParentRef{SpanID: "b", TraceID: "t1"}})

	assert.Equal(t, 3, tree.Len())
	assert.NotEmpty(t, tree.Traces())
}

// TestResetDropsEverything tests reset and the new universe after it.
func TestResetDropsEverything(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", started(1), nil)
	tree.ApplyAll([]protocol.Message{a, span("b", "child", started(2), a)})
	other := span("x", "other", started(5), nil)
	other.TraceID = "t2"
	tree.Apply(other)
	assert.Equal(t, 2, tree.TraceCount())

	refreshes, unsubscribe := tree.Subscribe()
	defer unsubscribe()

	tree.Reset()
	assert.Equal(t, 0, tree.Len())
	assert.Empty(t, tree.Traces())
	assert.Zero(t, tree.TraceCount())
	assert.Equal(t, Refresh{}, <-refreshes)

	// A late child recreates its parent from the embedded copy.
	tree.Apply(span("c", "late", started(3), a))
	assert.Equal(t, 2, tree.Len())
	assert.Equal(t, []string{"c"}, ids(tree.Children("a")))
}

// TestRefreshSignals tests partial refreshes for deep updates.
func TestRefreshSignals(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", started(1), nil)
	tree.Apply(a)

	refreshes, unsubscribe := tree.Subscribe()
	defer unsubscribe()

	tree.Apply(span("b", "child", started(2), a))
	got := drain(refreshes)
	assert.Contains(t, got, Refresh{SpanID: "a"}, "new child refreshes its parent")
	assert.NotContains(t, got, Refresh{}, "no full refresh for a deep insert")

	tree.Apply(span("b", "child", ended(2, 3), a))
	assert.Equal(t, []Refresh{{SpanID: "b"}}, drain(refreshes))

	tree.Apply(span("r", "other root", started(9), nil))
	assert.Equal(t, []Refresh{{}}, drain(refreshes), "root list change is a full refresh")
}

// TestLaggingSubscriberGetsFullRefresh tests overflow handling.
func TestLaggingSubscriberGetsFullRefresh(t *testing.T) {
	tree := New(nil)
	a := span("a", "root", started(1), nil)
	tree.Apply(a)

	refreshes, unsubscribe := tree.Subscribe()
	defer unsubscribe()

	for i := 0; i < 100; i++ {
		tree.Apply(span("a", "root", started(1), nil))
	}
	got := drain(refreshes)
	require.Len(t, got, 64)

	tree.Apply(span("a", "root", started(1), nil))
	assert.Equal(t, []Refresh{{}}, drain(refreshes))
}

func drain(ch <-chan Refresh) []Refresh {
	var out []Refresh
	for {
		select {
		case r := <-ch:
			out = append(out, r)
		default:
			return out
		}
	}
}
