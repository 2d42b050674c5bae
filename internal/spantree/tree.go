// Package spantree rebuilds trace trees from the flat, arbitrarily ordered
// stream of span and span-event records an instrumented process emits.
//
// Nodes live in an arena keyed by span id and are created lazily, so a child
// may arrive before its parent: the parent is materialized as a placeholder
// and backfilled when its own record shows up. Roots are grouped by trace id.
package spantree

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/selfmetrics"
)

// ParentKind says what a node's parent reference points at.
type ParentKind int

const (
	// ParentUnknown marks a placeholder whose own record has not arrived.
	// Such nodes are shown as provisional roots.
	ParentUnknown ParentKind = iota
	// ParentNone is a true root.
	ParentNone
	// ParentExternal is a root whose parent lives outside the process.
	ParentExternal
	// ParentSpan is a child of another node in the tree.
	ParentSpan
)

func (k ParentKind) String() string {
	switch k {
	case ParentNone:
		return "none"
	case ParentExternal:
		return "external"
	case ParentSpan:
		return "span"
	default:
		return "unknown"
	}
}

func (k ParentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ParentKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none":
		*k = ParentNone
	case "external":
		*k = ParentExternal
	case "span":
		*k = ParentSpan
	default:
		*k = ParentUnknown
	}
	return nil
}

// Event is a span event as recorded on its node.
type Event struct {
	Name       string         `json:"name"`
	Time       protocol.Nanos `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// node is the arena entry. All fields are guarded by Tree.mu.
type node struct {
	spanID  string
	traceID string
	name    string
	sampled bool

	// observed is set once a record for this span itself has been applied.
	// Until then the node holds at most a copy embedded in a child's record.
	observed  bool
	hasStatus bool
	status    protocol.SpanStatus

	parentKind ParentKind
	parentID   string
	parent     *node
	children   []*node
	root       bool // registered in Tree.roots

	spanAttrs  map[string]any
	eventAttrs map[string]any
	// copiedFrom holds, for attributes taken from parent copies, the status
	// of the copy each value came from. Nil once the node is observed.
	copiedFrom map[string]protocol.SpanStatus
	events     []Event
}

func (n *node) start() protocol.Nanos {
	return n.status.StartTime
}

// newerFirst orders siblings by start time, newest first, then span id.
func newerFirst(a, b *node) int {
	if c := cmp.Compare(b.start(), a.start()); c != 0 {
		return c
	}
	return cmp.Compare(a.spanID, b.spanID)
}

// Refresh tells observers what changed. SpanID names the node whose subtree
// should be re-rendered; an empty SpanID means re-render everything.
type Refresh struct {
	SpanID string
}

// Full reports whether this is a whole-tree refresh.
func (r Refresh) Full() bool { return r.SpanID == "" }

// Tree is the reconstructor. It is safe for concurrent use: one goroutine
// normally applies records while others read snapshots.
type Tree struct {
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*node
	roots map[string][]*node // trace id -> roots, newest first

	subMu  sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	ch     chan Refresh
	lagged bool
}

// New creates an empty Tree. A nil logger means slog.Default().
func New(logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tree{
		logger: logger.With(slog.String("component", "spantree")),
		nodes:  make(map[string]*node),
		roots:  make(map[string][]*node),
		subs:   make(map[uint64]*subscriber),
	}
}

// Apply folds one record into the tree. Records other than *protocol.Span
// and *protocol.SpanEvent are ignored.
func (t *Tree) Apply(msg protocol.Message) {
	t.ApplyAll([]protocol.Message{msg})
}

// ApplyAll folds a batch of records in order under a single lock.
func (t *Tree) ApplyAll(msgs []protocol.Message) {
	var refreshes []Refresh

	t.mu.Lock()
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *protocol.Span:
			refreshes = t.applySpan(m, true, refreshes)
		case *protocol.SpanEvent:
			refreshes = t.applyEvent(m, refreshes)
		}
	}
	size := len(t.nodes)
	t.mu.Unlock()

	selfmetrics.SpanNodes.Set(float64(size))
	for _, r := range compact(refreshes) {
		t.publish(r)
	}
}

// Reset drops every node and root at once and signals a full refresh.
// Records applied afterwards start from an empty tree.
func (t *Tree) Reset() {
	t.mu.Lock()
	t.nodes = make(map[string]*node)
	t.roots = make(map[string][]*node)
	t.mu.Unlock()

	selfmetrics.SpanNodes.Set(0)
	t.publish(Refresh{})
}

// ensure returns the node for spanID. A node created here for a parent
// reference or an event is registered as a provisional root; one created for
// its own record is left for link to place.
func (t *Tree) ensure(spanID, traceID string, provisional bool, out []Refresh) (*node, []Refresh) {
	if n, ok := t.nodes[spanID]; ok {
		return n, out
	}
	n := &node{spanID: spanID, traceID: traceID}
	t.nodes[spanID] = n
	if provisional {
		t.attach(n)
		out = append(out, Refresh{})
	}
	return n, out
}

// applySpan applies a span record. direct is false for parent copies
// embedded in a child's record; those only fill nodes never observed
// directly, which keeps the result independent of arrival order.
func (t *Tree) applySpan(s *protocol.Span, direct bool, out []Refresh) []Refresh {
	n, out := t.ensure(s.SpanID, s.TraceID, false, out)
	if !direct {
		if n.observed {
			return out
		}
		return t.applyCopy(n, s, out)
	}

	if n.observed && n.hasStatus && n.status.Ended {
		t.logger.Debug("span updated after end", slog.String("span", s.SpanID))
	}

	out = t.link(n, s.Parent, out)
	out = t.place(n, s.TraceID, s.Status, out)

	if !n.observed {
		// First record of its own supersedes anything copied from a child.
		n.spanAttrs = nil
		n.copiedFrom = nil
	}
	n.name = s.Name
	n.sampled = s.Sampled
	if len(s.Attributes) > 0 {
		if n.spanAttrs == nil {
			n.spanAttrs = make(map[string]any, len(s.Attributes))
		}
		maps.Copy(n.spanAttrs, s.Attributes)
	}
	n.observed = true
	return append(out, Refresh{SpanID: n.spanID})
}

// applyCopy folds a parent copy into a node that has no record of its own.
// Copies only move a node forward: a copy that has progressed less than
// what the node already holds cannot change its status, name or parent.
// Attributes are merged per key, each keeping the value from the most
// progressed copy that carried it, with ties broken by the value itself.
func (t *Tree) applyCopy(n *node, s *protocol.Span, out []Refresh) []Refresh {
	var st protocol.SpanStatus
	if s.Status != nil {
		st = *s.Status
	}
	c := compareProgress(st, n.status)

	if c > 0 || (c == 0 && n.parentKind == ParentUnknown) {
		out = t.link(n, s.Parent, out)
	}
	switch {
	case c > 0:
		out = t.place(n, s.TraceID, s.Status, out)
		n.name = s.Name
	case c == 0:
		if s.Status != nil {
			n.hasStatus = true
		}
		if n.name == "" || (s.Name != "" && s.Name < n.name) {
			n.name = s.Name
		}
	}
	n.sampled = n.sampled || s.Sampled

	for k, v := range s.Attributes {
		if from, ok := n.copiedFrom[k]; ok {
			switch cmpAttr := compareProgress(st, from); {
			case cmpAttr < 0:
				continue
			case cmpAttr == 0 && fmt.Sprint(v) >= fmt.Sprint(n.spanAttrs[k]):
				continue
			}
		}
		if n.spanAttrs == nil {
			n.spanAttrs = make(map[string]any, len(s.Attributes))
			n.copiedFrom = make(map[string]protocol.SpanStatus, len(s.Attributes))
		}
		n.spanAttrs[k] = v
		n.copiedFrom[k] = st
	}
	return append(out, Refresh{SpanID: n.spanID})
}

// compareProgress orders span statuses by how far the span has got: ended
// after running, then by end time, then by start time. The zero status
// (no status seen) sorts first.
func compareProgress(a, b protocol.SpanStatus) int {
	if a.Ended != b.Ended {
		if a.Ended {
			return 1
		}
		return -1
	}
	if c := cmp.Compare(a.EndTime, b.EndTime); c != 0 {
		return c
	}
	return cmp.Compare(a.StartTime, b.StartTime)
}

// place sets n's trace id and status, re-sorting it among its siblings when
// its start time or trace changes. A nil status leaves the status alone.
func (t *Tree) place(n *node, traceID string, status *protocol.SpanStatus, out []Refresh) []Refresh {
	newStart := n.start()
	if status != nil {
		newStart = status.StartTime
	}
	moved := newStart != n.start() || traceID != n.traceID
	if moved {
		out = t.detach(n, out)
	}
	n.traceID = traceID
	if status != nil {
		n.status = *status
		n.hasStatus = true
	}
	if moved {
		out = t.attachRefresh(n, out)
	}
	return out
}

func (t *Tree) applyEvent(ev *protocol.SpanEvent, out []Refresh) []Refresh {
	n, out := t.ensure(ev.SpanID, ev.TraceID, true, out)

	e := Event{Name: ev.Name, Time: ev.StartTime, Attributes: ev.Attributes}
	i, found := slices.BinarySearchFunc(n.events, e, func(a, b Event) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if found {
		// Redelivery of the same event.
		n.events[i] = e
	} else {
		n.events = slices.Insert(n.events, i, e)
	}

	if len(ev.Attributes) > 0 {
		if n.eventAttrs == nil {
			n.eventAttrs = make(map[string]any, len(ev.Attributes))
		}
		maps.Copy(n.eventAttrs, ev.Attributes)
	}
	return append(out, Refresh{SpanID: n.spanID})
}

// link points n at the parent described by ref, detaching it from its old
// position first. Re-linking to the same parent is a no-op.
func (t *Tree) link(n *node, ref *protocol.ParentRef, out []Refresh) []Refresh {
	kind := ParentNone
	var (
		parentID string
		parent   *node
	)
	switch {
	case ref == nil:
	case ref.External:
		kind, parentID = ParentExternal, ref.SpanID
	default:
		kind, parentID = ParentSpan, ref.SpanID
		if ref.Span != nil {
			out = t.applySpan(ref.Span, false, out)
			parent = t.nodes[ref.SpanID]
		} else {
			parent, out = t.ensure(ref.SpanID, ref.TraceID, true, out)
		}
		if t.isAncestor(n, parent) {
			t.logger.Warn("ignoring parent that would form a cycle",
				slog.String("span", n.spanID), slog.String("parent", parentID))
			if n.parent == nil && !n.root {
				t.attach(n)
				out = append(out, Refresh{})
			}
			return out
		}
	}

	if n.parentKind == kind && n.parentID == parentID && n.parent == parent {
		return out
	}

	out = t.detach(n, out)
	n.parentKind, n.parentID, n.parent = kind, parentID, parent
	return t.attachRefresh(n, out)
}

// isAncestor reports whether a is p or one of p's ancestors.
func (t *Tree) isAncestor(a, p *node) bool {
	for cur := p; cur != nil; cur = cur.parent {
		if cur == a {
			return true
		}
	}
	return false
}

// attach inserts n under its parent or into its trace's roots, keeping the
// newest-first order. Attaching an already attached node is a no-op.
func (t *Tree) attach(n *node) {
	if n.parent != nil {
		if slices.Contains(n.parent.children, n) {
			return
		}
		n.parent.children = insertSorted(n.parent.children, n)
		return
	}
	if n.root {
		return
	}
	t.roots[n.traceID] = insertSorted(t.roots[n.traceID], n)
	n.root = true
}

func (t *Tree) attachRefresh(n *node, out []Refresh) []Refresh {
	t.attach(n)
	if n.parent != nil {
		return append(out, Refresh{SpanID: n.parent.spanID})
	}
	return append(out, Refresh{})
}

func (t *Tree) detach(n *node, out []Refresh) []Refresh {
	if n.parent != nil {
		n.parent.children = slices.DeleteFunc(n.parent.children, func(c *node) bool { return c == n })
		return append(out, Refresh{SpanID: n.parent.spanID})
	}
	if n.root {
		roots := slices.DeleteFunc(t.roots[n.traceID], func(c *node) bool { return c == n })
		if len(roots) == 0 {
			delete(t.roots, n.traceID)
		} else {
			t.roots[n.traceID] = roots
		}
		n.root = false
		return append(out, Refresh{})
	}
	return out
}

func insertSorted(list []*node, n *node) []*node {
	i, _ := slices.BinarySearchFunc(list, n, newerFirst)
	return slices.Insert(list, i, n)
}

// compact drops repeated refreshes and collapses everything into one full
// refresh when any full refresh is present.
func compact(in []Refresh) []Refresh {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]Refresh, 0, len(in))
	for _, r := range in {
		if r.Full() {
			return []Refresh{{}}
		}
		if !seen[r.SpanID] {
			seen[r.SpanID] = true
			out = append(out, r)
		}
	}
	return out
}

// Subscribe returns a channel of refresh signals and an unsubscribe func.
// A subscriber that falls behind receives a full refresh once it catches up
// rather than the individual signals it missed.
func (t *Tree) Subscribe() (<-chan Refresh, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextID
	t.nextID++
	sub := &subscriber{ch: make(chan Refresh, 64)}
	t.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			defer t.subMu.Unlock()
			delete(t.subs, id)
		})
	}
}

func (t *Tree) publish(r Refresh) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for _, sub := range t.subs {
		msg := r
		if sub.lagged {
			msg = Refresh{}
		}
		select {
		case sub.ch <- msg:
			sub.lagged = false
		default:
			sub.lagged = true
		}
	}
}
