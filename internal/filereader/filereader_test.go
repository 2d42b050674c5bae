package filereader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/devlens/internal/protocol"
)

type recordingSink struct {
	mu      sync.Mutex
	spans   []*protocol.Span
	events  []*protocol.SpanEvent
	metrics [][]protocol.MetricRecord
}

func (r *recordingSink) DeliverSpans(ctx context.Context, msgs []protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		switch m := m.(type) {
		case *protocol.Span:
			r.spans = append(r.spans, m)
		case *protocol.SpanEvent:
			r.events = append(r.events, m)
		}
	}
	return nil
}

func (r *recordingSink) DeliverMetrics(ctx context.Context, recs []protocol.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, recs)
	return nil
}

func (r *recordingSink) spanNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.spans))
	for i, s := range r.spans {
		names[i] = s.Name
	}
	return names
}

func traceLine(spanID, name string) string {
	return `{"resourceSpans":[{"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"replayed"}}]},` +
		`"scopeSpans":[{"spans":[{"traceId":"0102030405060708090a0b0c0d0e0f10","spanId":"` + spanID + `",` +
		`"name":"` + name + `","startTimeUnixNano":"1000","endTimeUnixNano":"2000"}]}]}]}` + "\n"
}

const metricLine = `{"resourceMetrics":[{"scopeMetrics":[{"metrics":[{"name":"requests","sum":{"isMonotonic":true,` +
	`"dataPoints":[{"asInt":"7"}]}}]}]}]}` + "\n"

func writeSignal(t *testing.T, dir, signal, name, content string) string {
	t.Helper()
	sub := filepath.Join(dir, signal)
	require.NoError(t, os.MkdirAll(sub, 0o755))
	path := filepath.Join(sub, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func runSource(t *testing.T, fs *FileSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fs.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("file source did not stop")
		}
	})
}

func TestNewValidation(t *testing.T) {
	sink := &recordingSink{}
	_, err := New(Config{}, sink)
	assert.Error(t, err, "directory is required")

	_, err = New(Config{Directory: filepath.Join(t.TempDir(), "missing")}, sink)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(Config{Directory: file}, sink)
	assert.Error(t, err, "not a directory")

	_, err = New(Config{Directory: t.TempDir()}, nil)
	assert.Error(t, err, "nil sink")
}

func TestReplayAndFollow(t *testing.T) {
	dir := t.TempDir()
	traces := writeSignal(t, dir, "traces", "traces.jsonl", traceLine("1112131415161718", "first")+"not json\n")
	writeSignal(t, dir, "metrics", "metrics.jsonl", metricLine)

	sink := &recordingSink{}
	fs, err := New(Config{Directory: dir, ActiveOnly: true}, sink)
	require.NoError(t, err)
	runSource(t, fs)

	require.Eventually(t, func() bool { return len(sink.spanNames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.metrics) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	span := sink.spans[0]
	rec := sink.metrics[0][0]
	sink.mu.Unlock()
	assert.Equal(t, "replayed", span.Attributes["service.name"])
	assert.True(t, span.Status.Ended)
	assert.Equal(t, protocol.KindCounter, rec.Kind)
	assert.Equal(t, 7.0, rec.Counter.Count)

	appendFile(t, traces, traceLine("2122232425262728", "second"))
	require.Eventually(t, func() bool { return len(sink.spanNames()) == 2 }, 2*time.Second, 10*time.Millisecond,
		"appended lines should be picked up without re-reading old ones")
	assert.Equal(t, []string{"first", "second"}, sink.spanNames())

	stats := fs.Stats()
	assert.Equal(t, 1, stats.BadLines)
	assert.Equal(t, 2, stats.FilesTracked)
}

func TestActiveOnlySkipsArchives(t *testing.T) {
	dir := t.TempDir()
	writeSignal(t, dir, "traces", "traces-2025-12-09T13-10-56.jsonl", traceLine("3132333435363738", "archived"))
	writeSignal(t, dir, "traces", "traces.jsonl", traceLine("1112131415161718", "active"))

	sink := &recordingSink{}
	fs, err := New(Config{Directory: dir, ActiveOnly: true}, sink)
	require.NoError(t, err)
	require.NoError(t, fs.loadInitialData(context.Background()))
	assert.Equal(t, []string{"active"}, sink.spanNames())

	sink = &recordingSink{}
	fs, err = New(Config{Directory: dir}, sink)
	require.NoError(t, err)
	require.NoError(t, fs.loadInitialData(context.Background()))
	assert.ElementsMatch(t, []string{"archived", "active"}, sink.spanNames())
}

func TestTruncatedFileRereads(t *testing.T) {
	dir := t.TempDir()
	path := writeSignal(t, dir, "traces", "traces.jsonl", traceLine("1112131415161718", "one")+traceLine("2122232425262728", "two"))

	sink := &recordingSink{}
	fs, err := New(Config{Directory: dir, ActiveOnly: true}, sink)
	require.NoError(t, err)
	_, err = fs.loadFile(context.Background(), "traces", path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(traceLine("3132333435363738", "fresh")), 0o644))
	_, err = fs.loadFile(context.Background(), "traces", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "fresh"}, sink.spanNames())
}
