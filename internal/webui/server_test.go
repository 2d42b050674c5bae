package webui

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/devlens/internal/commands"
	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
)

type fixture struct {
	reg  *session.Registry
	tree *spantree.Tree
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := session.NewRegistry(session.Config{Port: 34437})
	tree := spantree.New(nil)
	agg := metrics.New(metrics.Config{Registry: reg})
	table := commands.NewTable(nil)
	require.NoError(t, commands.RegisterBuiltins(table, commands.Deps{Registry: reg, Tree: tree, Metrics: agg}))

	srv, err := New(Config{Registry: reg, Tree: tree, Metrics: agg, Commands: table})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{reg: reg, tree: tree, http: ts}
}

func (f *fixture) get(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStatusAndClients(t *testing.T) {
	f := newFixture(t)
	s := f.reg.Open(session.NewLocalLink(1, nil), "127.0.0.1:5555", "websocket")
	defer s.Release()

	var st statusResponse
	resp := f.get(t, "/api/status", &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", st.Phase)
	assert.Equal(t, 34437, st.Port)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, s.ID(), st.Active)
	assert.Zero(t, st.Traces)

	f.tree.Apply(&protocol.Span{SpanID: "child", TraceID: "t1", Name: "db.query",
		Parent: &protocol.ParentRef{SpanID: "root", TraceID: "t1"}})
	f.get(t, "/api/status", &st)
	assert.Equal(t, 1, st.Traces)
	assert.Equal(t, 2, st.TreeNodes, "placeholder parent counts as a node")

	var infos []session.Info
	f.get(t, "/api/clients", &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, "127.0.0.1:5555", infos[0].Name)
	assert.True(t, infos[0].Active)
}

func TestTraces(t *testing.T) {
	f := newFixture(t)

	var empty []spantree.Trace
	f.get(t, "/api/traces", &empty)
	assert.Empty(t, empty)

	f.tree.Apply(&protocol.Span{SpanID: "child", TraceID: "t1", Name: "db.query",
		Status: &protocol.SpanStatus{Ended: true, StartTime: 2, EndTime: 5},
		Parent: &protocol.ParentRef{SpanID: "root", TraceID: "t1"}})

	var traces []spantree.Trace
	f.get(t, "/api/traces", &traces)
	require.Len(t, traces, 1)
	require.Len(t, traces[0].Roots, 1)
	assert.True(t, traces[0].Roots[0].Placeholder, "parent not yet seen")
	assert.Equal(t, "db.query", traces[0].Roots[0].Children[0].Name)

	resp, err := http.Get(f.http.URL + "/api/traces/t1?format=text")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "db.query")

	resp = f.get(t, "/api/traces/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommands(t *testing.T) {
	f := newFixture(t)

	resp, out := f.post(t, "/api/commands/start-server", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["running"])
	assert.True(t, f.reg.RunningState().Running)

	resp, out = f.post(t, "/api/commands/set-port", `{"port": 41000}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 41000, out["port"])

	resp, _ = f.post(t, "/api/commands/set-port", `{"port": -1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/api/commands/set-port", `{"bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.post(t, "/api/commands/launch-rockets", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, out["error"], "unknown command")

	var list []commands.Command
	f.get(t, "/api/commands", &list)
	assert.Len(t, list, 6)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)
	s := f.reg.Open(session.NewLocalLink(1, nil), "app", "local")
	defer s.Release()

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "devlens_sessions_opened_total")
}

func TestWebSocketPushesChanges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first wsUpdate
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.ElementsMatch(t, []string{"clients", "traces", "metrics"}, first.Changed)
	assert.Zero(t, first.Status.Clients)

	s := f.reg.Open(session.NewLocalLink(1, nil), "app", "local")
	defer s.Release()

	for {
		var u wsUpdate
		require.NoError(t, wsjson.Read(ctx, conn, &u))
		if len(u.Changed) == 1 && u.Changed[0] == "clients" && u.Status.Clients == 1 {
			assert.Equal(t, s.ID(), u.Status.Active)
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
