package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/protocol"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
)

func newTable(t *testing.T) (*Table, Deps) {
	t.Helper()
	d := Deps{
		Registry: session.NewRegistry(session.Config{Port: 34437}),
		Tree:     spantree.New(nil),
	}
	d.Metrics = metrics.New(metrics.Config{Registry: d.Registry})
	table := NewTable(nil)
	require.NoError(t, RegisterBuiltins(table, d))
	return table, d
}

func TestListBuiltins(t *testing.T) {
	table, _ := newTable(t)
	var names []string
	for _, c := range table.List() {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description, c.Name)
	}
	assert.Equal(t, []string{ResetMetrics, ResetTracer, SelectClient, SetPort, StartServer, StopServer}, names)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	table, d := newTable(t)
	assert.Error(t, RegisterBuiltins(table, d))
	assert.Error(t, table.Register(Command{Name: "x"}), "handler is required")
}

func TestUnknownCommand(t *testing.T) {
	table, _ := newTable(t)
	_, err := table.Invoke(context.Background(), "launch-missiles", nil)
	assert.True(t, errors.Is(err, ErrUnknownCommand), "got %v", err)
}

func TestSelectClient(t *testing.T) {
	table, d := newTable(t)
	ctx := context.Background()

	first := d.Registry.Open(session.NewLocalLink(1, nil), "a", "local")
	second := d.Registry.Open(session.NewLocalLink(1, nil), "b", "local")
	defer first.Release()
	defer second.Release()

	out, err := table.Invoke(ctx, SelectClient, json.RawMessage(`{"id": 2}`))
	require.NoError(t, err)
	assert.Equal(t, SelectClientResult{Selected: true, Active: second.ID()}, out)

	// Unknown ids are not an error and leave the active client alone.
	out, err = table.Invoke(ctx, SelectClient, json.RawMessage(`{"id": 99}`))
	require.NoError(t, err)
	assert.Equal(t, SelectClientResult{Selected: false, Active: second.ID()}, out)

	_, err = table.Invoke(ctx, SelectClient, json.RawMessage(`{"id": "two"}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = table.Invoke(ctx, SelectClient, json.RawMessage(`{"client": 2}`))
	assert.ErrorIs(t, err, ErrInvalidArgs, "unknown fields are rejected")
}

func TestStartStopIdempotent(t *testing.T) {
	table, d := newTable(t)
	ctx := context.Background()

	tests := []struct {
		cmd         string
		wantChanged bool
		wantRunning bool
	}{
		{StopServer, false, false},
		{StartServer, true, true},
		{StartServer, false, true},
		{StopServer, true, false},
		{StopServer, false, false},
	}
	for _, tt := range tests {
		out, err := table.Invoke(ctx, tt.cmd, nil)
		require.NoError(t, err)
		res := out.(ServerResult)
		assert.Equal(t, tt.wantChanged, res.Changed, tt.cmd)
		assert.Equal(t, tt.wantRunning, res.Running, tt.cmd)
		assert.Equal(t, tt.wantRunning, d.Registry.RunningState().Running)
	}
}

func TestSetPort(t *testing.T) {
	table, d := newTable(t)
	ctx := context.Background()

	out, err := table.Invoke(ctx, SetPort, json.RawMessage(`{"port": 40500}`))
	require.NoError(t, err)
	assert.Equal(t, 40500, out.(ServerResult).Port)
	assert.Equal(t, 40500, d.Registry.RunningState().Port)

	_, err = table.Invoke(ctx, SetPort, json.RawMessage(`{"port": 70000}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.Equal(t, 40500, d.Registry.RunningState().Port)
}

func TestResets(t *testing.T) {
	table, d := newTable(t)
	ctx := context.Background()

	d.Tree.Apply(&protocol.Span{SpanID: "a", TraceID: "t", Name: "root", Status: &protocol.SpanStatus{StartTime: 1}})
	require.Equal(t, 1, d.Tree.Len())

	_, err := table.Invoke(ctx, ResetTracer, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Tree.Len())

	_, err = table.Invoke(ctx, ResetMetrics, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, d.Metrics.Current().Metrics)
}
