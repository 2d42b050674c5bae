package commands

import (
	"context"
	"fmt"

	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
)

// Command names.
const (
	SelectClient = "select-client"
	StartServer  = "start-server"
	StopServer   = "stop-server"
	ResetMetrics = "reset-metrics"
	ResetTracer  = "reset-tracer"
	SetPort      = "set-port"
)

// Deps are the components the built-in commands act on.
type Deps struct {
	Registry *session.Registry
	Tree     *spantree.Tree
	Metrics  *metrics.Aggregator
}

type SelectClientArgs struct {
	ID int `json:"id" jsonschema:"Client id as listed by list_clients"`
}

type SelectClientResult struct {
	// Selected is false when no live client has the id. That is not an
	// error: the client may have disconnected since it was listed.
	Selected bool `json:"selected" jsonschema:"Whether a live client with that id was found"`
	Active   int  `json:"active" jsonschema:"Active client id after the command, 0 for none"`
}

type ServerArgs struct{}

type ServerResult struct {
	Changed bool   `json:"changed" jsonschema:"False when the server was already in the requested state"`
	Running bool   `json:"running" jsonschema:"Desired running state"`
	Port    int    `json:"port" jsonschema:"Configured dev server port"`
	Failure string `json:"failure,omitempty" jsonschema:"Last listener failure, if any"`
}

type SetPortArgs struct {
	Port int `json:"port" jsonschema:"Dev server port (1-65535)"`
}

type ResetArgs struct{}

type ResetResult struct {
	Reset string `json:"reset"`
}

// RegisterBuiltins adds select-client, start-server, stop-server,
// reset-metrics, reset-tracer and set-port to t.
func RegisterBuiltins(t *Table, d Deps) error {
	reg := d.Registry
	cmds := []Command{
		{
			Name:        SelectClient,
			Description: "Make a live client the active one. Unknown ids are ignored.",
			Handler: Typed(func(_ context.Context, in SelectClientArgs) (SelectClientResult, error) {
				ok := reg.Select(in.ID)
				return SelectClientResult{Selected: ok, Active: activeID(reg)}, nil
			}),
		},
		{
			Name:        StartServer,
			Description: "Start the dev server. No-op when already running.",
			Handler: Typed(func(_ context.Context, _ ServerArgs) (ServerResult, error) {
				changed := reg.SetRunning(true)
				return serverResult(reg, changed), nil
			}),
		},
		{
			Name:        StopServer,
			Description: "Stop the dev server and disconnect its clients. No-op when stopped.",
			Handler: Typed(func(_ context.Context, _ ServerArgs) (ServerResult, error) {
				changed := reg.SetRunning(false)
				return serverResult(reg, changed), nil
			}),
		},
		{
			Name:        SetPort,
			Description: "Change the dev server port. A running server restarts on the new port.",
			Handler: Typed(func(_ context.Context, in SetPortArgs) (ServerResult, error) {
				if in.Port < 1 || in.Port > 65535 {
					return ServerResult{}, fmt.Errorf("%w: port %d out of range", ErrInvalidArgs, in.Port)
				}
				changed := reg.SetPort(in.Port)
				return serverResult(reg, changed), nil
			}),
		},
		{
			Name:        ResetMetrics,
			Description: "Clear the displayed metrics. The next snapshot repopulates them.",
			Handler: Typed(func(_ context.Context, _ ResetArgs) (ResetResult, error) {
				if d.Metrics != nil {
					d.Metrics.Reset()
				}
				return ResetResult{Reset: "metrics"}, nil
			}),
		},
		{
			Name:        ResetTracer,
			Description: "Drop every span in the trace tree.",
			Handler: Typed(func(_ context.Context, _ ResetArgs) (ResetResult, error) {
				if d.Tree != nil {
					d.Tree.Reset()
				}
				return ResetResult{Reset: "tracer"}, nil
			}),
		},
	}

	for _, c := range cmds {
		if err := t.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func activeID(reg *session.Registry) int {
	if s := reg.Active(); s != nil {
		return s.ID()
	}
	return 0
}

func serverResult(reg *session.Registry, changed bool) ServerResult {
	st := reg.RunningState()
	r := ServerResult{Changed: changed, Running: st.Running, Port: st.Port}
	if st.LastFailure != nil {
		r.Failure = st.LastFailure.Error()
	}
	return r
}
