// Package commands is the control surface the host binds to: a named table
// of operations over the registry, the span tree and the metrics aggregator.
// The MCP server and the HTTP API both dispatch through it.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrUnknownCommand is returned by Invoke for names not in the table.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidArgs wraps argument decoding and validation failures.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Handler runs a command. args is the raw JSON argument object, possibly
// empty.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Command is one table entry.
type Command struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Handler     Handler `json:"-"`
}

// Table is a concurrency-safe set of named commands.
type Table struct {
	logger *slog.Logger

	mu   sync.RWMutex
	cmds map[string]Command
}

// NewTable creates an empty table. A nil logger means slog.Default().
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		logger: logger.With(slog.String("component", "commands")),
		cmds:   make(map[string]Command),
	}
}

// Register adds cmd. Names are unique.
func (t *Table) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command needs a name and a handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.cmds[cmd.Name]; dup {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	t.cmds[cmd.Name] = cmd
	return nil
}

// Invoke runs the named command.
func (t *Table) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t.mu.RLock()
	cmd, ok := t.cmds[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	t.logger.Debug("invoking command", slog.String("command", name))
	out, err := cmd.Handler(ctx, args)
	if err != nil {
		t.logger.Debug("command failed", slog.String("command", name), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// List returns the commands sorted by name.
func (t *Table) List() []Command {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Command, 0, len(t.cmds))
	for _, c := range t.cmds {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Typed adapts a function taking a decoded argument struct to a Handler.
// Empty or null args decode to the zero value of In.
func Typed[In, Out any](fn func(context.Context, In) (Out, error)) Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in In
		if len(args) > 0 && string(args) != "null" {
			dec := json.NewDecoder(bytes.NewReader(args))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
		}
		return fn(ctx, in)
	}
}
