package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oklog/run"
	cliframework "github.com/urfave/cli/v3"

	"github.com/tobert/devlens/internal/cli"
)

const version = "0.1.0-dev"

func main() {
	app := &cliframework.Command{
		Name:           "devlens",
		Usage:          "Live telemetry devtools bridge for AI agents",
		Version:        version,
		DefaultCommand: "serve",
		Commands: []*cliframework.Command{
			cli.ServeCommand(version),
			cli.DoctorCommand(version),
			cli.EmitCommand(),
		},
	}

	err := app.Run(context.Background(), os.Args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "❌ error: %v\n", err)
		os.Exit(1)
	}
}
