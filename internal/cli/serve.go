package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/oklog/run"
	"github.com/urfave/cli/v3"

	"github.com/tobert/devlens/internal/commands"
	"github.com/tobert/devlens/internal/devserver"
	"github.com/tobert/devlens/internal/filereader"
	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/mcpserver"
	"github.com/tobert/devlens/internal/metrics"
	"github.com/tobert/devlens/internal/otlpbridge"
	"github.com/tobert/devlens/internal/session"
	"github.com/tobert/devlens/internal/spantree"
	"github.com/tobert/devlens/internal/webui"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
func ServeCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the dev server, the OTLP bridge and the MCP server",
		Description: `Starts the dev server instrumented programs connect to over a websocket
(ws://127.0.0.1:34437/ by default), an OTLP gRPC bridge for programs using a
stock OpenTelemetry SDK, and an MCP server on stdio. The agent inspects the
active client's trace tree and metrics through MCP tools.`,
		Flags:  serveFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error { return runServe(ctx, cmd, version) },
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Config file (JSON with comments, or YAML); disables the project config lookup",
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "Dev server bind address",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "Dev server port (overrides devServer.port in the settings file)",
		},
		&cli.BoolFlag{
			Name:  "stopped",
			Usage: "Start with the dev server stopped",
		},
		&cli.StringFlag{
			Name:  "otlp-host",
			Usage: "OTLP bridge bind address",
		},
		&cli.IntFlag{
			Name:  "otlp-port",
			Usage: "OTLP bridge port (0 for ephemeral)",
		},
		&cli.BoolFlag{
			Name:  "no-otlp",
			Usage: "Disable the OTLP bridge",
		},
		&cli.StringSliceFlag{
			Name:  "file-source",
			Usage: "Directory of OTLP JSONL files to replay and follow (repeatable)",
		},
		&cli.StringFlag{
			Name:  "otel-config",
			Usage: "OpenTelemetry Collector config whose file exporters become file sources",
		},
		&cli.BoolFlag{
			Name:  "active-only",
			Usage: "Only read active JSONL files, skipping rotated archives",
		},
		&cli.IntFlag{
			Name:  "webui-port",
			Usage: "Serve the HTTP API on this port (0 disables)",
		},
		&cli.StringFlag{
			Name:  "webui-host",
			Usage: "HTTP API bind address",
		},
		&cli.StringFlag{
			Name:  "mcp",
			Usage: "MCP transport: stdio, http (served by the web UI at /mcp) or none",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
	}
}

// applyFlags layers explicitly set flags over cfg.
func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("host") {
		cfg.DevServer.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.DevServer.Port = cmd.Int("port")
	}
	if cmd.IsSet("stopped") {
		cfg.DevServer.Stopped = cmd.Bool("stopped")
	}
	if cmd.IsSet("otlp-host") {
		cfg.OTLP.Host = cmd.String("otlp-host")
	}
	if cmd.IsSet("otlp-port") {
		cfg.OTLP.Port = cmd.Int("otlp-port")
	}
	if cmd.Bool("no-otlp") {
		off := false
		cfg.OTLP.Enabled = &off
	}
	if cmd.IsSet("file-source") {
		cfg.Files.Directories = append(cfg.Files.Directories, cmd.StringSlice("file-source")...)
	}
	if cmd.IsSet("otel-config") {
		cfg.Files.OtelConfig = cmd.String("otel-config")
	}
	if cmd.IsSet("active-only") {
		cfg.Files.ActiveOnly = cmd.Bool("active-only")
	}
	if cmd.IsSet("webui-port") {
		cfg.WebUI.Port = cmd.Int("webui-port")
	}
	if cmd.IsSet("webui-host") {
		cfg.WebUI.Host = cmd.String("webui-host")
	}
	if cmd.IsSet("mcp") {
		cfg.MCP.Transport = cmd.String("mcp")
	}
	if cmd.Bool("verbose") {
		cfg.Log.Verbose = true
	}
}

// newLogger logs to stderr; stdout belongs to the MCP stdio transport.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, cmd *cli.Command, version string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	loaded, err := LoadEffectiveConfig(cmd.String("config"), wd)
	if err != nil {
		return err
	}
	cfg := loaded.Config
	applyFlags(cfg, cmd)

	logger := newLogger(os.Stderr, cfg.Log.Verbose)
	slog.SetDefault(logger)

	for _, src := range loaded.Sources {
		logger.Debug("🔧 loaded config", slog.String("path", src))
	}

	a, err := build(cfg, loaded.SettingsPath, cmd.IsSet("port"), version, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app is the assembled bridge.
type app struct {
	cfg    *Config
	logger *slog.Logger

	settings   *hostconfig.Source
	port       *hostconfig.Value[int]
	registry   *session.Registry
	controller *devserver.Controller
	tree       *spantree.Tree
	metrics    *metrics.Aggregator
	bridge     *otlpbridge.Bridge
	files      []fileSource
	mcp        *mcpserver.Server
	web        *webui.Server
	webLn      net.Listener
}

type fileSource struct {
	client *otlpbridge.Client
	reader *filereader.FileSource
}

// build creates every component without starting any of them. Listeners
// are bound here so their addresses can be reported before serving.
func build(cfg *Config, settingsPath string, portFlag bool, version string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	if settingsPath != "" {
		if a.settings, err = hostconfig.Open(settingsPath, logger); err != nil {
			return nil, err
		}
	} else {
		a.settings = hostconfig.NewStatic(logger)
	}
	if portFlag {
		a.settings.Set(hostconfig.SectionDevServer, hostconfig.KeyPort, cfg.DevServer.Port)
	}
	a.port = hostconfig.Int(a.settings, hostconfig.SectionDevServer, hostconfig.KeyPort, cfg.DevServer.Port)
	poll := hostconfig.Duration(a.settings, hostconfig.SectionMetrics, hostconfig.KeyPollInterval,
		cfg.Metrics.PollInterval.Duration())
	ignore := hostconfig.Strings(a.settings, hostconfig.SectionSpanStack, hostconfig.KeyIgnoreList,
		cfg.SpanStack.IgnoreList)

	a.registry = session.NewRegistry(session.Config{
		Logger:             logger,
		Port:               a.port.Get(),
		SpanMailboxSize:    cfg.Mailbox.Spans,
		MetricsMailboxSize: cfg.Mailbox.Metrics,
	})
	a.controller = devserver.New(devserver.Config{
		Registry: a.registry,
		Logger:   logger,
		Host:     cfg.DevServer.Host,
	})
	a.tree = spantree.New(logger)
	a.metrics = metrics.New(metrics.Config{Registry: a.registry, Logger: logger, PollInterval: poll})

	table := commands.NewTable(logger)
	if err := commands.RegisterBuiltins(table, commands.Deps{
		Registry: a.registry,
		Tree:     a.tree,
		Metrics:  a.metrics,
	}); err != nil {
		return nil, err
	}

	if cfg.OTLP.Enabled == nil || *cfg.OTLP.Enabled {
		a.bridge, err = otlpbridge.New(otlpbridge.Config{
			Host:        cfg.OTLP.Host,
			Port:        cfg.OTLP.Port,
			Registry:    a.registry,
			Logger:      logger,
			IdleTimeout: cfg.OTLP.IdleTimeout.Duration(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP bridge: %w", err)
		}
	}

	dirs := cfg.Files.Directories
	if cfg.Files.OtelConfig != "" {
		otelDirs, err := ParseOtelConfig(cfg.Files.OtelConfig)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, otelDirs...)
	}
	for _, dir := range dedupe(dirs) {
		client := otlpbridge.NewClient(otlpbridge.ClientConfig{
			Registry:    a.registry,
			Name:        "file:" + dir,
			Transport:   "file",
			IdleTimeout: cfg.OTLP.IdleTimeout.Duration(),
			Logger:      logger,
		})
		reader, err := filereader.New(filereader.Config{
			Directory:  dir,
			Logger:     logger,
			ActiveOnly: cfg.Files.ActiveOnly,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("file source %s: %w", dir, err)
		}
		a.files = append(a.files, fileSource{client: client, reader: reader})
	}

	var endpoint string
	if a.bridge != nil {
		endpoint = a.bridge.Endpoint()
	}
	a.mcp, err = mcpserver.NewServer(mcpserver.Config{
		Registry:     a.registry,
		Tree:         a.tree,
		Metrics:      a.metrics,
		Commands:     table,
		Controller:   a.controller,
		Ignore:       ignore,
		OTLPEndpoint: endpoint,
		Version:      version,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}

	switch cfg.MCP.Transport {
	case "", "stdio", "none", "http":
	default:
		return nil, fmt.Errorf("unknown MCP transport %q", cfg.MCP.Transport)
	}
	if cfg.MCP.Transport == "http" && cfg.WebUI.Port == 0 {
		return nil, fmt.Errorf("the http MCP transport is served by the web UI; set --webui-port")
	}

	if cfg.WebUI.Port > 0 {
		mount := map[string]http.Handler{}
		if cfg.MCP.Transport == "http" {
			mount["/mcp"] = a.mcp.HTTPHandler()
		}
		a.web, err = webui.New(webui.Config{
			Registry:   a.registry,
			Tree:       a.tree,
			Metrics:    a.metrics,
			Commands:   table,
			Controller: a.controller,
			Ignore:     ignore,
			Logger:     logger,
			Mount:      mount,
		})
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(cfg.WebUI.Host, strconv.Itoa(cfg.WebUI.Port))
		if a.webLn, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("web UI listen on %s: %w", addr, err)
		}
	}

	return a, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// actor adds fn to g with a cancel-on-interrupt context.
func actor(ctx context.Context, g *run.Group, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return fn(ctx)
	}, func(error) {
		cancel()
	})
}

// run starts every component and blocks until one of them stops, a signal
// arrives, or the MCP host closes stdin.
func (a *app) run(ctx context.Context) error {
	logger := a.logger
	logger.Info("🚀 devlens starting",
		slog.String("dev_server", fmt.Sprintf("ws://%s:%d/", a.cfg.DevServer.Host, a.port.Get())))
	if a.bridge != nil {
		logger.Info("🌐 OTLP bridge listening", slog.String("endpoint", a.bridge.Endpoint()))
		logger.Debug("   programs can export with OTEL_EXPORTER_OTLP_ENDPOINT=http://" + a.bridge.Endpoint())
	}

	var g run.Group

	actor(ctx, &g, a.controller.Run)
	actor(ctx, &g, func(ctx context.Context) error { return a.tree.Follow(ctx, a.registry) })
	actor(ctx, &g, a.metrics.Run)
	actor(ctx, &g, a.settings.Watch)
	actor(ctx, &g, a.followPort)

	if a.bridge != nil {
		actor(ctx, &g, a.bridge.Run)
	}
	for _, fs := range a.files {
		actor(ctx, &g, fs.client.Run)
		actor(ctx, &g, fs.reader.Run)
	}
	if a.web != nil {
		actor(ctx, &g, func(ctx context.Context) error { return a.web.Serve(ctx, a.webLn) })
	}

	switch a.cfg.MCP.Transport {
	case "http":
		actor(ctx, &g, a.mcp.WatchResources)
		logger.Info("🎯 MCP server ready", slog.String("url", "http://"+a.webLn.Addr().String()+"/mcp"))
	case "none":
	default:
		actor(ctx, &g, a.mcp.Run)
		logger.Info("🎯 MCP server ready on stdio")
	}

	if !a.cfg.DevServer.Stopped {
		a.registry.SetRunning(true)
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	return g.Run()
}

// followPort applies edits of devServer.port to the registry. The controller
// restarts the listener on the new port.
func (a *app) followPort(ctx context.Context) error {
	for port := range a.port.Subscribe(ctx) {
		if port < 1 || port > 65535 {
			a.logger.Warn("⚠️  ignoring invalid dev server port", slog.Int("port", port))
			continue
		}
		if a.registry.SetPort(port) {
			a.logger.Info("dev server port changed", slog.Int("port", port))
		}
	}
	return nil
}
