package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command runs diagnostic checks to verify devlens is properly configured.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify devlens is properly configured.

This command checks:
  - Binary location and permissions
  - The effective configuration (global, project and --config files)
  - Dev server and OTLP port availability
  - MCP configuration file and its devlens entry
  - Optional dependencies (otel-cli)

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file (JSON with comments or YAML)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(version, cmd.String("config"))
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

// doctorEnv is everything the checks touch outside the process, so tests can
// substitute it.
type doctorEnv interface {
	Executable() (string, error)
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	UserHomeDir() (string, error)
	Getwd() (string, error)
	LookPath(file string) (string, error)
	Listen(network, addr string) (net.Listener, error)
}

type realEnv struct{}

func (realEnv) Executable() (string, error)           { return os.Executable() }
func (realEnv) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (realEnv) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (realEnv) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (realEnv) Getwd() (string, error)                { return os.Getwd() }
func (realEnv) LookPath(file string) (string, error)  { return exec.LookPath(file) }
func (realEnv) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// doctor carries the environment and the configuration being diagnosed.
type doctor struct {
	env    doctorEnv
	cfg    *LoadedConfig
	cfgErr error
}

func runDoctor(version, configPath string) error {
	env := realEnv{}
	cwd, _ := env.Getwd()
	cfg, err := LoadEffectiveConfig(configPath, cwd)
	return runDoctorWithEnv(os.Stdout, version, &doctor{env: env, cfg: cfg, cfgErr: err})
}

func runDoctorWithEnv(out io.Writer, version string, d *doctor) error {
	fmt.Fprintf(out, "🔍 devlens doctor v%s\n\n", version)

	checks := []func() checkResult{
		d.checkBinaryLocation,
		d.checkBinaryExecutable,
		d.checkConfig,
		d.checkDevServerPort,
		d.checkOTLPPort,
		d.checkMCPConfig,
		d.checkOtelCLI,
	}

	results := make([]checkResult, 0, len(checks))
	for _, check := range checks {
		result := check()
		if result.Name == "" {
			continue
		}
		results = append(results, result)
		printCheckResult(out, result)
	}

	fmt.Fprintln(out)
	summary := summarizeResults(results)
	printSummary(out, summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(out io.Writer, result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Fprintf(out, "%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Fprintf(out, "  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(out io.Writer, summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Fprintf(out, "❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Fprintf(out, "⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Fprintf(out, "✅ All critical checks passed!\n")
		fmt.Fprintf(out, "⚠️  %d optional warning(s)\n", summary.WarnCount)
		fmt.Fprintf(out, "💡 Run 'devlens serve --verbose' to start the bridge\n")
	} else {
		fmt.Fprintf(out, "✅ All checks passed!\n")
		fmt.Fprintf(out, "💡 Run 'devlens serve --verbose' to start the bridge\n")
	}
}

func (d *doctor) checkBinaryLocation() checkResult {
	executable, err := d.env.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_location",
			Status:     "fail",
			Message:    "Could not determine binary location",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	absPath, err := filepath.Abs(executable)
	if err != nil {
		absPath = executable
	}

	return checkResult{
		Name:    "binary_location",
		Status:  "pass",
		Message: fmt.Sprintf("Binary location: %s", absPath),
	}
}

func (d *doctor) checkBinaryExecutable() checkResult {
	executable, err := d.env.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not check if binary is executable",
			IsCritical: true,
		}
	}

	info, err := d.env.Stat(executable)
	if err != nil || info == nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not stat binary",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	if info.Mode()&0111 == 0 {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Binary is not executable",
			Suggestion: fmt.Sprintf("Run: chmod +x %s", executable),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "binary_executable",
		Status:  "pass",
		Message: "Binary is executable",
	}
}

func (d *doctor) checkConfig() checkResult {
	if d.cfgErr != nil {
		return checkResult{
			Name:       "config",
			Status:     "fail",
			Message:    "Configuration could not be loaded",
			Suggestion: d.cfgErr.Error(),
			IsCritical: true,
		}
	}
	if len(d.cfg.Sources) == 0 {
		return checkResult{
			Name:    "config",
			Status:  "pass",
			Message: "No config file found, using built-in defaults",
		}
	}
	return checkResult{
		Name:    "config",
		Status:  "pass",
		Message: fmt.Sprintf("Config loaded: %s (live settings from %s)", strings.Join(d.cfg.Sources, ", "), d.cfg.SettingsPath),
	}
}

// portCheck binds host:port briefly to see whether serve could.
func (d *doctor) portCheck(name, what, host string, port int, hint string) checkResult {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := d.env.Listen("tcp", addr)
	if err != nil {
		return checkResult{
			Name:       name,
			Status:     "warn",
			Message:    fmt.Sprintf("%s port %s is not available", what, addr),
			Suggestion: fmt.Sprintf("%v\n  %s", err, hint),
		}
	}
	ln.Close()
	return checkResult{
		Name:    name,
		Status:  "pass",
		Message: fmt.Sprintf("%s port %s is available", what, addr),
	}
}

func (d *doctor) checkDevServerPort() checkResult {
	if d.cfg == nil {
		return checkResult{}
	}
	ds := d.cfg.DevServer
	return d.portCheck("devserver_port", "Dev server", ds.Host, ds.Port,
		"Another devlens may be running, or pick a free port with --port or devServer.port")
}

// checkOTLPPort only applies when the bridge is enabled on a fixed port; an
// ephemeral port is always available.
func (d *doctor) checkOTLPPort() checkResult {
	if d.cfg == nil {
		return checkResult{}
	}
	o := d.cfg.OTLP
	if (o.Enabled != nil && !*o.Enabled) || o.Port == 0 {
		return checkResult{}
	}
	return d.portCheck("otlp_port", "OTLP", o.Host, o.Port,
		"Pick a free port with --otlp-port, or 0 for an ephemeral one")
}

func (d *doctor) checkMCPConfig() checkResult {
	configPath := d.mcpConfigPath()
	allPaths := d.mcpConfigPaths()

	if _, err := d.env.Stat(configPath); err != nil {
		executable, _ := d.env.Executable()
		absPath, _ := filepath.Abs(executable)

		locationsList := ""
		for _, p := range allPaths {
			locationsList += fmt.Sprintf("  - %s\n", p)
		}

		first := ""
		if len(allPaths) > 0 {
			first = allPaths[0]
		}
		suggestion := fmt.Sprintf(`MCP config not found. Checked:
%s
  For Claude Code, create at: %s
  For other MCP agents, use their config location

  Example config:
  {
    "mcpServers": {
      "devlens": {
        "command": "%s",
        "args": ["serve", "--verbose"]
      }
    }
  }`, locationsList, first, absPath)

		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config not found",
			Suggestion: suggestion,
			IsCritical: true,
		}
	}

	data, err := d.env.ReadFile(configPath)
	if err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "Could not read MCP config",
			Suggestion: fmt.Sprintf("Error reading %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	var config struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config is not valid JSON",
			Suggestion: fmt.Sprintf("Error parsing %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	agentName := "MCP agent"
	if strings.Contains(configPath, "claude-code") || strings.Contains(configPath, ".claude") {
		agentName = "Claude Code"
	} else if strings.Contains(configPath, ".gemini") {
		agentName = "Gemini CLI"
	}

	if config.MCPServers == nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("%s config found: %s", agentName, configPath),
			Suggestion: "Config does not contain 'mcpServers' section",
		}
	}

	entry, ok := config.MCPServers[appName]
	if !ok {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("%s config found: %s", agentName, configPath),
			Suggestion: "Config does not contain a 'devlens' server entry - add devlens to use this tool",
		}
	}

	executable, _ := d.env.Executable()
	absExecutable, _ := filepath.Abs(executable)

	if entry.Command != "" && entry.Command != absExecutable && entry.Command != appName {
		return checkResult{
			Name:    "mcp_config",
			Status:  "warn",
			Message: fmt.Sprintf("%s config found: %s", agentName, configPath),
			Suggestion: fmt.Sprintf("Config path (%s) differs from current binary (%s)\n  Update config to use current binary if needed",
				entry.Command, absExecutable),
		}
	}

	return checkResult{
		Name:    "mcp_config",
		Status:  "pass",
		Message: fmt.Sprintf("%s config found: %s", agentName, configPath),
	}
}

func (d *doctor) checkOtelCLI() checkResult {
	path, err := d.env.LookPath("otel-cli")
	if err == nil {
		return checkResult{
			Name:    "otel_cli",
			Status:  "pass",
			Message: fmt.Sprintf("Optional: otel-cli found at %s", path),
		}
	}

	return checkResult{
		Name:    "otel_cli",
		Status:  "warn",
		Message: "Optional: otel-cli not found",
		Suggestion: `otel-cli is handy for sending test spans to the OTLP bridge.
  Install with: go install github.com/tobert/otel-cli@latest
  Or use: devlens emit --otlp <endpoint>`,
	}
}

// mcpConfigPaths returns possible MCP config file paths for various agents,
// project-level first.
func (d *doctor) mcpConfigPaths() []string {
	homeDir, err := d.env.UserHomeDir()
	if err != nil {
		return nil
	}

	cwd, _ := d.env.Getwd()

	var paths []string
	if cwd != "" {
		paths = append(paths,
			filepath.Join(cwd, ".gemini", "settings.json"),
			filepath.Join(cwd, ".claude", "settings.json"),
			filepath.Join(cwd, ".mcp.json"),
		)
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths = append(paths, filepath.Join(appData, "Claude Code", "mcp_settings.json"))
	default:
		paths = append(paths, filepath.Join(homeDir, ".config", "claude-code", "mcp_settings.json"))
	}

	return paths
}

// mcpConfigPath returns the first existing MCP config file path, or the
// first candidate when none exists.
func (d *doctor) mcpConfigPath() string {
	paths := d.mcpConfigPaths()
	for _, path := range paths {
		if _, err := d.env.Stat(path); err == nil {
			return path
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}
