package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tobert/devlens/internal/hostconfig"
	"github.com/tobert/devlens/internal/session"
)

const (
	projectConfigName = ".devlens.json"
	appName           = "devlens"
)

// Config holds the runtime configuration for devlens. It can be populated
// from CLI flags, config files, or both.
//
// Files are organised in sections. The devServer, metrics and spanStack
// sections double as live settings: the file that supplied them is watched
// and edits apply without a restart.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	DevServer DevServerConfig `json:"devServer" yaml:"devServer"`
	Mailbox   MailboxConfig   `json:"mailbox" yaml:"mailbox"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	SpanStack SpanStackConfig `json:"spanStack" yaml:"spanStack"`
	OTLP      OTLPConfig      `json:"otlp" yaml:"otlp"`
	Files     FilesConfig     `json:"files" yaml:"files"`
	WebUI     WebUIConfig     `json:"webui" yaml:"webui"`
	MCP       MCPConfig       `json:"mcp" yaml:"mcp"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type DevServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
	// Stopped starts the bridge with the dev server off.
	Stopped bool `json:"stopped,omitempty" yaml:"stopped,omitempty"`
}

type MailboxConfig struct {
	Spans   int `json:"spans,omitempty" yaml:"spans,omitempty"`
	Metrics int `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type MetricsConfig struct {
	PollInterval Millis `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
}

type SpanStackConfig struct {
	IgnoreList []string `json:"ignoreList,omitempty" yaml:"ignoreList,omitempty"`
}

type OTLPConfig struct {
	// Enabled is a pointer so a file can switch the bridge off.
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Host        string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	IdleTimeout Millis `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
}

type FilesConfig struct {
	Directories []string `json:"directories,omitempty" yaml:"directories,omitempty"`
	OtelConfig  string   `json:"otelConfig,omitempty" yaml:"otelConfig,omitempty"`
	ActiveOnly  bool     `json:"activeOnly,omitempty" yaml:"activeOnly,omitempty"`
}

type WebUIConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	// Port 0 disables the web UI.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

type MCPConfig struct {
	// Transport is "stdio" (default), "http" (served on the web UI at /mcp)
	// or "none".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
}

type LogConfig struct {
	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// Millis is a duration written either as a number of milliseconds or as a
// Go duration string ("2m").
type Millis time.Duration

func (m Millis) Duration() time.Duration { return time.Duration(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).String())
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.set(raw)
}

func (m *Millis) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return m.set(raw)
}

func (m *Millis) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*m = 0
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			*m = Millis(time.Duration(ms) * time.Millisecond)
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*m = Millis(d)
	case float64:
		*m = Millis(time.Duration(v * float64(time.Millisecond)))
	case int:
		*m = Millis(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	if *m < 0 {
		return fmt.Errorf("negative duration %v", raw)
	}
	return nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		DevServer: DevServerConfig{Host: "127.0.0.1", Port: hostconfig.DefaultPort},
		Mailbox: MailboxConfig{
			Spans:   session.DefaultSpanMailboxSize,
			Metrics: session.DefaultMetricsMailboxSize,
		},
		Metrics: MetricsConfig{PollInterval: Millis(hostconfig.DefaultPollInterval)},
		OTLP: OTLPConfig{
			Enabled:     &enabled,
			Host:        "127.0.0.1",
			Port:        0, // ephemeral
			IdleTimeout: Millis(2 * time.Minute),
		},
		WebUI: WebUIConfig{Host: "127.0.0.1"},
		MCP:   MCPConfig{Transport: "stdio"},
	}
}

// LoadConfigFromFile loads configuration from a JSON (comments allowed) or
// YAML file at the given path.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a .devlens.json config file. It starts in
// dir and walks up looking for the file, stopping when it finds a .git
// directory (project root) or reaches the filesystem root.
func FindProjectConfig(dir string) (string, error) {
	for {
		configPath := filepath.Join(dir, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file,
// ~/.config/devlens/config.json.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "config.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.DevServer.Host != "" {
		merged.DevServer.Host = overlay.DevServer.Host
	}
	if overlay.DevServer.Port > 0 {
		merged.DevServer.Port = overlay.DevServer.Port
	}
	if overlay.DevServer.Stopped {
		merged.DevServer.Stopped = true
	}

	if overlay.Mailbox.Spans > 0 {
		merged.Mailbox.Spans = overlay.Mailbox.Spans
	}
	if overlay.Mailbox.Metrics > 0 {
		merged.Mailbox.Metrics = overlay.Mailbox.Metrics
	}

	if overlay.Metrics.PollInterval > 0 {
		merged.Metrics.PollInterval = overlay.Metrics.PollInterval
	}
	if len(overlay.SpanStack.IgnoreList) > 0 {
		merged.SpanStack.IgnoreList = overlay.SpanStack.IgnoreList
	}

	if overlay.OTLP.Enabled != nil {
		merged.OTLP.Enabled = overlay.OTLP.Enabled
	}
	if overlay.OTLP.Host != "" {
		merged.OTLP.Host = overlay.OTLP.Host
	}
	if overlay.OTLP.Port > 0 {
		merged.OTLP.Port = overlay.OTLP.Port
	}
	if overlay.OTLP.IdleTimeout > 0 {
		merged.OTLP.IdleTimeout = overlay.OTLP.IdleTimeout
	}

	if len(overlay.Files.Directories) > 0 {
		merged.Files.Directories = overlay.Files.Directories
	}
	if overlay.Files.OtelConfig != "" {
		merged.Files.OtelConfig = overlay.Files.OtelConfig
	}
	if overlay.Files.ActiveOnly {
		merged.Files.ActiveOnly = true
	}

	if overlay.WebUI.Host != "" {
		merged.WebUI.Host = overlay.WebUI.Host
	}
	if overlay.WebUI.Port > 0 {
		merged.WebUI.Port = overlay.WebUI.Port
	}

	if overlay.MCP.Transport != "" {
		merged.MCP.Transport = overlay.MCP.Transport
	}
	if overlay.Log.Verbose {
		merged.Log.Verbose = true
	}

	return &merged
}

// LoadedConfig is the effective configuration plus the file live settings
// are watched in.
type LoadedConfig struct {
	*Config
	// SettingsPath is the most specific config file found, "" when none.
	SettingsPath string
	// Sources lists the files that were merged, least specific first.
	Sources []string
}

// LoadEffectiveConfig loads the effective configuration by merging:
//  1. Built-in defaults
//  2. Global config file (if exists)
//  3. Project config file (if exists and no explicit path is given)
//  4. Explicit config file (if specified via configPath)
//
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath, workDir string) (*LoadedConfig, error) {
	out := &LoadedConfig{Config: DefaultConfig()}

	merge := func(path string, required bool) error {
		cfg, err := LoadConfigFromFile(path)
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		if err != nil {
			return err
		}
		out.Config = MergeConfigs(out.Config, cfg)
		out.SettingsPath = path
		out.Sources = append(out.Sources, path)
		return nil
	}

	if globalPath := GlobalConfigPath(); globalPath != "" {
		if err := merge(globalPath, false); err != nil {
			return nil, fmt.Errorf("failed to load global config: %w", err)
		}
	}

	if configPath == "" {
		if projectPath, err := FindProjectConfig(workDir); err == nil {
			if err := merge(projectPath, true); err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
		}
	} else if err := merge(configPath, true); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	return out, nil
}
