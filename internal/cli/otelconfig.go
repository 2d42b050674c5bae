package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// OtelCollectorConfig is the part of an OpenTelemetry Collector config that
// names file exporters. Their output directories become file sources.
type OtelCollectorConfig struct {
	Exporters map[string]FileExporter `yaml:"exporters"`
}

// FileExporter represents a file exporter configuration.
type FileExporter struct {
	Path string `yaml:"path"`
}

// ParseOtelConfig reads an OpenTelemetry Collector config file and returns
// the sorted, unique parent directories of its file exporters ("file" or
// "file/<name>"). Relative paths resolve against the config's directory.
func ParseOtelConfig(configPath string) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read otel config: %w", err)
	}

	var config OtelCollectorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse otel config: %w", err)
	}

	base := filepath.Dir(configPath)
	var dirs []string
	for name, exporter := range config.Exporters {
		if name != "file" && !strings.HasPrefix(name, "file/") || exporter.Path == "" {
			continue
		}
		path := exporter.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		dirs = append(dirs, filepath.Dir(path))
	}

	slices.Sort(dirs)
	return slices.Compact(dirs), nil
}
