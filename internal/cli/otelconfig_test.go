package cli

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseOtelConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otel-collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
receivers:
  otlp:
    protocols:
      grpc: {}
exporters:
  debug: {}
  otlp:
    endpoint: 127.0.0.1:4317
  file:
    path: /var/otel/all.jsonl
  file/traces:
    path: /var/otel/traces.jsonl
  file/metrics:
    path: data/metrics.jsonl
  file/empty: {}
`), 0o644))

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)

	want := []string{filepath.Join(dir, "data"), "/var/otel"}
	slices.Sort(want)
	if diff := cmp.Diff(want, dirs); diff != "" {
		t.Errorf("dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOtelConfigErrors(t *testing.T) {
	_, err := ParseOtelConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read otel config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("exporters: [unclosed"), 0o644))
	_, err = ParseOtelConfig(bad)
	require.ErrorContains(t, err, "failed to parse otel config")
}
