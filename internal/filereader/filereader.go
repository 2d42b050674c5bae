// Package filereader replays OTLP telemetry from JSONL files written by the
// OpenTelemetry Collector's file exporter. Records are converted the same way
// the OTLP bridge converts live exports and handed to a Sink, normally an
// otlpbridge.Client, so a recorded run shows up as one more client.
package filereader

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/protobuf/encoding/protojson"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/devlens/internal/otlpbridge"
	"github.com/tobert/devlens/internal/protocol"
)

const (
	// Buffer sizes for JSONL line scanning. OTLP JSON can be large,
	// especially for batched spans with many attributes.
	jsonlBufferInitial = 1 * 1024 * 1024  // 1MB initial buffer
	jsonlBufferMax     = 10 * 1024 * 1024 // 10MB maximum line size
)

// Sink receives converted telemetry. otlpbridge.Client implements it.
type Sink interface {
	DeliverSpans(ctx context.Context, msgs []protocol.Message) error
	DeliverMetrics(ctx context.Context, recs []protocol.MetricRecord) error
}

// FileSource reads OTLP telemetry from a directory of JSONL files and keeps
// following them as the collector appends.
type FileSource struct {
	directory  string
	sink       Sink
	activeOnly bool
	logger     *slog.Logger

	watcher *fsnotify.Watcher

	// Track file read positions to only read new data
	mu          sync.Mutex
	fileOffsets map[string]int64
	lines       int
	badLines    int
}

// Config holds configuration for a FileSource.
type Config struct {
	Directory string // Base directory (e.g., /tank/otel)
	Logger    *slog.Logger

	// ActiveOnly only loads active files like traces.jsonl, skipping rotated
	// archives like traces-2025-12-09T13-10-56.jsonl.
	ActiveOnly bool
}

// New creates a FileSource for the given directory, which should contain
// traces/, logs/ and metrics/ subdirectories of .jsonl files.
func New(cfg Config, sink Sink) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Directory)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FileSource{
		directory:   cfg.Directory,
		sink:        sink,
		activeOnly:  cfg.ActiveOnly,
		logger:      logger.With(slog.String("component", "filereader"), slog.String("directory", cfg.Directory)),
		watcher:     watcher,
		fileOffsets: make(map[string]int64),
	}, nil
}

// Run loads existing files, then follows appends until ctx is done.
func (fs *FileSource) Run(ctx context.Context) error {
	defer fs.watcher.Close()

	for _, signal := range []string{"traces", "logs", "metrics"} {
		dir := filepath.Join(fs.directory, signal)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fs.watcher.Add(dir); err != nil {
			fs.logger.Warn("⚠️  could not watch directory", slog.String("path", dir), slog.Any("error", err))
		} else {
			fs.logger.Debug("📁 watching", slog.String("path", dir))
		}
	}

	if err := fs.loadInitialData(ctx); err != nil {
		return fmt.Errorf("initial data load failed: %w", err)
	}
	return fs.watchLoop(ctx)
}

// Directory returns the base directory being watched.
func (fs *FileSource) Directory() string {
	return fs.directory
}

func (fs *FileSource) loadInitialData(ctx context.Context) error {
	for _, signal := range []string{"traces", "logs", "metrics"} {
		dir := filepath.Join(fs.directory, signal)
		files, err := fs.findJSONLFiles(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		for _, file := range files {
			count, err := fs.loadFile(ctx, signal, file)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fs.logger.Warn("⚠️  error loading file", slog.String("path", file), slog.Any("error", err))
				continue
			}
			if count > 0 {
				fs.logger.Info("📁 loaded", slog.Int("lines", count), slog.String("signal", signal), slog.String("file", filepath.Base(file)))
			}
		}
	}
	return nil
}

// findJSONLFiles returns .jsonl files in a directory, oldest first. With
// activeOnly set it returns only the active file (e.g. traces.jsonl).
func (fs *FileSource) findJSONLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	activeFileName := filepath.Base(dir) + ".jsonl"

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isJSONL(name) {
			continue
		}
		if fs.activeOnly && name != activeFileName {
			fs.logger.Debug("skipping archived file", slog.String("file", name))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	slices.SortStableFunc(files, func(a, b fileInfo) int { return a.modTime.Compare(b.modTime) })

	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

func isJSONL(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.Contains(name, ".jsonl.")
}

func (fs *FileSource) loadFile(ctx context.Context, signal, path string) (int, error) {
	switch signal {
	case "traces":
		return fs.processFile(ctx, path, func(line []byte) error {
			var data tracepb.TracesData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse trace JSON: %w", err)
			}
			return fs.sink.DeliverSpans(ctx, otlpbridge.ConvertSpans(data.GetResourceSpans()))
		})
	case "logs":
		return fs.processFile(ctx, path, func(line []byte) error {
			var data logspb.LogsData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse log JSON: %w", err)
			}
			events, _ := otlpbridge.ConvertLogs(data.GetResourceLogs())
			return fs.sink.DeliverSpans(ctx, events)
		})
	case "metrics":
		return fs.processFile(ctx, path, func(line []byte) error {
			var data metricspb.MetricsData
			if err := protojson.Unmarshal(line, &data); err != nil {
				return fmt.Errorf("parse metric JSON: %w", err)
			}
			return fs.sink.DeliverMetrics(ctx, otlpbridge.ConvertMetrics(data.GetResourceMetrics()))
		})
	}
	return 0, nil
}

// processFile reads a JSONL file from the last known offset, calling handler
// for each line, and returns the number of lines handled. A file shorter than
// the saved offset was truncated or replaced and is read from the start.
func (fs *FileSource) processFile(ctx context.Context, path string, handler func([]byte) error) (int, error) {
	fs.mu.Lock()
	offset := fs.fileOffsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			offset = 0
		}
	}

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, jsonlBufferInitial)
	scanner.Buffer(buf, jsonlBufferMax)

	count, bad := 0, 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}

		if err := handler(line); err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			// One bad line must not stop the replay.
			bad++
			fs.logger.Debug("⚠️  skipping line", slog.String("file", filepath.Base(path)), slog.Any("error", err))
			continue
		}
		count++
	}

	// A final line without a newline was counted one byte long.
	if end, err := file.Seek(0, io.SeekCurrent); err == nil && offset > end {
		offset = end
	}

	fs.mu.Lock()
	fs.fileOffsets[path] = offset
	fs.lines += count
	fs.badLines += bad
	fs.mu.Unlock()

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading %s: %w", path, err)
	}
	return count, nil
}

func (fs *FileSource) watchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := event.Name
			if !isJSONL(filepath.Base(path)) {
				continue
			}
			signal := filepath.Base(filepath.Dir(path))
			if fs.activeOnly && filepath.Base(path) != signal+".jsonl" {
				continue
			}

			count, err := fs.loadFile(ctx, signal, path)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fs.logger.Warn("⚠️  error reading file", slog.String("path", path), slog.Any("error", err))
			} else if count > 0 {
				fs.logger.Debug("📁 loaded new lines", slog.Int("lines", count), slog.String("signal", signal))
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return nil
			}
			fs.logger.Warn("⚠️  watcher error", slog.Any("error", err))
		}
	}
}

// Stats describes what a FileSource has read.
type Stats struct {
	Directory    string   `json:"directory"`
	WatchedDirs  []string `json:"watched_dirs"`
	FilesTracked int      `json:"files_tracked"`
	Lines        int      `json:"lines"`
	BadLines     int      `json:"bad_lines"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	watched := fs.watcher.WatchList()
	slices.SortFunc(watched, cmp.Compare[string])
	return Stats{
		Directory:    fs.directory,
		WatchedDirs:  watched,
		FilesTracked: len(fs.fileOffsets),
		Lines:        fs.lines,
		BadLines:     fs.badLines,
	}
}
