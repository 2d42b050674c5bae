// Package hostconfig holds the live, observable settings the running bridge
// reacts to: the dev server port, the metrics poll interval and the span
// ignore list. Settings come from a JSON (comments allowed) or YAML file
// organised as sections of keys:
//
//	{
//	  "devServer": {"port": 34437},
//	  "metrics":   {"pollInterval": 500},
//	  "spanStack": {"ignoreList": ["GET /health*"]}
//	}
//
// The file is watched, and every Value handed out by a Source follows edits.
package hostconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tobert/devlens/internal/notify"
)

// Well-known settings.
const (
	SectionDevServer = "devServer"
	SectionMetrics   = "metrics"
	SectionSpanStack = "spanStack"

	KeyPort         = "port"
	KeyPollInterval = "pollInterval"
	KeyIgnoreList   = "ignoreList"

	DefaultPort         = 34437
	DefaultPollInterval = 500 * time.Millisecond
)

var liveSections = map[string]bool{
	SectionDevServer: true,
	SectionMetrics:   true,
	SectionSpanStack: true,
}

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 50 * time.Millisecond

type document map[string]map[string]any

// Source is a settings document with change notification. The zero value is
// not usable; create one with Open or NewStatic.
type Source struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	file      document // last successfully parsed file contents
	overrides document // values set in-process, applied over file

	changes *notify.Signal
}

// NewStatic creates a Source that is not backed by a file.
func NewStatic(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger:    logger.With(slog.String("component", "hostconfig")),
		file:      document{},
		overrides: document{},
		changes:   notify.New(),
	}
}

// Open loads the settings file at path. A missing file is treated as empty
// so it can be created later while Watch is running.
func Open(path string, logger *slog.Logger) (*Source, error) {
	s := NewStatic(logger)
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, or "" for a static source.
func (s *Source) Path() string { return s.path }

// Reload re-reads the backing file. On a parse error the previous contents
// are kept and the error is returned.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	doc, err := load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.file = doc
	s.mu.Unlock()
	s.changes.Notify()
	return nil
}

// Set overrides one setting in memory. Overrides take precedence over the
// file until cleared with Unset.
func (s *Source) Set(section, key string, value any) {
	s.mu.Lock()
	if s.overrides[section] == nil {
		s.overrides[section] = map[string]any{}
	}
	s.overrides[section][key] = value
	s.mu.Unlock()
	s.changes.Notify()
}

// Unset removes an in-memory override.
func (s *Source) Unset(section, key string) {
	s.mu.Lock()
	delete(s.overrides[section], key)
	s.mu.Unlock()
	s.changes.Notify()
}

func (s *Source) lookup(section, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.overrides[section][key]; ok {
		return v, true
	}
	v, ok := s.file[section][key]
	return v, ok
}

// Snapshot returns the effective settings, overrides applied.
func (s *Source) Snapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.file)+len(s.overrides))
	for _, doc := range []document{s.file, s.overrides} {
		for section, keys := range doc {
			if out[section] == nil {
				out[section] = make(map[string]any, len(keys))
			}
			maps.Copy(out[section], keys)
		}
	}
	return out
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so atomic-rename saves are seen.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("cannot watch %s: %w", dir, err)
	}
	s.logger.Debug("watching settings", slog.String("path", s.path))

	name := filepath.Clean(s.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				debounce = time.After(reloadDebounce)
			}

		case <-debounce:
			debounce = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("⚠️  keeping previous settings", slog.Any("error", err))
				continue
			}
			s.logger.Info("settings reloaded", slog.String("path", s.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", slog.Any("error", err))
		}
	}
}

func load(path string) (document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}

	doc := make(document, len(raw))
	for section, v := range raw {
		keys, ok := v.(map[string]any)
		if !ok {
			// Other top-level scalars belong to the static config.
			if liveSections[section] {
				return nil, fmt.Errorf("parsing settings %s: section %q is not an object", path, section)
			}
			continue
		}
		doc[section] = keys
	}
	return doc, nil
}
