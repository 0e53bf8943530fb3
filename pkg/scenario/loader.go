package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader loads scenario documents from a directory and optionally hot-reloads
// them. A reload that fails leaves the previously loaded set in place.
type Loader struct {
	dir string

	mu        sync.RWMutex
	scenarios map[string]*Scenario
}

// NewLoader creates a loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:       dir,
		scenarios: make(map[string]*Scenario),
	}
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// LoadAll loads every .json, .yaml and .yml file in the directory. Scenario
// ids must be unique across files.
func (l *Loader) LoadAll() (map[string]*Scenario, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir %q: %w", l.dir, err)
	}

	result := make(map[string]*Scenario)
	origin := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(entry.Name()); !ok {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		sc, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		if prev, dup := origin[sc.ID]; dup {
			return nil, fmt.Errorf("scenario %q defined in both %q and %q", sc.ID, prev, path)
		}
		origin[sc.ID] = path
		result[sc.ID] = sc
	}

	l.mu.Lock()
	l.scenarios = result
	l.mu.Unlock()

	return result, nil
}

// Get returns a loaded scenario by id.
func (l *Loader) Get(id string) (*Scenario, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sc, ok := l.scenarios[id]
	return sc, ok
}

// All returns a copy of the loaded set.
func (l *Loader) All() map[string]*Scenario {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make(map[string]*Scenario, len(l.scenarios))
	for k, v := range l.scenarios {
		result[k] = v
	}
	return result
}

// LoadFile reads and validates a single scenario file.
func LoadFile(path string) (*Scenario, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported scenario file %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, format)
}

// WatchAndReload watches the directory and reloads on change. It blocks
// until ctx is cancelled.
func (l *Loader) WatchAndReload(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, ok := FormatFromPath(event.Name); !ok {
				continue
			}
			loaded, err := l.LoadAll()
			if err != nil {
				slog.WarnContext(ctx, "scenario reload failed, keeping previous set",
					slog.String("dir", l.dir),
					slog.String("error", err.Error()),
				)
				continue
			}
			slog.InfoContext(ctx, "scenarios reloaded",
				slog.String("dir", l.dir),
				slog.Int("count", len(loaded)),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				continue
			}
			return err
		}
	}
}
