package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the configuration files and publishes every successfully
// assembled revision.
//
// At startup a source that fails to load is logged and skipped. On reload a
// previously loaded source that now fails keeps the previous configuration
// active, so a half-saved file cannot silently drop its rules.
type Watcher struct {
	sources  Sources
	cfg      *Config
	skipped  map[string]bool
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher loads the initial configuration and prepares the file watcher.
// Only a failure to set up the file watcher is an error.
func NewWatcher(sources Sources, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch directories: editors replace files with rename, which drops a
	// watch placed directly on the file.
	dirs := make(map[string]bool)
	for _, path := range sources.Files {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := watcher.Add(dir); err != nil {
			logger.Warn("Cannot watch config directory", "path", dir, "error", err)
		}
	}

	cfg, skipped := sources.Load()
	logSkipped(logger, skipped)

	return &Watcher{
		sources: sources,
		cfg:     cfg,
		skipped: skippedSet(skipped),
		watcher: watcher,
		logger:  logger,
	}, nil
}

func logSkipped(logger *slog.Logger, skipped []*SourceError) {
	for _, se := range skipped {
		logger.Error("Configuration source skipped", "source", se.Source, "error", se.Err)
	}
}

func skippedSet(skipped []*SourceError) map[string]bool {
	set := make(map[string]bool, len(skipped))
	for _, se := range skipped {
		set[se.Source] = true
	}
	return set
}

// Config returns the current configuration (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after each successful reload.
// It must be set before Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// SetLogger replaces the logger used for reload messages. It must be called
// before Start.
func (w *Watcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Start watches the configuration file until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "files", w.sources.Files)

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	targets := make(map[string]bool, len(w.sources.Files))
	for _, path := range w.sources.Files {
		targets[filepath.Clean(path)] = true
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			_ = w.Reload()
		}
	}
}

// Reload assembles the configuration again. On success the new configuration
// replaces the current one and the OnChange callback runs.
func (w *Watcher) Reload() error {
	newCfg, skipped := w.sources.Load()

	w.mu.Lock()
	var regressed []*SourceError
	for _, se := range skipped {
		if !w.skipped[se.Source] {
			regressed = append(regressed, se)
		}
	}
	if len(regressed) > 0 {
		w.mu.Unlock()
		errs := make([]error, len(regressed))
		for i, se := range regressed {
			errs[i] = se
		}
		err := errors.Join(errs...)
		w.logger.Error("Failed to reload config, keeping previous configuration", "error", err)
		return fmt.Errorf("failed to load config: %w", err)
	}
	w.cfg = newCfg
	w.skipped = skippedSet(skipped)
	w.mu.Unlock()

	logSkipped(w.logger, skipped)
	w.logger.Info("Config reloaded successfully", "files", w.sources.Files)
	if w.onChange != nil {
		w.onChange(newCfg)
	}
	return nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
