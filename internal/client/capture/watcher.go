package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

// SettingsWatcher mirrors a settings file into the sync engine.
//
// Some settings live in a JSON file edited by other processes rather than
// going through the application. The watcher monitors that file and captures
// every write as a settings update; the queue's debounce absorbs editor
// write bursts.
type SettingsWatcher struct {
	watcher     *fsnotify.Watcher
	capture     *Capture
	path        string
	aggregateID string
	baseVersion func() int64
	logger      *slog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSettingsWatcher creates a watcher for the settings file at path.
// baseVersion supplies the aggregate version local edits are made against.
func NewSettingsWatcher(capture *Capture, path, aggregateID string, baseVersion func() int64, logger *slog.Logger) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}

	return &SettingsWatcher{
		watcher:     watcher,
		capture:     capture,
		path:        absPath,
		aggregateID: aggregateID,
		baseVersion: baseVersion,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching the settings file's directory.
// Watching the directory rather than the file survives editors that replace
// the file on save.
func (sw *SettingsWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := sw.watcher.Add(filepath.Dir(sw.path)); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (sw *SettingsWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (sw *SettingsWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *SettingsWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(event) {
				continue
			}
			if err := sw.captureFile(); err != nil {
				sw.logger.Warn("Failed to capture settings change",
					"path", sw.path, "error", err)
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("Settings watcher error", "error", err)
		}
	}
}

// relevant filters for writes to the watched file itself.
func (sw *SettingsWatcher) relevant(event fsnotify.Event) bool {
	absPath, err := filepath.Abs(event.Name)
	if err != nil || absPath != sw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (sw *SettingsWatcher) captureFile() error {
	data, err := os.ReadFile(sw.path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	// Editors write in chunks; skip states that are not yet valid JSON,
	// the final write will be.
	if !json.Valid(data) {
		sw.logger.Debug("Skipping partially written settings file", "path", sw.path)
		return nil
	}

	return sw.capture.RecordUpdate(syncpkg.DataTypeSettings, sw.aggregateID, "", sw.baseVersion(), data)
}
