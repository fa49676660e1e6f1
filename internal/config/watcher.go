package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads Config from its YAML file whenever that file changes,
// following the select-on-events-or-errors loop
// scrypster-memento/internal/notify/watcher.go uses to watch its events
// directory, generalized here from dispatching enrichment events to
// re-running Load and handing the caller a fresh *Config.
type Watcher struct {
	path     string
	callback func(*Config)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher builds a Watcher for the YAML file at path. callback is
// invoked with the newly loaded Config after each write event; load
// errors are logged and the previous Config is left in place.
func NewWatcher(path string, logger *zap.Logger, callback func(*Config)) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, callback: callback, logger: logger, done: make(chan struct{})}
}

// Start begins watching the config file's parent directory (fsnotify
// watches directories more reliably than single files across editors that
// replace-on-save) for writes to the named file.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	w.logger.Info("config: watching for changes", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload failed, keeping previous config", zap.Error(err))
		return
	}
	w.logger.Info("config: reloaded")
	w.callback(cfg)
}
