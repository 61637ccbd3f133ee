package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// Watcher re-reads the config file when it changes and hands the result
// to a callback. Only runtime-tunable settings should be applied from the
// callback; listener endpoints need a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func(*Config)
	debounce  time.Duration
	stopChan  chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		path:      path,
		onChange:  onChange,
		debounce:  2 * time.Second,
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched because
// editors replace files instead of writing them in place.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.processEvents()
	log.Info("config watcher started", log.Fields{"path": w.path})
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	close(w.stopChan)
	_ = w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", log.Err(err))
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Error("failed to reload config", log.Err(err))
				continue
			}
			log.Info("config file changed, reloading", log.Fields{"path": w.path})
			w.onChange(cfg)
		}
	}
}
