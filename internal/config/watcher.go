package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 50 * time.Millisecond

// ReloadFunc receives the re-read configuration, or the error that rejected it.
type ReloadFunc func(cfg *Config, err error)

// Watcher re-reads a config file whenever it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are still observed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching for file changes
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher and waits for the watch loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.doneCh
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer
	defer debounceTimer.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounceTimer.Reset(reloadDebounce)

		case <-debounceTimer.C:
			cfg, err := ReadFile(w.path)
			if w.onReload != nil {
				w.onReload(cfg, err)
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// ReadFile loads and validates the config file at path on top of the
// defaults, without touching the global viper instance.
func ReadFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaultsOn(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return LoadFrom(v)
}
