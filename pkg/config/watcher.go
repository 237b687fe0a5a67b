package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the env file and invokes a callback with the re-parsed
// configuration whenever it changes. Editors often replace rather than
// rewrite files, so the parent directory is watched and events are filtered
// by name and debounced by modification time.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	onChange func(Config)

	mu          sync.Mutex
	lastModTime time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewWatcher creates a watcher for envPath. Start must be called to begin
// watching.
func NewWatcher(envPath string, onChange func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  envPath,
		watcher:  watcher,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Returns an error if the env file's directory
// cannot be watched.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}

	go w.loop()
	log.Info().Str("path", w.envPath).Msg("watching configuration file")
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.envPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	cfg, err := FromEnv(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("config reload failed, keeping previous configuration")
		return
	}

	log.Info().Str("path", w.envPath).Msg("configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
