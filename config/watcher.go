package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-reads the TOML file whenever it changes and applies changed
// dynamic keys through Manager.Update, so edits to the config file take
// effect without a restart. Static keys in the file are ignored until the
// next restart; a differing static value is logged once per change event.
type Watcher struct {
	manager *Manager
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the manager's config file. Returns an error
// when the underlying notify watch cannot be established.
func NewWatcher(manager *Manager, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(manager.configFile); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{manager: manager, logger: logger, watcher: fsw, done: make(chan struct{})}
	go w.loop()
	logger.Info("config_watcher_started", zap.String("config_file", manager.configFile))
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reapply()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config_watcher_error", zap.Error(err))
		}
	}
}

func (w *Watcher) reapply() {
	fileValues, err := w.manager.loadFile()
	if err != nil {
		w.logger.Error("config_reload_failed", zap.Error(err))
		return
	}
	for path, raw := range fileValues {
		key, ok := Lookup(path)
		if !ok {
			continue
		}
		value := NormalizeValue(path, raw)
		if key.Tier == TierStatic {
			current := w.manager.Get(path)
			if !equalValues(current, value) {
				w.logger.Warn("static_config_change_requires_restart",
					zap.String("key", path))
			}
			continue
		}
		if equalValues(w.manager.Get(path), value) {
			continue
		}
		if err := w.manager.Update(path, value); err != nil {
			w.logger.Warn("config_reload_update_rejected",
				zap.String("key", path),
				zap.Error(err))
		}
	}
}

func equalValues(a, b any) bool {
	if la, ok := a.([]string); ok {
		lb, ok := b.([]string)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if la[i] != lb[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
