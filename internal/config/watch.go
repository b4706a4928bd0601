package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/util"
)

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates; invalid edits are logged and skipped. The directory is
// watched rather than the file so editors that replace the file by rename are
// still noticed.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	path = filepath.Clean(expandPath(path))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{path: path, watcher: fw, done: make(chan struct{})}
	util.SafeGoWithName("config-watcher", func() {
		defer close(w.done)
		w.loop(onChange)
	})
	return w, nil
}

func (w *Watcher) loop(onChange func(*Config)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				logging.Warn("config reload failed",
					"path", w.path,
					logging.Err(err),
					logging.Component("config"))
				continue
			}
			logging.Info("config reloaded",
				"path", w.path,
				logging.Component("config"))
			onChange(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error",
				logging.Err(err),
				logging.Component("config"))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
