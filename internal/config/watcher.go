package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher watches the configuration file and reports changes so settings
// like the log level can be adjusted without a restart.
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	onChange func()
	done     chan struct{}
	stopOnce sync.Once
	logger   hclog.Logger
}

// NewWatcher creates a watcher for the file at path. onChange runs on every
// write or create event touching the file.
func NewWatcher(path string, onChange func(), logger hclog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file to survive editor renames.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		fsw:      fsw,
		path:     filepath.Clean(path),
		onChange: onChange,
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start blocks, dispatching change events until Stop is called.
func (w *Watcher) Start() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("configuration file changed", "file", event.Name, "op", event.Op.String())
				w.onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// StartAsync starts the watcher in its own goroutine.
func (w *Watcher) StartAsync() {
	go w.Start()
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
