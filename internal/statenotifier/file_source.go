package statenotifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const defaultSettleDelay = 50 * time.Millisecond

// Func definitions for unit testing
var (
	newWatcherFunc = fsnotify.NewWatcher
)

// FileSource publishes the power state written to a file by suspend/resume
// hooks. The parent directory is watched so that atomic replacements of the
// file are seen. Bursts of events are collapsed into one read.
type FileSource struct {
	path        string
	notifier    *Notifier
	settleDelay time.Duration
	pending     delayedTask
	log         logr.Logger
}

func NewFileSource(path string, notifier *Notifier, log logr.Logger) *FileSource {
	return &FileSource{
		path:        filepath.Clean(path),
		notifier:    notifier,
		settleDelay: defaultSettleDelay,
		log:         log.WithValues("path", path),
	}
}

// Start watches the state file until ctx is cancelled.
func (f *FileSource) Start(ctx context.Context) error {
	watcher, err := newWatcherFunc()
	if err != nil {
		return fmt.Errorf("failed to create state file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f.sync()
	f.log.V(4).Info("watching power state file")

	defer f.pending.cancel()
	for {
		select {
		case <-ctx.Done():
			f.log.V(4).Info("cancellation signal received, stopping power state watcher")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				f.pending.schedule(f.settleDelay, f.sync)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Error(err, "power state watcher error")
		}
	}
}

// sync reads the file and publishes its state when it differs from the
// notifier's current one.
func (f *FileSource) sync() {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Error(err, "failed to read power state file")
		}
		return
	}

	state, err := ParseState(string(raw))
	if err != nil {
		f.log.Error(err, "ignoring power state file content")
		return
	}

	if state == f.notifier.Current() {
		return
	}
	f.notifier.Publish(state)
}
