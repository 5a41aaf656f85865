package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"groupvault/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports when the credential directory disappears or reappears
// underneath a running process (an operator wiping the profile, a volume
// being remounted).
type Watcher struct {
	dir      *Dir
	watcher  *fsnotify.Watcher
	onChange func(present bool)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches the parent of dir so removal of dir itself is seen.
func NewWatcher(dir *Dir, onChange func(present bool)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{dir: dir, watcher: w, onChange: onChange}, nil
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	parent := filepath.Dir(w.dir.Path())
	if err := w.watcher.Add(parent); err != nil {
		return fmt.Errorf("watch %s: %w", parent, err)
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	if err := w.watcher.Close(); err != nil {
		logging.SessionWarn("credential watcher close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.SessionWarn("credential watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.dir.Path() {
		return
	}
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		logging.SessionWarn("credential dir %s removed externally", ev.Name)
		w.notify(false)
	case ev.Op&fsnotify.Create != 0:
		logging.SessionDebug("credential dir %s created", ev.Name)
		w.notify(true)
	}
}

func (w *Watcher) notify(present bool) {
	if w.onChange != nil {
		w.onChange(present)
	}
}
