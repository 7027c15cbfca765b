package integrations

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// ErrWatcherFailed is returned when the filesystem watcher cannot start.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// FileWatch records a custom breadcrumb for every filesystem event on the
// watched paths. Watcher errors are logged as warn events.
type FileWatch struct {
	paths []string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileWatch watches paths. Directories are watched non-recursively.
func NewFileWatch(paths ...string) *FileWatch {
	return &FileWatch{paths: paths}
}

// Setup implements traceway.Integration. It fails when any path cannot be
// watched.
func (f *FileWatch) Setup(h traceway.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return ErrAlreadySetup
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	for _, p := range f.paths {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return fmt.Errorf("watching %s: %w", p, err)
		}
	}

	f.watcher = w
	f.done = make(chan struct{})
	go f.loop(h, w, f.done)
	return nil
}

func (f *FileWatch) loop(h traceway.Handle, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			op := ev.Op.String()
			h.AddBreadcrumb(traceway.BreadcrumbCustom, "fs: "+op+" "+ev.Name, map[string]any{
				"op":   op,
				"path": ev.Name,
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.Warn("filewatch_error", err.Error(), nil)
		}
	}
}

// Teardown implements traceway.Teardowner.
func (f *FileWatch) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return
	}
	_ = f.watcher.Close()
	<-f.done
	f.watcher = nil
}
