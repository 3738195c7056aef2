package system

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gobeaver/vfs"
)

// dirWatcher turns fsnotify events below a root into vfs change events.
// fsnotify is not recursive, so every directory is added as it appears.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	events  chan vfs.ChangeEvent
	errors  chan error
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	dirs map[string]bool
}

// Watch implements vfs.Adapter using fsnotify for native file system
// events. The root is created when missing.
func (a *Adapter) Watch(ctx context.Context, root string) (vfs.Watcher, error) {
	root = filepath.Clean(filepath.FromSlash(root))
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &vfs.PathError{Op: "watch", Path: root, Err: err}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &vfs.PathError{Op: "watch", Path: root, Err: err}
	}

	dw := &dirWatcher{
		watcher: w,
		events:  make(chan vfs.ChangeEvent),
		errors:  make(chan error),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		dirs:    make(map[string]bool),
	}
	if err := dw.addTree(root); err != nil {
		w.Close()
		return nil, &vfs.PathError{Op: "watch", Path: root, Err: err}
	}

	go dw.run(ctx)
	return dw, nil
}

func (w *dirWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Removed while walking
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[p] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *dirWatcher) run(ctx context.Context) {
	defer close(w.stopped)
	defer close(w.errors)
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := w.translate(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				case <-ctx.Done():
					return
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *dirWatcher) translate(event fsnotify.Event) (vfs.ChangeEvent, bool) {
	ev := vfs.ChangeEvent{Path: filepath.ToSlash(event.Name)}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Warnw("watching new directory failed", "path", event.Name, "error", err)
			}
			ev.Type = vfs.ChangeAddDir
		} else {
			ev.Type = vfs.ChangeAdd
		}
	case event.Has(fsnotify.Write):
		ev.Type = vfs.ChangeChange
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		wasDir := w.dirs[event.Name]
		delete(w.dirs, event.Name)
		w.mu.Unlock()
		if wasDir {
			ev.Type = vfs.ChangeUnlinkDir
		} else {
			ev.Type = vfs.ChangeUnlink
		}
	default:
		return ev, false
	}
	return ev, true
}

func (w *dirWatcher) Events() <-chan vfs.ChangeEvent { return w.events }
func (w *dirWatcher) Errors() <-chan error           { return w.errors }

// Close stops the watcher and waits for its goroutine.
func (w *dirWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}
