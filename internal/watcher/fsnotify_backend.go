package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend adapts github.com/fsnotify/fsnotify to the backend
// interface. fsnotify reports events by path, so handles are a synthetic
// counter assigned per watched directory.
type fsnotifyBackend struct {
	logger *slog.Logger
	w      *fsnotify.Watcher
	wake   chan struct{}

	mu      sync.Mutex
	next    int
	handles map[string]int // directory → handle
	dirs    map[int]string // handle → directory
	invalid map[int]bool
}

func newFsnotifyBackend(logger *slog.Logger) (*fsnotifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &fsnotifyBackend{
		logger:  logger,
		w:       w,
		wake:    make(chan struct{}, 1),
		handles: make(map[string]int),
		dirs:    make(map[int]string),
		invalid: make(map[int]bool),
	}, nil
}

func (b *fsnotifyBackend) Add(dir string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.handles[dir]; ok {
		return h, nil
	}
	if err := b.w.Add(dir); err != nil {
		return 0, err
	}
	b.next++
	b.handles[dir] = b.next
	b.dirs[b.next] = dir
	return b.next, nil
}

func (b *fsnotifyBackend) Take() (batch, error) {
	for {
		select {
		case <-b.wake:
			return batch{}, errWoken

		case ev, ok := <-b.w.Events:
			if !ok {
				return batch{}, errors.New("fsnotify: event channel closed")
			}
			if bt, ok := b.translate(ev); ok {
				return bt, nil
			}

		case err, ok := <-b.w.Errors:
			if !ok {
				return batch{}, errors.New("fsnotify: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				return overflowBatch(), nil
			}
			b.logger.Warn("fsnotify: watcher error", slog.Any("error", err))
		}
	}
}

// translate maps one fsnotify event to a single-event batch. It reports
// false for events that carry nothing to dispatch.
func (b *fsnotifyBackend) translate(ev fsnotify.Event) (batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The watched directory itself went away.
	if h, ok := b.handles[ev.Name]; ok && ev.Has(fsnotify.Remove|fsnotify.Rename) {
		b.invalid[h] = true
		return batch{handle: h}, true
	}

	h, ok := b.handles[filepath.Dir(ev.Name)]
	if !ok {
		return batch{}, false
	}

	var kind EventKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Create
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Delete
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		kind = Modify
	default:
		return batch{}, false
	}
	return batch{handle: h, events: []rawEvent{{kind: kind, name: filepath.Base(ev.Name)}}}, true
}

func (b *fsnotifyBackend) Reset(handle int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.invalid[handle] {
		return true
	}
	delete(b.invalid, handle)
	if dir, ok := b.dirs[handle]; ok {
		delete(b.dirs, handle)
		delete(b.handles, dir)
		// fsnotify usually drops the watch itself once the directory is gone.
		_ = b.w.Remove(dir)
	}
	return false
}

func (b *fsnotifyBackend) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *fsnotifyBackend) Close() error {
	return b.w.Close()
}
