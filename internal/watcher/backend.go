// Backend selection follows a build-tag convention:
//
//	inotify_linux.go  (//go:build linux) registers inotifyFactory in init()
//	fsnotify_backend.go (all platforms)  portable fallback
//
// When no inotify factory has been registered, BackendAuto resolves to the
// fsnotify backend.

package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// BackendKind names an OS notification backend.
type BackendKind string

const (
	// BackendAuto uses inotify on Linux and fsnotify elsewhere.
	BackendAuto BackendKind = "auto"
	// BackendInotify uses raw inotify(7). Linux only.
	BackendInotify BackendKind = "inotify"
	// BackendFsnotify uses github.com/fsnotify/fsnotify.
	BackendFsnotify BackendKind = "fsnotify"
)

// ParseBackend validates s as a BackendKind. The empty string is BackendAuto.
func ParseBackend(s string) (BackendKind, error) {
	switch k := BackendKind(s); k {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendInotify, BackendFsnotify:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
	}
}

// rawEvent is one change notification for a handle, before it is resolved
// to a directory.
type rawEvent struct {
	kind EventKind
	name string
}

// batch is a run of consecutive events for one handle, in OS order. A batch
// may carry no events when the backend only has to report that the handle
// became invalid. Overflow batches use handle -1.
type batch struct {
	handle int
	events []rawEvent
}

const overflowHandle = -1

func overflowBatch() batch {
	return batch{handle: overflowHandle, events: []rawEvent{{kind: Overflow}}}
}

// errWoken is returned by Take when Wake interrupted the wait.
var errWoken = errors.New("watcher: wait interrupted")

// backend abstracts the OS notification mechanism. Add may be called from
// any goroutine; Take and Reset are only called from the loop goroutine.
type backend interface {
	// Add starts watching dir for entry creation, modification and deletion
	// and returns the handle events for dir will carry.
	Add(dir string) (int, error)
	// Take blocks until the next batch is available, Wake is called
	// (errWoken), or the backend fails.
	Take() (batch, error)
	// Reset re-arms handle after its batch was processed. It reports false
	// when the handle became permanently invalid; the backend forgets it.
	Reset(handle int) bool
	// Wake makes a blocked or subsequent Take return errWoken.
	Wake()
	Close() error
}

// inotifyFactory is registered by inotify_linux.go.
var inotifyFactory func(logger *slog.Logger) (backend, error)

func newBackend(kind BackendKind, logger *slog.Logger) (backend, error) {
	switch kind {
	case BackendAuto, "":
		if inotifyFactory != nil {
			return inotifyFactory(logger)
		}
		return newFsnotifyBackend(logger)
	case BackendInotify:
		if inotifyFactory == nil {
			return nil, fmt.Errorf("%w: inotify is not available on %s", ErrUnsupportedBackend, runtime.GOOS)
		}
		return inotifyFactory(logger)
	case BackendFsnotify:
		return newFsnotifyBackend(logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
}
