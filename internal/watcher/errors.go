package watcher

import (
	"errors"
	"fmt"
)

var (
	// ErrNotADirectory is matched by *NotADirectoryError.
	ErrNotADirectory = errors.New("watcher: not a directory")
	// ErrWatchCreation is matched by *WatchCreationError.
	ErrWatchCreation = errors.New("watcher: cannot create watch")
	// ErrUnknownHandle is matched by *UnknownHandleError.
	ErrUnknownHandle = errors.New("watcher: watch handle not recognized")
	// ErrStopped is returned by Register and Start once the engine has stopped.
	ErrStopped = errors.New("watcher: engine stopped")
	// ErrNilListener is returned when Register is called with a nil listener.
	ErrNilListener = errors.New("watcher: nil listener")
	// ErrListenerNotComparable is returned for listeners that cannot be used
	// as map keys, such as structs holding func fields passed by value.
	ErrListenerNotComparable = errors.New("watcher: listener is not comparable")
	// ErrUnsupportedBackend is returned by New when the requested OS backend
	// does not exist on this platform.
	ErrUnsupportedBackend = errors.New("watcher: unsupported backend")
)

// NotADirectoryError reports a registration path that does not exist, cannot
// be inspected, or is not a directory.
type NotADirectoryError struct {
	Path string
	// Err is the stat failure, or nil when the path exists but is not a
	// directory.
	Err error
}

func (e *NotADirectoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("watcher: %s is not an accessible directory: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("watcher: %s is not a directory", e.Path)
}

func (e *NotADirectoryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotADirectory}
	}
	return []error{ErrNotADirectory, e.Err}
}

// WatchCreationError reports that the OS refused to watch a directory.
type WatchCreationError struct {
	Dir string
	Err error
}

func (e *WatchCreationError) Error() string {
	return fmt.Sprintf("watcher: cannot watch %s: %v", e.Dir, e.Err)
}

func (e *WatchCreationError) Unwrap() []error {
	return []error{ErrWatchCreation, e.Err}
}

// UnknownHandleError is logged when the backend reports events for a handle
// that is not in the registration table.
type UnknownHandleError struct {
	Handle int
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("watcher: watch handle %d not recognized", e.Handle)
}

func (e *UnknownHandleError) Unwrap() error { return ErrUnknownHandle }
