// Package watcher implements the directory watch engine: callers register
// listeners on directories, optionally filtered by glob patterns, and a single
// background loop translates OS change notifications into per-listener
// callbacks.
//
// Watching is non-recursive. Events are delivered per directory in the order
// the OS reported them; there is no ordering across directories. Callbacks
// run synchronously on the loop goroutine, so a slow listener delays delivery
// to every other listener.
package watcher

import (
	"path/filepath"
	"time"
)

// EventKind classifies a directory change.
type EventKind uint8

const (
	// Create indicates an entry appeared in the directory (created or moved in).
	Create EventKind = iota + 1
	// Modify indicates an entry's content or attributes changed.
	Modify
	// Delete indicates an entry was removed from the directory (deleted or
	// moved out).
	Delete
	// Overflow indicates the OS dropped events. It is never delivered to
	// listeners.
	Overflow
)

func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Event is a dispatched change, as seen by a DirListener.
type Event struct {
	// Dir is the absolute path of the watched directory.
	Dir string
	// Name is the entry name relative to Dir.
	Name string
	Kind EventKind
	// Time is when the engine dispatched the event.
	Time time.Time
}

// Path returns the absolute path of the changed entry.
func (e Event) Path() string {
	return filepath.Join(e.Dir, e.Name)
}

// Listener receives change notifications for the directories it is
// registered on. The name passed to each callback is relative to the watched
// directory.
//
// Listeners are identified by interface equality, so implementations must be
// comparable; pointer receivers are the usual choice. Callbacks must not
// block for unbounded durations.
type Listener interface {
	OnFileCreate(name string)
	OnFileModify(name string)
	OnFileDelete(name string)
}

// DirListener is implemented by listeners that want the full event,
// including the directory it occurred in. When a listener implements
// DirListener, OnEvent is called instead of the per-kind callbacks.
type DirListener interface {
	Listener
	OnEvent(ev Event)
}

// NopListener implements every Listener callback as a no-op. Embed it to
// override only the callbacks of interest.
type NopListener struct{}

func (NopListener) OnFileCreate(string) {}
func (NopListener) OnFileModify(string) {}
func (NopListener) OnFileDelete(string) {}

// Funcs adapts plain functions to the Listener interface. Nil fields are
// skipped. Register a *Funcs so the listener is comparable.
type Funcs struct {
	Create func(name string)
	Modify func(name string)
	Delete func(name string)
}

func (f *Funcs) OnFileCreate(name string) {
	if f.Create != nil {
		f.Create(name)
	}
}

func (f *Funcs) OnFileModify(name string) {
	if f.Modify != nil {
		f.Modify(name)
	}
}

func (f *Funcs) OnFileDelete(name string) {
	if f.Delete != nil {
		f.Delete(name)
	}
}
