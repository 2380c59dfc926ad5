// Package registry holds the registration table that links OS watch handles,
// the directories they represent, the listeners subscribed to each directory,
// and the glob patterns each listener uses for that directory.
//
// All three maps are guarded by a single RWMutex, so a reader (the dispatch
// loop) never observes a half-applied registration. Pattern sets are keyed by
// the (listener, directory) pair: registering the same listener on a second
// directory leaves its filter on the first directory untouched.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dirwatch/dirwatch/internal/pattern"
)

// ErrUnknownDirectory is returned when a listener is attached to a directory
// that has no watch handle in the table.
var ErrUnknownDirectory = errors.New("registry: directory is not tracked")

// DirectoryInfo is a point-in-time view of one tracked directory.
type DirectoryInfo struct {
	Handle    int    `json:"handle"`
	Dir       string `json:"dir"`
	Listeners int    `json:"listeners"`
}

type key[L comparable] struct {
	listener L
	dir      string
}

// Table is the registration table. L is the listener type; it must be
// comparable because listener identity is map-key identity. The zero Table
// is not usable; create one with New.
type Table[L comparable] struct {
	mu        sync.RWMutex
	handles   map[int]string               // handle → directory
	dirs      map[string]int               // directory → handle
	listeners map[string][]L               // directory → listeners, insertion ordered, unique
	patterns  map[key[L]][]pattern.Predicate // (listener, directory) → patterns
}

// New returns an empty Table.
func New[L comparable]() *Table[L] {
	return &Table[L]{
		handles:   make(map[int]string),
		dirs:      make(map[string]int),
		listeners: make(map[string][]L),
		patterns:  make(map[key[L]][]pattern.Predicate),
	}
}

// AddDirectory records that handle watches dir. Adding an already-tracked
// directory is a no-op and reports false.
func (t *Table[L]) AddDirectory(handle int, dir string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dirs[dir]; ok {
		return false
	}
	t.handles[handle] = dir
	t.dirs[dir] = handle
	return true
}

// HandleFor returns the watch handle for dir.
func (t *Table[L]) HandleFor(dir string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.dirs[dir]
	return h, ok
}

// SetPatternsForListener installs ps as the filter l uses on dir, replacing
// any previous set for that pair only. An empty ps installs match-all.
func (t *Table[L]) SetPatternsForListener(l L, dir string, ps []pattern.Predicate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setPatternsLocked(l, dir, ps)
}

// AddListenerToDirectory adds l to the listener set of dir. The pattern set
// for (l, dir) must already be installed; if it is not, match-all is
// installed so that the table never holds a listener without patterns.
func (t *Table[L]) AddListenerToDirectory(dir string, l L) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addListenerLocked(dir, l)
}

// Subscribe installs the pattern set for (l, dir) and then adds l to dir's
// listener set, in one critical section.
func (t *Table[L]) Subscribe(dir string, l L, ps []pattern.Predicate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dirs[dir]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDirectory, dir)
	}
	t.setPatternsLocked(l, dir, ps)
	return t.addListenerLocked(dir, l)
}

func (t *Table[L]) setPatternsLocked(l L, dir string, ps []pattern.Predicate) {
	if len(ps) == 0 {
		ps = []pattern.Predicate{pattern.MatchAll()}
	}
	cp := make([]pattern.Predicate, len(ps))
	copy(cp, ps)
	t.patterns[key[L]{listener: l, dir: dir}] = cp
}

func (t *Table[L]) addListenerLocked(dir string, l L) error {
	if _, ok := t.dirs[dir]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDirectory, dir)
	}
	k := key[L]{listener: l, dir: dir}
	if _, ok := t.patterns[k]; !ok {
		t.patterns[k] = []pattern.Predicate{pattern.MatchAll()}
	}
	for _, existing := range t.listeners[dir] {
		if existing == l {
			return nil
		}
	}
	t.listeners[dir] = append(t.listeners[dir], l)
	return nil
}

// LookupDirectory resolves a watch handle to its directory.
func (t *Table[L]) LookupDirectory(handle int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir, ok := t.handles[handle]
	return dir, ok
}

// ListenersFor returns a copy of the listeners registered on dir.
func (t *Table[L]) ListenersFor(dir string) []L {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ls := t.listeners[dir]
	out := make([]L, len(ls))
	copy(out, ls)
	return out
}

// PatternsFor returns a copy of the pattern set l uses on dir.
func (t *Table[L]) PatternsFor(l L, dir string) ([]pattern.Predicate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.patterns[key[L]{listener: l, dir: dir}]
	if !ok {
		return nil, false
	}
	out := make([]pattern.Predicate, len(ps))
	copy(out, ps)
	return out, true
}

// Matched returns, in registration order, the listeners on dir whose pattern
// set for dir matches name.
func (t *Table[L]) Matched(dir, name string) []L {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []L
	for _, l := range t.listeners[dir] {
		if pattern.MatchesAny(name, t.patterns[key[L]{listener: l, dir: dir}]) {
			out = append(out, l)
		}
	}
	return out
}

// Evict removes handle together with its directory, the directory's listener
// set, and every pattern set scoped to that directory. It returns the evicted
// directory and the number of handles still tracked.
func (t *Table[L]) Evict(handle int) (dir string, remaining int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir, ok = t.handles[handle]
	if !ok {
		return "", len(t.handles), false
	}
	for _, l := range t.listeners[dir] {
		delete(t.patterns, key[L]{listener: l, dir: dir})
	}
	delete(t.listeners, dir)
	delete(t.dirs, dir)
	delete(t.handles, handle)
	return dir, len(t.handles), true
}

// Len returns the number of tracked handles.
func (t *Table[L]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}

// Snapshot returns every tracked directory sorted by path.
func (t *Table[L]) Snapshot() []DirectoryInfo {
	t.mu.RLock()
	out := make([]DirectoryInfo, 0, len(t.handles))
	for h, dir := range t.handles {
		out = append(out, DirectoryInfo{Handle: h, Dir: dir, Listeners: len(t.listeners[dir])})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}
