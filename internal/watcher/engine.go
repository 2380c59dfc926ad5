package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirwatch/dirwatch/internal/pattern"
	"github.com/dirwatch/dirwatch/internal/registry"
)

// State is the engine lifecycle state. Transitions are Idle → Running →
// Stopped, or Idle → Stopped; Stopped is terminal.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats holds engine counters.
type Stats struct {
	// Dispatched counts listener callbacks invoked.
	Dispatched uint64 `json:"events_dispatched"`
	// Overflows counts OS queue overflows. Events lost to an overflow are
	// not recovered.
	Overflows uint64 `json:"overflows"`
	// UnknownHandles counts batches skipped because their handle was not in
	// the registration table.
	UnknownHandles uint64 `json:"unknown_handles"`
	// Evictions counts handles dropped after becoming invalid.
	Evictions uint64 `json:"evictions"`
	// LastEventAt is the dispatch time of the most recent event, or zero.
	LastEventAt time.Time `json:"last_event_at"`
}

type options struct {
	backend BackendKind
	logger  *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithBackend selects the OS notification backend. The default is
// BackendAuto.
func WithBackend(k BackendKind) Option {
	return func(o *options) { o.backend = k }
}

// WithLogger sets the engine logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Engine owns the registration table and the event loop.
type Engine struct {
	logger  *slog.Logger
	backend backend
	table   *registry.Table[Listener]

	// regMu serializes structural table changes: first registration of a
	// directory and eviction.
	regMu sync.Mutex

	state     atomic.Int32
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	dispatched atomic.Uint64
	overflows  atomic.Uint64
	unknown    atomic.Uint64
	evictions  atomic.Uint64
	lastEvent  atomic.Int64 // unix nanoseconds
}

// New creates an idle Engine with its OS backend.
func New(opts ...Option) (*Engine, error) {
	o := options{backend: BackendAuto, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	b, err := newBackend(o.backend, o.logger)
	if err != nil {
		return nil, err
	}
	return newEngine(b, o.logger), nil
}

func newEngine(b backend, logger *slog.Logger) *Engine {
	return &Engine{
		logger:  logger,
		backend: b,
		table:   registry.New[Listener](),
		done:    make(chan struct{}),
	}
}

// Register subscribes l to changes in dir whose names match at least one of
// patterns. With no patterns every name matches. Registering the same
// listener on the same directory again replaces its patterns for that
// directory only.
//
// Register may be called from any goroutine, including from inside a
// callback. On error the registration table is unchanged.
func (e *Engine) Register(l Listener, dir string, patterns ...string) error {
	if l == nil {
		return ErrNilListener
	}
	if !reflect.ValueOf(l).Comparable() {
		return fmt.Errorf("%w: %T", ErrListenerNotComparable, l)
	}
	if e.State() == Stopped {
		return ErrStopped
	}

	path, err := normalizeDir(dir)
	if err != nil {
		return err
	}
	ps, err := pattern.CompileAll(patterns)
	if err != nil {
		return err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	if e.State() == Stopped {
		return ErrStopped
	}

	if _, tracked := e.table.HandleFor(path); !tracked {
		h, err := e.backend.Add(path)
		if err != nil {
			return &WatchCreationError{Dir: path, Err: err}
		}
		if other, ok := e.table.LookupDirectory(h); ok {
			// inotify returns the existing descriptor for an aliased path.
			return &WatchCreationError{Dir: path, Err: fmt.Errorf("same directory is already watched as %s", other)}
		}
		e.table.AddDirectory(h, path)
		e.logger.Debug("watcher: watching directory", slog.String("dir", path), slog.Int("handle", h))
	}

	return e.table.Subscribe(path, l, ps)
}

func normalizeDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &NotADirectoryError{Path: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &NotADirectoryError{Path: abs, Err: err}
	}
	if !info.IsDir() {
		return "", &NotADirectoryError{Path: abs}
	}
	return abs, nil
}

// Start launches the event loop. Concurrent callers start exactly one loop;
// calling Start on a running engine is a no-op. Cancelling ctx stops the
// engine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if e.State() == Running {
			return nil
		}
		return ErrStopped
	}

	e.logger.Info("watcher: event loop started", slog.Int("dirs", e.table.Len()))
	go e.run()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				e.Stop()
			case <-e.done:
			}
		}()
	}
	return nil
}

// Stop moves the engine to Stopped and wakes the loop. It does not wait for
// the loop to exit or interrupt a callback in progress; use Done or Close
// for that. Stop is idempotent and may be called from inside a callback.
func (e *Engine) Stop() {
	for {
		s := e.state.Load()
		if State(s) == Stopped {
			return
		}
		if e.state.CompareAndSwap(s, int32(Stopped)) {
			if State(s) == Idle {
				e.finish()
			} else {
				e.backend.Wake()
			}
			return
		}
	}
}

// Done returns a channel that is closed once the engine has stopped and its
// loop, if any, has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Close stops the engine, waits for the loop to exit and releases the OS
// backend. It must not be called from inside a callback.
func (e *Engine) Close() error {
	e.Stop()
	<-e.done

	e.closeOnce.Do(func() {
		e.regMu.Lock()
		defer e.regMu.Unlock()
		e.closeErr = e.backend.Close()
	})
	return e.closeErr
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Dispatched:     e.dispatched.Load(),
		Overflows:      e.overflows.Load(),
		UnknownHandles: e.unknown.Load(),
		Evictions:      e.evictions.Load(),
	}
	if ns := e.lastEvent.Load(); ns != 0 {
		s.LastEventAt = time.Unix(0, ns).UTC()
	}
	return s
}

// Snapshot lists the watched directories sorted by path.
func (e *Engine) Snapshot() []registry.DirectoryInfo {
	return e.table.Snapshot()
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

// run is the event loop. It exits when the engine is stopped, when the last
// watched directory is evicted, or when the backend fails.
func (e *Engine) run() {
	defer func() {
		e.state.Store(int32(Stopped))
		e.logger.Info("watcher: event loop stopped",
			slog.Uint64("dispatched", e.dispatched.Load()),
			slog.Uint64("overflows", e.overflows.Load()))
		e.finish()
	}()

	for {
		b, err := e.backend.Take()
		if e.State() == Stopped {
			return
		}
		if err != nil {
			if errors.Is(err, errWoken) {
				continue
			}
			e.logger.Error("watcher: backend wait failed", slog.Any("error", err))
			return
		}

		if !e.process(b) {
			e.logger.Info("watcher: no watched directories remain")
			return
		}
	}
}

// process dispatches one batch and re-arms its handle. It reports false when
// the batch caused the last watched directory to be evicted.
func (e *Engine) process(b batch) bool {
	var (
		dir      string
		resolved bool
	)
	for _, ev := range b.events {
		if e.State() == Stopped {
			return true
		}
		if ev.kind == Overflow {
			e.overflows.Add(1)
			e.logger.Warn("watcher: OS event queue overflowed; events were lost")
			continue
		}
		if !resolved {
			d, ok := e.table.LookupDirectory(b.handle)
			if !ok {
				e.unknown.Add(1)
				e.logger.Warn("watcher: skipping batch", slog.Any("error", &UnknownHandleError{Handle: b.handle}))
				break
			}
			dir, resolved = d, true
		}
		e.dispatch(dir, ev)
	}

	if b.handle == overflowHandle || e.backend.Reset(b.handle) {
		return true
	}
	return e.evict(b.handle)
}

func (e *Engine) evict(handle int) bool {
	e.regMu.Lock()
	dir, remaining, ok := e.table.Evict(handle)
	if ok && remaining == 0 {
		// Refuse Register before regMu is released; the loop is about to exit.
		e.state.Store(int32(Stopped))
	}
	e.regMu.Unlock()

	if !ok {
		return true
	}
	e.evictions.Add(1)
	e.logger.Info("watcher: directory no longer watchable; dropped",
		slog.String("dir", dir),
		slog.Int("handle", handle),
		slog.Int("remaining", remaining))
	return remaining > 0
}

func (e *Engine) dispatch(dir string, raw rawEvent) {
	listeners := e.table.Matched(dir, raw.name)
	if len(listeners) == 0 {
		return
	}

	ev := Event{Dir: dir, Name: raw.name, Kind: raw.kind, Time: time.Now().UTC()}
	e.lastEvent.Store(ev.Time.UnixNano())
	for _, l := range listeners {
		e.invoke(l, ev)
		e.dispatched.Add(1)
	}
}

// invoke calls the callback for ev on l. A panicking listener is logged and
// does not affect the loop or other listeners.
func (e *Engine) invoke(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("watcher: listener panicked",
				slog.String("dir", ev.Dir),
				slog.String("name", ev.Name),
				slog.String("kind", ev.Kind.String()),
				slog.Any("panic", r))
		}
	}()

	if dl, ok := l.(DirListener); ok {
		dl.OnEvent(ev)
		return
	}
	switch ev.Kind {
	case Create:
		l.OnFileCreate(ev.Name)
	case Modify:
		l.OnFileModify(ev.Name)
	case Delete:
		l.OnFileDelete(ev.Name)
	}
}
