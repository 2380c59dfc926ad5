// Package agent contains the dirwatch orchestrator. It builds the watch
// engine from configuration, attaches the configured listeners (structured
// log, journal, live stream) to each watched directory, and assembles the
// status API handler.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dirwatch/dirwatch/internal/api"
	"github.com/dirwatch/dirwatch/internal/config"
	"github.com/dirwatch/dirwatch/internal/journal"
	"github.com/dirwatch/dirwatch/internal/stream"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// Agent owns the engine and every sink attached to it.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	backend     watcher.BackendKind
	engine      *watcher.Engine // nil until Start
	broadcaster *stream.Broadcaster

	done     chan struct{}
	doneOnce sync.Once

	journal     journal.Store
	ownsJournal bool

	mu      sync.Mutex
	handler http.Handler
	running bool
	stopped bool
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithJournal supplies an already-open journal store instead of opening the
// one named by the configuration. The caller keeps ownership of it.
func WithJournal(s journal.Store) Option {
	return func(a *Agent) { a.journal = s }
}

// New creates an Agent. It acquires no OS resources: the watch engine is
// created and the watches registered by Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, err := watcher.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		logger:      logger,
		backend:     kind,
		broadcaster: stream.NewBroadcaster(logger, cfg.Stream.BufferSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start opens the journal, registers every configured watch and starts the
// engine loop. Any failure releases what was acquired and is returned.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || a.stopped {
		return errors.New("agent: already started")
	}

	a.logger.Info("starting dirwatch agent",
		slog.String("backend", a.cfg.Backend),
		slog.String("status_addr", a.cfg.StatusAddr),
		slog.String("journal_driver", a.cfg.Journal.Driver),
		slog.Int("num_watches", len(a.cfg.Watches)),
	)

	if err := a.start(ctx); err != nil {
		a.release()
		a.stopped = true
		return err
	}
	a.running = true
	a.logger.Info("dirwatch agent started")
	return nil
}

func (a *Agent) start(ctx context.Context) error {
	engine, err := watcher.New(watcher.WithBackend(a.backend), watcher.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("agent: create engine: %w", err)
	}
	a.engine = engine
	go func() {
		<-engine.Done()
		a.finish()
	}()

	if a.journal == nil && a.cfg.Journal.Driver != "" {
		s, err := journal.Open(ctx, a.cfg.Journal.Driver, a.cfg.Journal.DSN, a.logger)
		if err != nil {
			return fmt.Errorf("agent: open journal: %w", err)
		}
		a.journal = s
		a.ownsJournal = true
	}

	for _, w := range a.cfg.Watches {
		for _, l := range a.listenersFor(w) {
			if err := a.engine.Register(l, w.Dir, w.Patterns...); err != nil {
				return fmt.Errorf("agent: watch %q: %w", w.Name, err)
			}
		}
		a.logger.Info("watch registered",
			slog.String("watch", w.Name),
			slog.String("dir", w.Dir),
			slog.Any("patterns", w.Patterns),
		)
	}

	var auth *api.JWTConfig
	if path := a.cfg.Auth.PublicKeyPath; path != "" {
		key, err := api.LoadPublicKey(path)
		if err != nil {
			return fmt.Errorf("agent: %w", err)
		}
		auth = &api.JWTConfig{
			PublicKey: key,
			Issuer:    a.cfg.Auth.Issuer,
			Audience:  a.cfg.Auth.Audience,
			Logger:    a.logger,
		}
	}
	srv := api.NewServer(a.engine, a.journal, stream.NewHandler(a.broadcaster, a.logger, 0), a.logger)
	a.handler = api.NewRouter(srv, auth)

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("agent: start engine: %w", err)
	}
	return nil
}

// listenersFor builds the sinks enabled for w. Each watch gets its own
// listener values so per-directory patterns never leak between watches.
func (a *Agent) listenersFor(w config.WatchConfig) []watcher.Listener {
	var ls []watcher.Listener
	if w.Log {
		ls = append(ls, newLogListener(a.logger, w.Name))
	}
	if w.Journal && a.journal != nil {
		ls = append(ls, journal.NewListener(a.journal, w.Name, a.logger))
	}
	if w.Stream {
		ls = append(ls, stream.NewListener(a.broadcaster, w.Name))
	}
	return ls
}

// Stop shuts the engine down, disconnects stream clients and closes the
// journal if the agent opened it. It is safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	a.running = false
	a.release()
	a.logger.Info("dirwatch agent stopped")
}

func (a *Agent) release() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("agent: close engine", slog.Any("error", err))
		}
	}
	a.finish()
	a.broadcaster.Close()
	if a.ownsJournal {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("agent: close journal", slog.Any("error", err))
		}
	}
}

func (a *Agent) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Done is closed when the engine loop exits, whether through Stop or
// because every watched directory became invalid. An agent stopped before
// Start is also done.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Handler returns the status API handler. It is nil until Start succeeds.
func (a *Agent) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

// Stats returns the engine counters, or zero values before Start.
func (a *Agent) Stats() watcher.Stats {
	a.mu.Lock()
	e := a.engine
	a.mu.Unlock()
	if e == nil {
		return watcher.Stats{}
	}
	return e.Stats()
}
