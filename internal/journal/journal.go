// Package journal records dispatched directory events so that recent
// activity can be queried after the fact. Two stores are provided: a
// WAL-mode SQLite file for a single host, and PostgreSQL for a shared
// journal. Either is attached to the watch engine through Listener.
//
// The journal is write-only from the engine's point of view: watch
// registrations are never restored from it.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dirwatch/dirwatch/internal/watcher"
)

// DefaultLimit is the number of records Recent returns when Query.Limit is
// not positive.
const DefaultLimit = 100

// MaxLimit caps Query.Limit.
const MaxLimit = 1000

// Record is one journaled event.
type Record struct {
	ID    string    `json:"id"`
	Watch string    `json:"watch"`
	Dir   string    `json:"dir"`
	Name  string    `json:"name"`
	Kind  string    `json:"kind"`
	At    time.Time `json:"at"`
}

// Query filters Recent. An empty Dir matches every directory.
type Query struct {
	Dir   string
	Limit int
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns the newest records first.
	Recent(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Open returns the store for driver ("sqlite", "postgres" or "chain").
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn, logger)
	case "chain":
		return OpenChain(dsn)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", driver)
	}
}

// NewRecord builds a record for ev with a fresh ID.
func NewRecord(watch string, ev watcher.Event) Record {
	return Record{
		ID:    uuid.NewString(),
		Watch: watch,
		Dir:   ev.Dir,
		Name:  ev.Name,
		Kind:  ev.Kind.String(),
		At:    ev.Time,
	}
}

// appendTimeout bounds each write so a stalled database cannot hold up the
// engine loop indefinitely.
const appendTimeout = 2 * time.Second

// Listener journals every event it receives. It implements
// watcher.DirListener.
type Listener struct {
	watcher.NopListener

	store  Store
	watch  string
	logger *slog.Logger
}

// NewListener returns a listener that appends to store, tagging records
// with the watch name.
func NewListener(store Store, watch string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{store: store, watch: watch, logger: logger}
}

// OnEvent appends ev. Write failures are logged and the event is dropped.
func (l *Listener) OnEvent(ev watcher.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := l.store.Append(ctx, NewRecord(l.watch, ev)); err != nil {
		l.logger.Warn("journal: append failed",
			slog.String("watch", l.watch),
			slog.String("path", ev.Path()),
			slog.Any("error", err))
	}
}
