package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of records held in memory
	// before an automatic flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered records are written even
	// when the batch is not full.
	DefaultFlushInterval = 100 * time.Millisecond

	// maxPendingBatches bounds how many batches of failed records are kept
	// for retry before the oldest are discarded.
	maxPendingBatches = 64

	// connectTimeout bounds the initial connection retries.
	connectTimeout = 30 * time.Second
)

// PostgresStore is a PostgreSQL journal. Appends are buffered and written in
// a single pgx.Batch round trip when the buffer fills or the flush ticker
// fires.
type PostgresStore struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	insert        func(context.Context, []Record) error
	flushMu       sync.Mutex // serializes flushes so records land in seq order
	mu            sync.Mutex // guards batch
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// OpenPostgres connects to connStr, retrying with exponential backoff while
// the database is unreachable, applies the schema and starts the background
// flush goroutine.
func OpenPostgres(ctx context.Context, connStr string, logger *slog.Logger) (*PostgresStore, error) {
	return openPostgres(ctx, connStr, logger, DefaultBatchSize, DefaultFlushInterval)
}

func openPostgres(ctx context.Context, connStr string, logger *slog.Logger, batchSize int, flushInterval time.Duration) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.New: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, wait time.Duration) {
		logger.Warn("journal: postgres not reachable; retrying",
			slog.Any("error", err),
			slog.Duration("after", wait))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	s := newPostgresStore(logger, batchSize, flushInterval)
	s.pool = pool
	s.insert = s.insertBatch
	go s.flushLoop()
	return s, nil
}

func newPostgresStore(logger *slog.Logger, batchSize int, flushInterval time.Duration) *PostgresStore {
	return &PostgresStore{
		logger:        logger,
		batch:         make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS journal_events (
    seq   BIGSERIAL   PRIMARY KEY,
    id    TEXT        NOT NULL UNIQUE,
    watch TEXT        NOT NULL,
    dir   TEXT        NOT NULL,
    name  TEXT        NOT NULL,
    kind  TEXT        NOT NULL,
    at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_dir ON journal_events (dir, seq);
`

func (s *PostgresStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("journal: flush failed", slog.Any("error", err))
			}
		}
	}
}

// Append buffers r. When the buffer reaches the batch size it is flushed
// synchronously so callers see back-pressure rather than unbounded growth.
func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	s.batch = append(s.batch, r)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered records in one batch. Records whose ID already
// exists are skipped. If the write fails the records are put back at the
// head of the buffer and retried by the next flush.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Record, 0, s.batchSize)
	s.mu.Unlock()

	if err := s.insert(ctx, toInsert); err != nil {
		s.requeue(toInsert)
		return err
	}
	return nil
}

// requeue puts failed records back in front of anything appended since.
func (s *PostgresStore) requeue(failed []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]Record, 0, len(failed)+len(s.batch))
	merged = append(merged, failed...)
	merged = append(merged, s.batch...)
	if limit := s.batchSize * maxPendingBatches; len(merged) > limit {
		dropped := len(merged) - limit
		merged = merged[dropped:]
		s.logger.Warn("journal: retry buffer full; discarding oldest records",
			slog.Int("dropped", dropped))
	}
	s.batch = merged
}

func (s *PostgresStore) insertBatch(ctx context.Context, records []Record) error {
	const query = `
		INSERT INTO journal_events (id, watch, dir, name, kind, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range records {
		r := &records[i]
		b.Queue(query, r.ID, r.Watch, r.Dir, r.Name, r.Kind, r.At)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("journal: batch insert: %w", err)
		}
	}
	return nil
}

// Recent flushes pending records and returns up to q.Limit records, newest
// first.
func (s *PostgresStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	args := []any{q.limit()}
	where := ""
	if q.Dir != "" {
		where = "WHERE dir = $2"
		args = append(args, q.Dir)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, watch, dir, name, kind, at
		FROM   journal_events
		%s
		ORDER  BY seq DESC
		LIMIT  $1`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Watch, &r.Dir, &r.Name, &r.Kind, &r.At); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		r.At = r.At.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops the flush goroutine, writes any buffered records and closes
// the pool. It is safe to call more than once.
func (s *PostgresStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.Flush(ctx)
		s.pool.Close()
	})
	return err
}
