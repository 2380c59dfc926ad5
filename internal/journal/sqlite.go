package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite journal. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, enables WAL journal
// mode, and applies the schema. ":memory:" gives a private in-memory
// database, which is only useful in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows one writer; a single connection avoids "database is
	// locked" and keeps an in-memory database alive between calls.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		sqliteDDL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: init %q: %w", path, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS journal_events (
    seq   INTEGER PRIMARY KEY AUTOINCREMENT,
    id    TEXT NOT NULL UNIQUE,
    watch TEXT NOT NULL,
    dir   TEXT NOT NULL,
    name  TEXT NOT NULL,
    kind  TEXT NOT NULL,
    at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_dir
    ON journal_events (dir, seq);
`

// Append stores r.
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_events (id, watch, dir, name, kind, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Watch, r.Dir, r.Name, r.Kind,
		r.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Recent returns up to q.Limit records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.Dir != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, watch, dir, name, kind, at
			 FROM   journal_events
			 WHERE  dir = ?
			 ORDER  BY seq DESC
			 LIMIT  ?`, q.Dir, q.limit())
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, watch, dir, name, kind, at
			 FROM   journal_events
			 ORDER  BY seq DESC
			 LIMIT  ?`, q.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.ID, &r.Watch, &r.Dir, &r.Name, &r.Kind, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		// A malformed timestamp leaves At zero rather than failing the query.
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
