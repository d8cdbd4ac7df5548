// Package index is the relational store of record for extensions,
// collections, items and their asset references.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 4
	maxIdleConns    = 4
	connMaxLifetime = 5 * time.Minute
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("index: not found")

// Index wraps the SQLite database. Readers run concurrently; writers are
// serialized by wmu so WAL never reports SQLITE_BUSY to callers.
type Index struct {
	db         *sqlx.DB
	wmu        sync.Mutex
	generation atomic.Uint64
	onChange   func(generation uint64)
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(i *Index) {
		i.now = now
	}
}

// WithOnChange registers a callback invoked after every committed write
// with the new generation.
func WithOnChange(fn func(generation uint64)) Option {
	return func(i *Index) {
		i.onChange = fn
	}
}

// Open opens the SQLite database at path and applies pending migrations.
func Open(path string, opts ...Option) (*Index, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging index: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}

	idx := &Index{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger.Debug("opened index", "path", path)
	return idx, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Generation returns the write generation. It increases after every
// committed write and starts at zero on open.
func (idx *Index) Generation() uint64 {
	return idx.generation.Load()
}

// write runs fn in a serialized transaction and bumps the generation on commit.
func (idx *Index) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()

	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	gen := idx.generation.Add(1)
	if idx.onChange != nil {
		idx.onChange(gen)
	}
	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("index path is required")
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Set("_time_format", "sqlite")
	u := url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}
	return u.String(), nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
