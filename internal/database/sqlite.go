package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"arklowdun/internal/ark"
)

// DriverName is the database/sql driver every connection uses.
const DriverName = "sqlite3"

// OpenOptions controls how a connection pool is configured.
type OpenOptions struct {
	ReadOnly    bool
	BusyTimeout time.Duration
	// JournalMode is applied on every connection when non-empty (e.g. "WAL").
	JournalMode string
	ForeignKeys bool
}

// LiveOptions are the options used for the live store.
func LiveOptions() OpenOptions {
	return OpenOptions{BusyTimeout: 5 * time.Second, JournalMode: "WAL", ForeignKeys: true}
}

// DSN builds a go-sqlite3 connection string for path. Per-connection PRAGMAs
// go in the DSN so every pooled connection gets them.
func DSN(path string, opts OpenOptions) string {
	if path == ":memory:" {
		return path
	}
	q := url.Values{}
	if opts.ReadOnly {
		q.Set("mode", "ro")
	}
	if opts.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10))
	}
	if opts.JournalMode != "" && !opts.ReadOnly {
		q.Set("_journal_mode", opts.JournalMode)
	}
	if opts.ForeignKeys {
		q.Set("_foreign_keys", "1")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens and configures a SQLite connection pool.
func Open(path string, opts OpenOptions) (*sql.DB, error) {
	db, err := sql.Open(DriverName, DSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return db, nil
}

// OpenConnection opens path with the live store's PRAGMAs (WAL, 5 s busy
// timeout, foreign keys on).
func OpenConnection(path string) (*sql.DB, error) {
	return Open(path, LiveOptions())
}

// Store wraps the live connection pool. All writes are serialised through a
// single writer lane.
type Store struct {
	db     *sqlx.DB
	path   string
	clock  *ark.MonotonicMillis
	ids    ark.IDGenerator
	logger ark.Logger

	writeMu sync.Mutex

	colMu   sync.Mutex
	columns map[string][]Column
}

// NewStore wraps an open pool. path is informational and may be empty.
func NewStore(db *sql.DB, path string, clock ark.Clock, ids ark.IDGenerator, logger ark.Logger) *Store {
	if logger == nil {
		logger = ark.NewNopLogger()
	}
	return &Store{
		db:      sqlx.NewDb(db, DriverName),
		path:    path,
		clock:   ark.NewMonotonicMillis(clock),
		ids:     ids,
		logger:  logger,
		columns: make(map[string][]Column),
	}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db.DB }

// X returns the sqlx view of the pool for typed reads.
func (s *Store) X() *sqlx.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// NowMs returns the next monotonic timestamp in epoch milliseconds.
func (s *Store) NowMs() int64 { return s.clock.NowMs() }

// NewID returns a fresh identifier.
func (s *Store) NewID() string { return s.ids.New() }

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ResetSchemaCache forgets cached column lists after the schema changes.
func (s *Store) ResetSchemaCache() {
	s.colMu.Lock()
	defer s.colMu.Unlock()
	s.columns = make(map[string][]Column)
}

// Tx is a write transaction holding the store's writer lane until it is
// committed or rolled back.
type Tx struct {
	*sqlx.Tx
	store   *Store
	release func()
}

// Begin opens a write transaction. The caller must Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	var once sync.Once
	return &Tx{Tx: tx, store: s, release: func() { once.Do(s.writeMu.Unlock) }}, nil
}

// Commit commits and releases the writer lane.
func (t *Tx) Commit() error {
	defer t.release()
	return t.Tx.Commit()
}

// Rollback rolls back and releases the writer lane.
func (t *Tx) Rollback() error {
	defer t.release()
	return t.Tx.Rollback()
}

// Write runs fn inside a write transaction, committing when fn returns nil.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Exec runs a statement in the writer lane with coerced binds.
func (s *Store) Exec(ctx context.Context, query string, binds ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, BindValues(binds)...)
	if err != nil {
		return nil, ark.Generic(err, "exec")
	}
	return res, nil
}

// VacuumInto writes a compacted copy of the database to destPath.
func (s *Store) VacuumInto(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsConstraintViolation reports whether err is any constraint failure.
func IsConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// Queryer wraps a plain pool for the sqlx helpers.
func Queryer(db *sql.DB) *sqlx.DB {
	return sqlx.NewDb(db, DriverName)
}
