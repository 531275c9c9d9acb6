package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewStore opens the database for the given driver ("postgres" or "sqlite")
func NewStore(driver, databaseURL string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var db *sqlx.DB
	switch dialect {
	case DialectPostgres:
		db, err = sqlx.Connect("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case DialectSQLite:
		raw, err := sql.Open("sqlite", SQLiteDSN(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// One connection serializes every transaction; an in-memory
		// database also lives only as long as this connection.
		raw.SetMaxOpenConns(1)
		raw.SetMaxIdleConns(1)
		db = sqlx.NewDb(raw, "sqlite3")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, dialect), nil
}

// New wraps an already opened connection pool
func New(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// SQLiteDSN turns a path into a modernc DSN with the pragmas the store relies on.
// Values already starting with "file:" are used as is.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_time_format=sqlite",
		path,
	)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Tx is a unit of work. All mutations of one business operation go through a single Tx.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
}

// WithTx runs fn inside a transaction. The transaction commits only if fn returns nil;
// any error rolls back every write made through the Tx.
//
// fn must not call non-transactional Store methods: on SQLite the pool has a
// single connection and the call would wait on itself.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return classify(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// now is the store clock; timestamps are written from Go so both dialects store the same format
// now is truncated to what PostgreSQL keeps so written and re-read values compare equal
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
