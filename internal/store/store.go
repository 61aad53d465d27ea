package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Supported database/sql driver names.
const (
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo  = "sqlite"  // modernc.org/sqlite
	DefaultDriver = DriverCGO
)

// ErrNotFound is returned when a room, event or frame does not exist.
var ErrNotFound = errors.New("store: not found")

// Store keeps rooms, events, state frames and extremities in one SQLite
// database. A single connection serializes writers; WAL lets readers of
// other processes proceed.
type Store struct {
	db     *sql.DB
	driver string
}

// Option configures Open.
type Option func(*options)

type options struct {
	driver string
}

// WithDriver selects the SQLite driver. Unknown names fail at Open.
func WithDriver(name string) Option {
	return func(o *options) {
		if name != "" {
			o.driver = name
		}
	}
}

// Open opens the database at path, creating it if needed, and brings its
// schema up to date. ":memory:" gives a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{driver: DefaultDriver}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverCGO && o.driver != DriverPureGo {
		return nil, fmt.Errorf("failed to open database: unsupported driver %q", o.driver)
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory databases exist per connection, and SQLite has one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, driver: o.driver}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// migrations upgrade databases created by older schemas. Entry i moves a
// database from user_version i to i+1; schema.sql always describes the
// latest version, so fresh databases only get their version stamped.
var migrations = []string{
	// 1: timeline paging index.
	`CREATE INDEX IF NOT EXISTS idx_events_timeline ON events(room_id, timeline, sn)`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to schema version %d: %w", v+1, err)
		}
	}
	if version == len(migrations) {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

// verifyPragma reports whether pragma name currently reads expected.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRowContext(context.Background(), "PRAGMA "+name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
