package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entries table keyed by (namespace, key)
const currentSchemaVersion = 1

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

var (
	// ErrOperationMissing is returned when an operation name is not part of
	// the operation set.
	ErrOperationMissing = errors.New("store: operation does not exist")
	// ErrInvalidArgument is returned for wrong arity or argument types.
	ErrInvalidArgument = errors.New("store: invalid argument")
	// ErrNotInteger is returned when a counter operation meets a value
	// that is not an integer.
	ErrNotInteger = errors.New("store: value is not an integer")
	// ErrNoSuchKey is returned by rename when the source key is absent.
	ErrNoSuchKey = errors.New("store: no such key")
	// ErrClosed is returned by calls on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Change describes a successful mutating call.
type Change struct {
	Op   string
	Args []any
}

// Store is one hub's key/value store.
type Store struct {
	db        *sql.DB
	namespace string

	mu        sync.Mutex
	listeners []func(Change)
	closed    bool
}

// Open creates or opens the database at dsn and binds a store to
// namespace. Applies pragmas and the schema automatically.
//
// An empty dsn selects MemoryDSN.
func Open(dsn, namespace string) (*Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, namespace: namespace}, nil
}

// Namespace returns the namespace the store writes under.
func (s *Store) Namespace() string {
	return s.namespace
}

// Close closes the database connection and drops change listeners.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()

	return s.db.Close()
}

// OnChange registers fn to run after every successful mutating call.
// Listeners run on the calling goroutine, in registration order.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Call runs the named operation with positional args.
func (s *Store) Call(ctx context.Context, name string, args ...any) (any, error) {
	op, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrOperationMissing, name)
	}
	if err := op.checkArity(len(args)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	result, err := op.run(ctx, s, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.Name, err)
	}

	if op.Mutates {
		s.notify(Change{Op: op.Name, Args: args})
	}
	return result, nil
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	listeners := append([]func(Change){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and checks the schema
// version. This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}
