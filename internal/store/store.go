package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - kv table
const currentSchemaVersion = 1

// DefaultPageSize is the number of rows Scan fetches per query.
const DefaultPageSize = 256

// Store is the SQLite Backend.
type Store struct {
	db       *sql.DB
	pageSize int
}

var _ Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets the Scan page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get reads one key.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	e := Entry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv WHERE key = ?`, key,
	).Scan(&e.Value, &e.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

// Put writes key if the stored version equals expected.
// Returns the new version.
func (s *Store) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	return put(ctx, s.db, Op{Key: key, Value: value, Expected: expected})
}

// Write applies ops in one transaction.
func (s *Store) Write(ctx context.Context, ops []Op) ([]uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	defer tx.Rollback()

	versions := make([]uint64, len(ops))
	for i, op := range ops {
		if versions[i], err = put(ctx, tx, op); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return versions, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, op Op) (uint64, error) {
	value := op.Value
	if value == nil {
		value = []byte{}
	}

	var res sql.Result
	var err error
	if op.Expected == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO kv (key, value, version) VALUES (?, ?, 1)
			ON CONFLICT(key) DO NOTHING
		`, op.Key, value)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE kv SET value = ?, version = version + 1
			WHERE key = ? AND version = ?
		`, value, op.Key, op.Expected)
	}
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", op.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", op.Key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("put %s at version %d: %w", op.Key, op.Expected, ErrVersionConflict)
	}
	return op.Expected + 1, nil
}

// Scan yields every entry under prefix in key order.
//
// Rows are fetched with keyset pagination and each page is fully read
// before it is yielded, so the single connection is free for writes
// between pages.
func (s *Store) Scan(ctx context.Context, prefix string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		end := PrefixEnd(prefix)
		after := ""
		first := true
		for {
			page, err := s.scanPage(ctx, prefix, end, after, first)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].Key
			first = false
		}
	}
}

func (s *Store) scanPage(ctx context.Context, prefix, end, after string, first bool) ([]Entry, error) {
	query := `SELECT key, value, version FROM kv WHERE key >= ?`
	args := []any{prefix}
	if !first {
		query += ` AND key > ?`
		args = append(args, after)
	}
	if end != "" {
		query += ` AND key < ?`
		args = append(args, end)
	}
	query += ` ORDER BY key ASC LIMIT ?`
	args = append(args, s.pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var page []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return page, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	// Version 1 is the base schema; later migrations go here.

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
