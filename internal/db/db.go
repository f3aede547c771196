// Package db owns the embedded SQLite handle shared by the record store, the
// retry queue and the schema migrator.
//
// The database runs in embedded mode with WAL so readers never block the
// writer. Every transaction opened through WithTx starts with BEGIN IMMEDIATE,
// which takes the write lock up front: a read-modify-write sequence inside one
// transaction always sees the latest committed envelope.
//
// Architecture:
//   - Database file: <data_dir>/repcue.db
//   - One table per entity kind, plus queue tables and schema_meta
//   - Schema lifecycle is owned by internal/migrate, not by this package
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// ErrClosed is returned by WithTx after Close.
var ErrClosed = errors.New("database is closed")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection pool.
type DB struct {
	mu     sync.RWMutex
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Option customises Open.
type Option func(*DB)

// WithLogger sets the logger used for close-time warnings.
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// Open creates a new database connection at path.
//
// The parent directory is created if needed. Pragmas are passed through the
// DSN so that every pooled connection gets them, not just the first one.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db := &DB{
		path:   path,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}

	conn, err := connect(path)
	if err != nil {
		return nil, err
	}
	db.conn = conn
	return db, nil
}

func connect(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)"+
		"&_pragma=synchronous(NORMAL)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// journal_mode is persistent in the file, once is enough.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return conn, nil
}

// Recreate closes the pool, deletes the database file with its WAL and shared
// memory files, and opens a fresh empty database at the same path. Every
// row is lost. Only the schema migrator's repair path calls this.
func (db *DB) Recreate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn != nil {
		_ = db.conn.Close()
		db.conn = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(db.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", db.path+suffix, err)
		}
	}

	conn, err := connect(db.path)
	if err != nil {
		return err
	}
	db.conn = conn
	db.logger.Warn("database recreated", zap.String("path", db.path))
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn
}

// Conn returns the live pool, or ErrClosed after Close.
func (db *DB) Conn() (*sql.DB, error) {
	conn := db.RawDB()
	if conn == nil {
		return nil, ErrClosed
	}
	return conn, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// WithTx runs fn inside an immediate transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := db.Conn()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TableExists reports whether a table named name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// ColumnExists reports whether table has a column named column.
func ColumnExists(ctx context.Context, q Querier, table, column string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?`, table, column).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

// IsCorrupt reports whether err means the database file itself is unusable.
func IsCorrupt(err error) bool {
	return errors.Is(err, sqlite3.CORRUPT) || errors.Is(err, sqlite3.NOTADB)
}

// IsBusy reports whether err is a lock conflict that clears on its own.
func IsBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}
