package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

// LogicalTables returns every table the engine reads from.
func LogicalTables() []string {
	return append(schema.Tables(), QueueTable, DeadLetterTable, MetaTable)
}

// HealthCheck runs a cheap read against every logical table.
//
// It returns an error wrapping syncerr.ErrSchemaCorrupt only when the store is
// unusable: a table is missing, the file is corrupt or not a database, or the
// version marker is unreadable. It expects a migrated store. Lock contention,
// cancellation and any other failure are returned as they are and must not
// trigger a reset.
func (m *Migrator) HealthCheck(ctx context.Context) error {
	conn, err := m.db.Conn()
	if err != nil {
		return err
	}

	for _, table := range LogicalTables() {
		exists, err := db.TableExists(ctx, conn, table)
		if err != nil {
			if isUnusable(err) {
				return fmt.Errorf("%w: %v", syncerr.ErrSchemaCorrupt, err)
			}
			return fmt.Errorf("health check on %s failed: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("%w: table %s is missing", syncerr.ErrSchemaCorrupt, table)
		}

		var one int
		err = conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1`, table)).Scan(&one)
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if isUnusable(err) {
			return fmt.Errorf("%w: table %s: %v", syncerr.ErrSchemaCorrupt, table, err)
		}
		return fmt.Errorf("health check on %s failed: %w", table, err)
	}

	if _, err := readVersion(ctx, conn); err != nil {
		if errors.Is(err, syncerr.ErrSchemaCorrupt) || isUnusable(err) {
			return fmt.Errorf("%w: %v", syncerr.ErrSchemaCorrupt, err)
		}
		return err
	}
	return nil
}

// Repair checks the store and, only when it is unusable, wipes it and
// rebuilds the schema from scratch. It reports whether a reset happened.
// Transient failures are returned untouched.
func (m *Migrator) Repair(ctx context.Context) (bool, error) {
	err := m.HealthCheck(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, syncerr.ErrSchemaCorrupt) {
		return false, err
	}

	m.logger.Error("local store unusable, resetting", zap.Error(err))

	if dropErr := m.dropAll(ctx); dropErr != nil {
		m.logger.Warn("drop failed, recreating database file", zap.Error(dropErr))
		if err := m.db.Recreate(); err != nil {
			return false, fmt.Errorf("failed to recreate database: %w", err)
		}
	}

	if _, err := m.Migrate(ctx); err != nil {
		return true, fmt.Errorf("failed to rebuild schema after reset: %w", err)
	}
	if err := m.HealthCheck(ctx); err != nil {
		return true, fmt.Errorf("store still unhealthy after reset: %w", err)
	}
	return true, nil
}

// dropAll removes every user table in one transaction.
func (m *Migrator) dropAll(ctx context.Context) error {
	conn, err := m.db.Conn()
	if err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
				return err
			}
		}
		return nil
	})
}

// isUnusable reports whether err means the store cannot be used as is.
func isUnusable(err error) bool {
	if db.IsCorrupt(err) {
		return true
	}
	if db.IsBusy(err) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}

// Open opens the database at path, recovers it when it cannot be used, and
// brings the schema up to date. A file that is not a database at all is
// moved aside to path+".corrupt" before a fresh one is created.
func Open(ctx context.Context, path string, logger *zap.Logger) (*db.DB, *Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	database, err := db.Open(path, db.WithLogger(logger))
	if err != nil {
		if !db.IsCorrupt(err) {
			return nil, nil, err
		}
		logger.Error("database file unreadable, moving aside", zap.String("path", path), zap.Error(err))
		if err := os.Rename(path, path+".corrupt"); err != nil {
			return nil, nil, fmt.Errorf("failed to move corrupt database: %w", err)
		}
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		if database, err = db.Open(path, db.WithLogger(logger)); err != nil {
			return nil, nil, err
		}
	}

	m := New(database, logger)
	result, err := m.Migrate(ctx)
	if err != nil && (errors.Is(err, syncerr.ErrSchemaCorrupt) || isUnusable(err)) {
		logger.Error("migration hit an unusable store", zap.Error(err))
		if _, repairErr := m.Repair(ctx); repairErr != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("migration failed (%v) and repair failed: %w", err, repairErr)
		}
		result, err = m.Migrate(ctx)
	}
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}

	if _, err := m.Repair(ctx); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return database, result, nil
}
