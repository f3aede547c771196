// Package migrate evolves the on-device schema and recovers an unusable store.
//
// Steps are applied in version order, each inside one immediate transaction
// together with the schema_meta version marker, so a step either commits
// completely or leaves the store at the previous version. Steps whose version
// is at or below the stored marker are skipped.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/syncerr"
)

// Result reports what Migrate did.
type Result struct {
	From    int
	To      int
	Applied []string
	Rows    int
}

// Migrator runs schema steps against one database.
type Migrator struct {
	db     *db.DB
	steps  []Step
	logger *zap.Logger
}

// New creates a Migrator over the built-in steps.
func New(database *db.DB, logger *zap.Logger) *Migrator {
	return NewWithSteps(database, Steps(), logger)
}

// NewWithSteps creates a Migrator with custom steps. Tests use it to inject
// failing steps.
func NewWithSteps(database *db.DB, steps []Step, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: database, steps: steps, logger: logger.Named("migrate")}
}

// Latest returns the highest version known to the migrator.
func (m *Migrator) Latest() int {
	latest := 0
	for _, s := range m.steps {
		if s.Version > latest {
			latest = s.Version
		}
	}
	return latest
}

// Version returns the stored schema version (0 for a fresh store).
func (m *Migrator) Version(ctx context.Context) (int, error) {
	conn, err := m.db.Conn()
	if err != nil {
		return 0, err
	}
	if err := ensureMeta(ctx, conn); err != nil {
		return 0, err
	}
	return readVersion(ctx, conn)
}

// Migrate applies every pending step.
func (m *Migrator) Migrate(ctx context.Context) (*Result, error) {
	current, err := m.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	result := &Result{From: current, To: current}
	if current > m.Latest() {
		return result, fmt.Errorf("%w: stored %d, binary %d", syncerr.ErrSchemaAhead, current, m.Latest())
	}

	for _, step := range m.steps {
		if step.Version <= current {
			continue
		}

		rows, err := m.apply(ctx, step)
		if err != nil {
			return result, fmt.Errorf("failed to apply migration %d (%s): %w", step.Version, step.Name, err)
		}

		current = step.Version
		result.To = current
		result.Rows += rows
		result.Applied = append(result.Applied, step.Name)
		m.logger.Info("applied migration",
			zap.Int("version", step.Version),
			zap.String("name", step.Name),
			zap.Int("rows", rows))
	}
	return result, nil
}

// apply runs one step and bumps the marker in a single transaction.
func (m *Migrator) apply(ctx context.Context, step Step) (int, error) {
	transformed := 0
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		// Re-check inside the write lock: another process may have
		// migrated between our read and BEGIN IMMEDIATE.
		stored, err := readVersion(ctx, tx)
		if err != nil {
			return err
		}
		if stored >= step.Version {
			return nil
		}

		if step.DDL != nil {
			for _, stmt := range step.DDL() {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("ddl failed: %w", err)
				}
			}
		}

		for table, cols := range step.Columns {
			for _, col := range cols {
				exists, err := db.ColumnExists(ctx, tx, table, col.Name)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col.Name, col.Decl)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to add column %s.%s: %w", table, col.Name, err)
				}
			}
		}

		if step.Transform != nil {
			for _, table := range step.Tables {
				n, err := transformTable(ctx, tx, table, step.Transform)
				if err != nil {
					return fmt.Errorf("failed to transform %s: %w", table, err)
				}
				transformed += n
			}
		}

		return writeVersion(ctx, tx, step.Version)
	})
	return transformed, err
}

// transformTable rewrites every row of table through fn. Once the envelope
// columns exist, the row's version and tombstone flag are written back with
// its data.
func transformTable(ctx context.Context, tx *sql.Tx, table string, fn RowFunc) (int, error) {
	hasEnvelope := true
	for _, col := range []string{"updated_at", "version", "deleted"} {
		ok, err := db.ColumnExists(ctx, tx, table, col)
		if err != nil {
			return 0, err
		}
		hasEnvelope = hasEnvelope && ok
	}

	query := fmt.Sprintf(`SELECT id, data, '', 0, 0 FROM %s`, table)
	if hasEnvelope {
		query = fmt.Sprintf(`SELECT id, data, updated_at, version, deleted FROM %s`, table)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}

	var pending []Row
	for rows.Next() {
		var (
			id, data, updatedAt string
			version             int64
			deleted             int
		)
		if err := rows.Scan(&id, &data, &updatedAt, &version, &deleted); err != nil {
			rows.Close()
			return 0, err
		}
		r := Row{Table: table, ID: id, UpdatedAt: updatedAt, Data: map[string]json.RawMessage{}, Deleted: deleted != 0}
		if version > 0 {
			r.Version = uint64(version)
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
				rows.Close()
				return 0, fmt.Errorf("row %s has invalid data: %w", id, err)
			}
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, r := range pending {
		out, err := fn(r)
		if err != nil {
			return 0, fmt.Errorf("row %s: %w", r.ID, err)
		}
		data, err := json.Marshal(out.Data)
		if err != nil {
			return 0, fmt.Errorf("row %s: %w", r.ID, err)
		}
		if hasEnvelope {
			version := out.Version
			if version < 1 {
				version = 1
			}
			deleted := 0
			if out.Deleted {
				deleted = 1
			}
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ?, version = ?, deleted = ?,
					op = CASE WHEN ? = 1 THEN 'delete' ELSE op END
					WHERE id = ?`, table),
				string(data), out.UpdatedAt, int64(version), deleted, deleted, r.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, table),
				string(data), r.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to rewrite row %s: %w", r.ID, err)
		}
	}
	return len(pending), nil
}

func ensureMeta(ctx context.Context, q db.Querier) error {
	_, err := q.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+MetaTable+` (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", MetaTable, err)
	}
	return nil
}

func readVersion(ctx context.Context, q db.Querier) (int, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM `+MetaTable+` WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: schema_version %q is not a number", syncerr.ErrSchemaCorrupt, raw)
	}
	return v, nil
}

func writeVersion(ctx context.Context, q db.Querier, v int) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+MetaTable+` (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v))
	if err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

// GetMeta reads a schema_meta value. Missing keys return "" and no error.
func GetMeta(ctx context.Context, q db.Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM `+MetaTable+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a schema_meta value.
func SetMeta(ctx context.Context, q db.Querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+MetaTable+` (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
