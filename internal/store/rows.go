package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
)

const recordColumns = `id, owner_id, version, updated_at, deleted, dirty, op, synced_at, data`

type scanner interface {
	Scan(dest ...any) error
}

// errUndecodable marks a row that was read but cannot be turned into a typed
// record.
var errUndecodable = errors.New("undecodable row")

// scanRecord decodes one row selected with recordColumns. Failures after the
// row was read wrap errUndecodable.
func scanRecord(kind schema.Kind, row scanner) (schema.Record, error) {
	var (
		id        string
		owner     sql.NullString
		version   int64
		updatedAt string
		deleted   int
		dirty     int
		op        string
		syncedAt  sql.NullString
		data      string
	)
	if err := row.Scan(&id, &owner, &version, &updatedAt, &deleted, &dirty, &op, &syncedAt, &data); err != nil {
		return nil, err
	}

	ts, err := db.ParseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errUndecodable, kind, id, err)
	}
	parsedOp, err := envelope.ParseOp(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errUndecodable, kind, id, err)
	}
	if version < 1 {
		version = 1
	}

	env := envelope.Envelope{
		ID:        id,
		OwnerID:   db.StringPtr(owner),
		Version:   uint64(version),
		UpdatedAt: ts,
		Deleted:   deleted != 0,
		Dirty:     dirty != 0,
		Op:        parsedOp,
		SyncedAt:  db.TimePtr(syncedAt),
	}
	rec, err := schema.DecodeData(kind, env, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return rec, nil
}

// loadRecord reads one record, tombstones included. It returns nil and no
// error when the id does not exist.
func loadRecord(ctx context.Context, q db.Querier, kind schema.Kind, id string) (schema.Record, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, kind.Table()), id)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return rec, nil
}

// queryRecords runs a SELECT of recordColumns and decodes every row. A row
// that cannot be decoded is logged and left out; it stays on disk untouched.
func (s *Store) queryRecords(ctx context.Context, q db.Querier, kind schema.Kind, where string, args ...any) ([]schema.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s %s`, recordColumns, kind.Table(), where)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind.Table(), err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if errors.Is(err, errUndecodable) {
			undecodableCounter.WithLabelValues(string(kind)).Inc()
			s.logger.Warn("skipping undecodable row", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind.Table(), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", kind.Table(), err)
	}
	return out, nil
}

// writeRecord inserts or replaces a record with its envelope as given.
func writeRecord(ctx context.Context, q db.Querier, rec schema.Record) error {
	env := rec.Envelope()
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to write %s: %w", rec.Kind(), err)
	}
	data, err := schema.EncodeData(rec)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			version = excluded.version,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			dirty = excluded.dirty,
			op = excluded.op,
			synced_at = excluded.synced_at,
			data = excluded.data
	`, rec.Kind().Table(), recordColumns),
		env.ID,
		db.NullString(env.OwnerID),
		int64(env.Version),
		db.FormatTime(env.UpdatedAt),
		boolInt(env.Deleted),
		boolInt(env.Dirty),
		string(env.Op),
		db.NullTime(env.SyncedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", rec.Kind(), env.ID, err)
	}
	return nil
}

// insertRecord writes rec only if its id is not present yet. It reports
// whether a row was inserted.
func insertRecord(ctx context.Context, q db.Querier, rec schema.Record) (bool, error) {
	env := rec.Envelope()
	if err := env.Validate(); err != nil {
		return false, fmt.Errorf("refusing to write %s: %w", rec.Kind(), err)
	}
	data, err := schema.EncodeData(rec)
	if err != nil {
		return false, err
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.Kind().Table(), recordColumns),
		env.ID,
		db.NullString(env.OwnerID),
		int64(env.Version),
		db.FormatTime(env.UpdatedAt),
		boolInt(env.Deleted),
		boolInt(env.Dirty),
		string(env.Op),
		db.NullTime(env.SyncedAt),
		string(data),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s %s: %w", rec.Kind(), env.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
