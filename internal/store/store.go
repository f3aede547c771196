// Package store is the record store: typed CRUD over the local database for
// every entity kind.
//
// Every domain write goes through the envelope helpers inside one immediate
// transaction that re-reads the stored envelope first, so the next version is
// never computed from a stale copy. Domain reads hide tombstones; GetDirty is
// the only read that returns them.
//
// When the database faults on a write, the record is kept in an in-memory
// fallback map instead of failing the caller. Fallback records are visible to
// reads but never synced, and every fallback write is logged and counted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

// Authorizer gates local writes on user consent.
type Authorizer interface {
	HasConsent() bool
}

// Identity supplies the signed-in owner, if any.
type Identity interface {
	CurrentOwnerID() (string, bool)
}

// Options configures a Store. Zero values get defaults: no consent, an
// anonymous identity, the system clock and a no-op logger.
type Options struct {
	Auth     Authorizer
	Identity Identity
	Clock    envelope.Clock
	Logger   *zap.Logger
}

// Store is the record store.
type Store struct {
	db       *db.DB
	auth     Authorizer
	identity Identity
	clock    envelope.Clock
	logger   *zap.Logger
	fallback *fallback
}

type denyAll struct{}

func (denyAll) HasConsent() bool { return false }

type anonymous struct{}

func (anonymous) CurrentOwnerID() (string, bool) { return "", false }

// New creates a Store over a migrated database.
func New(database *db.DB, opts Options) *Store {
	if opts.Auth == nil {
		opts.Auth = denyAll{}
	}
	if opts.Identity == nil {
		opts.Identity = anonymous{}
	}
	if opts.Clock == nil {
		opts.Clock = envelope.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		db:       database,
		auth:     opts.Auth,
		identity: opts.Identity,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("store"),
		fallback: newFallback(),
	}
}

// Clock returns the clock used for envelope timestamps.
func (s *Store) Clock() envelope.Clock {
	return s.clock
}

// FallbackLen returns the number of records held only in memory.
func (s *Store) FallbackLen() int {
	return s.fallback.len()
}

// update loads the current row inside an immediate transaction and writes
// whatever fn returns. fn receives nil for a missing id and returns nil to
// skip the write.
func (s *Store) update(ctx context.Context, kind schema.Kind, id string,
	fn func(cur schema.Record) (schema.Record, error)) (schema.Record, error) {

	var written schema.Record
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadRecord(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if err := writeRecord(ctx, tx, next); err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// newest returns whichever of cur and the fallback entry has the higher
// version, or nil when neither exists.
func (s *Store) newest(kind schema.Kind, id string, cur schema.Record) schema.Record {
	fb, ok := s.fallback.get(kind, id)
	switch {
	case !ok:
		return cur
	case cur == nil:
		return fb
	case fb.Envelope().Version > cur.Envelope().Version:
		return fb
	default:
		return cur
	}
}

func (s *Store) upsertOptions() []envelope.UpsertOption {
	if owner, ok := s.identity.CurrentOwnerID(); ok && owner != "" {
		return []envelope.UpsertOption{envelope.WithOwner(owner)}
	}
	return nil
}

// Save persists rec as a local edit. The record's envelope is updated in
// place: a missing id is generated, the version is incremented and the record
// is marked dirty.
//
// Save fails with syncerr.ErrConsentDenied without consent and with the
// validation error for invalid domain fields. A database fault is not
// returned: the write lands in the in-memory fallback instead.
func (s *Store) Save(ctx context.Context, rec schema.Record) error {
	if !s.auth.HasConsent() {
		return syncerr.ErrConsentDenied
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", rec.Kind(), err)
	}

	kind := rec.Kind()
	env := rec.Envelope()
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	orig := *env
	now := s.clock.Now()
	opts := s.upsertOptions()

	_, err := s.update(ctx, kind, orig.ID, func(cur schema.Record) (schema.Record, error) {
		var prev *envelope.Envelope
		if base := s.newest(kind, orig.ID, cur); base != nil {
			prev = base.Envelope()
		}
		*env = envelope.PrepareUpsert(prev, orig.ID, now, opts...)
		return rec, nil
	})
	if err == nil {
		s.dropFallback(kind, orig.ID)
		writeCounter.WithLabelValues(string(kind), string(envelope.OpUpsert)).Inc()
		s.logger.Debug("saved record",
			zap.String("kind", string(kind)),
			zap.String("id", env.ID),
			zap.Uint64("version", env.Version))
		return nil
	}

	*env = orig
	if ctx.Err() != nil {
		return err
	}

	var prev *envelope.Envelope
	if fb, ok := s.fallback.get(kind, orig.ID); ok {
		prev = fb.Envelope()
	} else if orig.Version > 0 {
		prev = &orig
	}
	*env = envelope.PrepareUpsert(prev, orig.ID, now, opts...)
	return s.keepInFallback(rec, err)
}

// Delete tombstones the record. Deleting a missing or already deleted id is
// a no-op.
func (s *Store) Delete(ctx context.Context, kind schema.Kind, id string) error {
	if !s.auth.HasConsent() {
		return syncerr.ErrConsentDenied
	}
	now := s.clock.Now()

	written, err := s.update(ctx, kind, id, func(cur schema.Record) (schema.Record, error) {
		base := s.newest(kind, id, cur)
		if base == nil || base.Envelope().Deleted {
			return nil, nil
		}
		*base.Envelope() = envelope.PrepareSoftDelete(*base.Envelope(), now)
		return base, nil
	})
	if err == nil {
		if written != nil {
			s.dropFallback(kind, id)
			writeCounter.WithLabelValues(string(kind), string(envelope.OpDelete)).Inc()
		}
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	cause := err
	rec, ok := s.fallback.get(kind, id)
	if !ok {
		// The row cannot be read; hide it with a bare tombstone until the
		// database recovers.
		var newErr error
		if rec, newErr = schema.New(kind); newErr != nil {
			return newErr
		}
		*rec.Envelope() = envelope.Envelope{ID: id, Version: 1, UpdatedAt: now}
	} else if rec.Envelope().Deleted {
		return nil
	}
	*rec.Envelope() = envelope.PrepareSoftDelete(*rec.Envelope(), now)
	return s.keepInFallback(rec, cause)
}

func (s *Store) keepInFallback(rec schema.Record, cause error) error {
	if err := s.fallback.put(rec); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrStorageFault, cause)
	}
	fallbackCounter.WithLabelValues(string(rec.Kind())).Inc()
	fallbackGauge.Set(float64(s.fallback.len()))
	s.logger.Warn("storage fault, record kept in memory only",
		zap.String("kind", string(rec.Kind())),
		zap.String("id", rec.Envelope().ID),
		zap.Uint64("version", rec.Envelope().Version),
		zap.Error(cause))
	return nil
}

func (s *Store) dropFallback(kind schema.Kind, id string) {
	if _, ok := s.fallback.get(kind, id); !ok {
		return
	}
	s.fallback.remove(kind, id)
	fallbackGauge.Set(float64(s.fallback.len()))
	s.logger.Info("fallback record persisted", zap.String("kind", string(kind)), zap.String("id", id))
}

// getRaw returns the newest copy of a record, tombstones included, from the
// database or the fallback. Database faults degrade to the fallback.
func (s *Store) getRaw(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	var cur schema.Record
	conn, err := s.db.Conn()
	if err == nil {
		cur, err = loadRecord(ctx, conn, kind, id)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("read failed, using fallback",
			zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		cur = nil
	}
	return s.newest(kind, id, cur), nil
}

// Get returns the record or nil when it is missing or tombstoned.
func (s *Store) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	rec, err := s.getRaw(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Envelope().Deleted {
		return nil, nil
	}
	return s.repairName(ctx, rec, map[string]string{}), nil
}

// GetAll returns every live record of kind, most recently updated first,
// ties broken by id.
func (s *Store) GetAll(ctx context.Context, kind schema.Kind) ([]schema.Record, error) {
	var primary []schema.Record
	conn, err := s.db.Conn()
	if err == nil {
		primary, err = s.queryRecords(ctx, conn, kind, `WHERE deleted = 0`)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("list failed, using fallback", zap.String("kind", string(kind)), zap.Error(err))
		primary = nil
	}

	byID := make(map[string]schema.Record, len(primary))
	for _, rec := range primary {
		byID[rec.Envelope().ID] = rec
	}
	for _, fb := range s.fallback.list(kind) {
		id := fb.Envelope().ID
		if cur, ok := byID[id]; !ok || fb.Envelope().Version > cur.Envelope().Version {
			byID[id] = fb
		}
	}

	out := make([]schema.Record, 0, len(byID))
	for _, rec := range byID {
		if !rec.Envelope().Deleted {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)

	names := map[string]string{}
	for i, rec := range out {
		out[i] = s.repairName(ctx, rec, names)
	}
	return out, nil
}

// GetDirty returns every record with unacknowledged local changes, tombstones
// included, oldest change first. Fallback records are never returned.
func (s *Store) GetDirty(ctx context.Context, kind schema.Kind) ([]schema.Record, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, conn, kind, `WHERE dirty = 1 ORDER BY updated_at ASC, id ASC`)
}

// ClearAll physically deletes every record of every kind and empties the
// fallback. Envelopes and sync are bypassed entirely; nothing is propagated
// to the remote. Used for full data erasure only.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range schema.Kinds() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+kind.Table()); err != nil {
				return fmt.Errorf("failed to clear %s: %w", kind.Table(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.fallback.clear()
	fallbackGauge.Set(0)
	s.logger.Warn("all local data cleared")
	return nil
}

// TableCounts summarises one table.
type TableCounts struct {
	Live       int `json:"live"`
	Dirty      int `json:"dirty"`
	Tombstoned int `json:"tombstoned"`
	Anonymous  int `json:"anonymous"`
}

// Counts returns row statistics for every kind.
func (s *Store) Counts(ctx context.Context) (map[schema.Kind]TableCounts, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}
	out := make(map[schema.Kind]TableCounts, len(schema.Kinds()))
	for _, kind := range schema.Kinds() {
		var c TableCounts
		err := conn.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN dirty = 1 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN owner_id IS NULL OR owner_id = '' THEN 1 ELSE 0 END), 0)
			FROM `+kind.Table()).Scan(&c.Live, &c.Dirty, &c.Tombstoned, &c.Anonymous)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", kind.Table(), err)
		}
		out[kind] = c
	}
	return out, nil
}

func sortNewestFirst(recs []schema.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Envelope(), recs[j].Envelope()
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
