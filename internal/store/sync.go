package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

// The methods in this file are driven by sync, not by the user. They do not
// require consent (except ClaimAnonymous) and never fall back to memory: a
// database fault is returned so the sync pass can retry later.

// MarkSynced clears the dirty flag on every listed record of kind. Records
// that are already clean or missing are skipped, so calling it twice is
// harmless.
func (s *Store) MarkSynced(ctx context.Context, kind schema.Kind, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			rec, err := loadRecord(ctx, tx, kind, id)
			if err != nil {
				return err
			}
			if rec == nil || !rec.Envelope().Dirty {
				continue
			}
			*rec.Envelope() = envelope.MarkSynced(*rec.Envelope(), at)
			if err := writeRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ack is the remote acknowledgement of one pushed record.
type Ack struct {
	ID string

	// PushedVersion is the local version that was sent.
	PushedVersion uint64

	// ServerVersion is the version the remote stored. Zero means the remote
	// did not report one.
	ServerVersion uint64
}

// ApplyAck marks the record clean if it has not been edited since it was
// pushed. It returns false when the local version moved on; the record then
// stays dirty and is pushed again on the next pass.
func (s *Store) ApplyAck(ctx context.Context, kind schema.Kind, ack Ack) (bool, error) {
	now := s.clock.Now()
	written, err := s.update(ctx, kind, ack.ID, func(cur schema.Record) (schema.Record, error) {
		if cur == nil {
			return nil, nil
		}
		env := cur.Envelope()
		if env.Version != ack.PushedVersion {
			return nil, nil
		}
		if ack.ServerVersion > env.Version {
			env.Version = ack.ServerVersion
		}
		*env = envelope.MarkSynced(*env, now)
		return cur, nil
	})
	if err != nil {
		return false, err
	}
	return written != nil, nil
}

// ApplyRemote applies a server copy of a record to local state.
//
// A record missing locally is inserted clean. A clean local record is
// replaced when the server version is at least as new. A dirty local record
// goes through envelope.ResolveConflict: an accepted server copy is written
// clean, while a kept local copy stays dirty with a version above the
// server's so the next push supersedes it.
func (s *Store) ApplyRemote(ctx context.Context, remote schema.Record) (envelope.Resolution, error) {
	kind := remote.Kind()
	renv := *remote.Envelope()
	if renv.ID == "" {
		return envelope.Resolution{}, fmt.Errorf("remote %s has no id", kind)
	}
	now := s.clock.Now()
	if renv.Version < 1 {
		renv.Version = 1
	}
	if renv.UpdatedAt.IsZero() {
		renv.UpdatedAt = now
	}
	renv.UpdatedAt = renv.UpdatedAt.UTC()

	accepted := func(local *envelope.Envelope) (schema.Record, error) {
		next, err := schema.Clone(remote)
		if err != nil {
			return nil, err
		}
		env := renv
		if env.Deleted {
			env.Op = envelope.OpDelete
		} else {
			env.Op = envelope.OpUpsert
		}
		if local != nil {
			if local.Version > env.Version {
				env.Version = local.Version
			}
			if env.IsAnonymous() {
				env.OwnerID = local.OwnerID
			}
		}
		*next.Envelope() = envelope.MarkSynced(env, now)
		return next, nil
	}

	var res envelope.Resolution
	var wasDirty bool
	_, err := s.update(ctx, kind, renv.ID, func(cur schema.Record) (schema.Record, error) {
		if cur == nil {
			res = envelope.Resolution{Winner: envelope.SideRemote, Action: envelope.ActionAcceptServer}
			return accepted(nil)
		}

		local := cur.Envelope()
		wasDirty = local.Dirty
		if !local.Dirty {
			if renv.Version >= local.Version {
				res = envelope.Resolution{Winner: envelope.SideRemote, Action: envelope.ActionAcceptServer}
				return accepted(local)
			}
			res = envelope.Resolution{Winner: envelope.SideLocal, Action: envelope.ActionKeepLocal}
			return nil, nil
		}

		localSnap, err := schema.Snapshot(cur)
		if err != nil {
			return nil, err
		}
		remoteData, err := schema.EncodeData(remote)
		if err != nil {
			return nil, err
		}
		res = envelope.ResolveConflict(localSnap, envelope.Snapshot{Envelope: renv, Data: remoteData})
		if res.AcceptsServer() {
			return accepted(local)
		}
		if renv.Version < local.Version {
			return nil, nil
		}
		local.Version = renv.Version + 1
		return cur, nil
	})
	if err != nil {
		return envelope.Resolution{}, err
	}

	if wasDirty {
		conflictCounter.WithLabelValues(string(kind), string(res.Action)).Inc()
		s.logger.Info("resolved conflict",
			zap.String("kind", string(kind)),
			zap.String("id", renv.ID),
			zap.String("winner", string(res.Winner)),
			zap.String("action", string(res.Action)))
	}
	return res, nil
}

// ClaimCounts reports how many records a claim assigned, per kind.
type ClaimCounts struct {
	PerKind map[schema.Kind]int `json:"per_kind"`
	Total   int                 `json:"total"`
}

// ClaimAnonymous assigns owner to every record without one, tombstones
// included. Each kind is claimed in its own transaction; a failing kind does
// not stop the others and the errors are joined. Running it again after a
// full success claims nothing.
func (s *Store) ClaimAnonymous(ctx context.Context, owner string) (ClaimCounts, error) {
	counts := ClaimCounts{PerKind: make(map[schema.Kind]int)}
	if !s.auth.HasConsent() {
		return counts, syncerr.ErrConsentDenied
	}
	if owner == "" {
		return counts, fmt.Errorf("owner is required")
	}

	now := s.clock.Now()
	var errs []error
	for _, kind := range schema.Kinds() {
		n := 0
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			recs, err := s.queryRecords(ctx, tx, kind, `WHERE owner_id IS NULL OR owner_id = ''`)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				next, ok := envelope.Claim(*rec.Envelope(), owner, now)
				if !ok {
					continue
				}
				*rec.Envelope() = next
				if err := writeRecord(ctx, tx, rec); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to claim %s: %w", kind.Table(), err))
			continue
		}
		if n > 0 {
			counts.PerKind[kind] = n
			counts.Total += n
		}
	}
	return counts, errors.Join(errs...)
}

// SeedClean inserts records that are not present yet as clean, owner-less
// rows at version 1. Existing ids are left untouched. It returns the number
// of rows inserted.
func (s *Store) SeedClean(ctx context.Context, recs []schema.Record) (int, error) {
	now := s.clock.Now().UTC()
	inserted := 0
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		for _, rec := range recs {
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("invalid %s %s: %w", rec.Kind(), rec.Envelope().ID, err)
			}
			id := rec.Envelope().ID
			if id == "" {
				return fmt.Errorf("seed %s record has no id", rec.Kind())
			}
			*rec.Envelope() = envelope.Envelope{
				ID:        id,
				Version:   1,
				UpdatedAt: now,
				Op:        envelope.OpUpsert,
			}
			ok, err := insertRecord(ctx, tx, rec)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func cursorKey(kind schema.Kind) string {
	return "pull_cursor/" + string(kind)
}

// PullCursor returns the remote change cursor saved for kind, or "".
func (s *Store) PullCursor(ctx context.Context, kind schema.Kind) (string, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return "", err
	}
	return migrate.GetMeta(ctx, conn, cursorKey(kind))
}

// SetPullCursor saves the remote change cursor for kind.
func (s *Store) SetPullCursor(ctx context.Context, kind schema.Kind, cursor string) error {
	conn, err := s.db.Conn()
	if err != nil {
		return err
	}
	return migrate.SetMeta(ctx, conn, cursorKey(kind), cursor)
}
