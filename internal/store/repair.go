package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
)

// repairName fills in a missing or placeholder parent name on activity logs
// and workout sessions. The parent is looked up in the database, then in the
// fallback; a tombstoned parent still supplies its last known name.
//
// The repaired record is always returned. It is persisted as a local edit
// only when consent is held, and the write re-checks the stored copy so a
// record repaired once is never dirtied again. cache maps "kind/id" to the
// resolved name for the duration of one read.
func (s *Store) repairName(ctx context.Context, rec schema.Record, cache map[string]string) schema.Record {
	ref, ok := rec.(schema.ParentRef)
	if !ok || !schema.NeedsNameRepair(ref.CachedName()) || ref.ParentID() == "" {
		return rec
	}

	name, ok := s.parentName(ctx, ref, cache)
	if !ok {
		return rec
	}
	ref.SetCachedName(name)
	nameRepairCounter.WithLabelValues(string(rec.Kind())).Inc()

	if !s.auth.HasConsent() {
		return rec
	}

	kind, id := rec.Kind(), rec.Envelope().ID
	now := s.clock.Now()
	written, err := s.update(ctx, kind, id, func(cur schema.Record) (schema.Record, error) {
		stored, ok := cur.(schema.ParentRef)
		if !ok || cur.Envelope().Deleted || !schema.NeedsNameRepair(stored.CachedName()) {
			return nil, nil
		}
		stored.SetCachedName(name)
		*cur.Envelope() = envelope.PrepareUpsert(cur.Envelope(), id, now)
		return cur, nil
	})
	if err != nil {
		s.logger.Warn("failed to persist repaired name",
			zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		return rec
	}
	if written == nil {
		return rec
	}
	writeCounter.WithLabelValues(string(kind), string(envelope.OpUpsert)).Inc()
	s.logger.Debug("repaired cached name",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("name", name))
	return written
}

func (s *Store) parentName(ctx context.Context, ref schema.ParentRef, cache map[string]string) (string, bool) {
	key := fmt.Sprintf("%s/%s", ref.ParentKind(), ref.ParentID())
	if name, ok := cache[key]; ok {
		return name, name != ""
	}

	var name string
	parent, err := s.getRaw(ctx, ref.ParentKind(), ref.ParentID())
	if err == nil && parent != nil {
		if named, ok := parent.(schema.Named); ok && !schema.NeedsNameRepair(named.DisplayName()) {
			name = named.DisplayName()
		}
	}
	cache[key] = name
	return name, name != ""
}
