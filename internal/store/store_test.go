package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

var t1 = time.Date(2025, time.May, 5, 8, 0, 0, 0, time.UTC)

type fakeSession struct {
	consent bool
	owner   string
}

func (f *fakeSession) HasConsent() bool { return f.consent }

func (f *fakeSession) CurrentOwnerID() (string, bool) { return f.owner, f.owner != "" }

type harness struct {
	store   *Store
	db      *db.DB
	clock   *envelope.ManualClock
	session *fakeSession
}

// createTestStore opens a migrated database in a temp dir with consent held
// and no signed-in owner.
func createTestStore(t *testing.T) *harness {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = migrate.New(database, nil).Migrate(context.Background())
	require.NoError(t, err)

	h := &harness{
		db:      database,
		clock:   envelope.NewManualClock(t1),
		session: &fakeSession{consent: true},
	}
	h.store = New(database, Options{Auth: h.session, Identity: h.session, Clock: h.clock})
	return h
}

func newExercise(id, name string) *schema.Exercise {
	return &schema.Exercise{
		Sync:            envelope.Envelope{ID: id},
		Name:            name,
		Category:        schema.CategoryCore,
		Type:            schema.ExerciseTimeBased,
		DefaultDuration: 30,
	}
}

func raw(t *testing.T, h *harness, kind schema.Kind, id string) schema.Record {
	t.Helper()
	rec, err := loadRecord(context.Background(), h.db.RawDB(), kind, id)
	require.NoError(t, err)
	require.NotNil(t, rec, "%s %s not stored", kind, id)
	return rec
}

func TestSave_FirstWrite(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	ex := newExercise("", "Plank")
	require.NoError(t, h.store.Save(ctx, ex))

	require.NotEmpty(t, ex.Sync.ID)
	require.Equal(t, uint64(1), ex.Sync.Version)
	require.True(t, ex.Sync.Dirty)
	require.Equal(t, envelope.OpUpsert, ex.Sync.Op)
	require.True(t, ex.Sync.IsAnonymous())

	stored := raw(t, h, schema.KindExercise, ex.Sync.ID)
	require.Equal(t, ex.Sync, *stored.Envelope())
	require.Equal(t, "Plank", stored.(*schema.Exercise).Name)
}

func TestSave_VersionStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	ex := newExercise("ex-1", "Plank")
	var last uint64
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		require.NoError(t, h.store.Save(ctx, ex))
		require.Greater(t, ex.Sync.Version, last)
		last = ex.Sync.Version
	}
	require.Equal(t, uint64(5), last)

	// A caller holding a stale envelope still gets the next version.
	stale := newExercise("ex-1", "Plank v2")
	stale.Sync.Version = 1
	require.NoError(t, h.store.Save(ctx, stale))
	require.Equal(t, uint64(6), stale.Sync.Version)
}

func TestSave_StampsOwnerWhenSignedIn(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)
	h.session.owner = "user-1"

	ex := newExercise("ex-1", "Plank")
	require.NoError(t, h.store.Save(ctx, ex))
	require.Equal(t, "user-1", ex.Sync.Owner())
}

func TestSave_ConsentDenied(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)
	h.session.consent = false

	err := h.store.Save(ctx, newExercise("ex-1", "Plank"))
	require.ErrorIs(t, err, syncerr.ErrConsentDenied)

	err = h.store.Delete(ctx, schema.KindExercise, "ex-1")
	require.ErrorIs(t, err, syncerr.ErrConsentDenied)

	got, err := h.store.Get(ctx, schema.KindExercise, "ex-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSave_InvalidRecord(t *testing.T) {
	h := createTestStore(t)

	err := h.store.Save(context.Background(), newExercise("ex-1", ""))
	require.Error(t, err)
	require.Zero(t, h.store.FallbackLen())
}

func TestDelete_Tombstone(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	ex := newExercise("ex-1", "Plank")
	require.NoError(t, h.store.Save(ctx, ex))
	require.NoError(t, h.store.MarkSynced(ctx, schema.KindExercise, []string{"ex-1"}, t1))

	h.clock.Advance(time.Minute)
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-1"))

	got, err := h.store.Get(ctx, schema.KindExercise, "ex-1")
	require.NoError(t, err)
	require.Nil(t, got, "tombstones are hidden from reads")

	all, err := h.store.GetAll(ctx, schema.KindExercise)
	require.NoError(t, err)
	require.Empty(t, all)

	dirty, err := h.store.GetDirty(ctx, schema.KindExercise)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	env := dirty[0].Envelope()
	require.True(t, env.Deleted)
	require.Equal(t, envelope.OpDelete, env.Op)
	require.Equal(t, uint64(2), env.Version)
	require.Equal(t, t1.Add(time.Minute), env.UpdatedAt)
}

func TestDelete_MissingIsNoop(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "nope"))

	dirty, err := h.store.GetDirty(ctx, schema.KindExercise)
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestDelete_Twice(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-1"))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-1"))

	require.Equal(t, uint64(2), raw(t, h, schema.KindExercise, "ex-1").Envelope().Version)
}

func TestGetAll_NewestFirst(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, h.store.Save(ctx, newExercise(id, "Ex "+id)))
	}
	h.clock.Advance(time.Second)
	require.NoError(t, h.store.Save(ctx, newExercise("d", "Ex d")))

	all, err := h.store.GetAll(ctx, schema.KindExercise)
	require.NoError(t, err)

	var ids []string
	for _, rec := range all {
		ids = append(ids, rec.Envelope().ID)
	}
	require.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestSave_FallbackOnStorageFault(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.db.Close())

	ex := newExercise("ex-2", "Squat")
	require.NoError(t, h.store.Save(ctx, ex), "a storage fault must not surface to the caller")
	require.Equal(t, 1, h.store.FallbackLen())
	require.Equal(t, uint64(1), ex.Sync.Version)

	got, err := h.store.Get(ctx, schema.KindExercise, "ex-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Squat", got.(*schema.Exercise).Name)

	all, err := h.store.GetAll(ctx, schema.KindExercise)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = h.store.GetDirty(ctx, schema.KindExercise)
	require.ErrorIs(t, err, db.ErrClosed, "fallback records are never offered to sync")

	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-2"))
	got, err = h.store.Get(ctx, schema.KindExercise, "ex-2")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestNameRepair(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	log := &schema.ActivityLog{
		Sync:         envelope.Envelope{ID: "log-1"},
		ExerciseID:   "ex-1",
		ExerciseName: schema.PlaceholderExerciseName,
		Duration:     60,
		LoggedAt:     t1,
	}
	require.NoError(t, h.store.Save(ctx, log))
	require.NoError(t, h.store.MarkSynced(ctx, schema.KindActivityLog, []string{"log-1"}, t1))

	h.clock.Advance(time.Minute)
	got, err := h.store.Get(ctx, schema.KindActivityLog, "log-1")
	require.NoError(t, err)
	require.Equal(t, "Plank", got.(*schema.ActivityLog).ExerciseName)

	stored := raw(t, h, schema.KindActivityLog, "log-1")
	require.Equal(t, "Plank", stored.(*schema.ActivityLog).ExerciseName)
	require.Equal(t, uint64(2), stored.Envelope().Version)
	require.True(t, stored.Envelope().Dirty)

	// Repaired records are left alone on later reads.
	require.NoError(t, h.store.MarkSynced(ctx, schema.KindActivityLog, []string{"log-1"}, t1))
	for i := 0; i < 3; i++ {
		_, err := h.store.GetAll(ctx, schema.KindActivityLog)
		require.NoError(t, err)
	}
	stored = raw(t, h, schema.KindActivityLog, "log-1")
	require.Equal(t, uint64(2), stored.Envelope().Version)
	require.False(t, stored.Envelope().Dirty)
}

func TestNameRepair_WithoutConsentIsReadOnly(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, &schema.Workout{Sync: envelope.Envelope{ID: "w-1"}, Name: "Legs"}))
	require.NoError(t, h.store.Save(ctx, &schema.WorkoutSession{
		Sync:      envelope.Envelope{ID: "s-1"},
		WorkoutID: "w-1",
		StartTime: t1,
	}))
	h.session.consent = false

	got, err := h.store.Get(ctx, schema.KindWorkoutSession, "s-1")
	require.NoError(t, err)
	require.Equal(t, "Legs", got.(*schema.WorkoutSession).WorkoutName)

	stored := raw(t, h, schema.KindWorkoutSession, "s-1")
	require.Empty(t, stored.(*schema.WorkoutSession).WorkoutName)
	require.Equal(t, uint64(1), stored.Envelope().Version)
}

func TestNameRepair_UnknownParent(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, &schema.ActivityLog{
		Sync:       envelope.Envelope{ID: "log-1"},
		ExerciseID: "gone",
		LoggedAt:   t1,
	}))

	got, err := h.store.Get(ctx, schema.KindActivityLog, "log-1")
	require.NoError(t, err)
	require.Empty(t, got.(*schema.ActivityLog).ExerciseName)
	require.Equal(t, uint64(1), raw(t, h, schema.KindActivityLog, "log-1").Envelope().Version)
}

func TestMarkSynced_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	at := t1.Add(time.Hour)
	require.NoError(t, h.store.MarkSynced(ctx, schema.KindExercise, []string{"ex-1", "missing"}, at))
	first := *raw(t, h, schema.KindExercise, "ex-1").Envelope()

	require.NoError(t, h.store.MarkSynced(ctx, schema.KindExercise, []string{"ex-1"}, at.Add(time.Hour)))
	second := *raw(t, h, schema.KindExercise, "ex-1").Envelope()

	require.False(t, first.Dirty)
	require.Equal(t, uint64(1), first.Version)
	require.Equal(t, at, *first.SyncedAt)
	require.Equal(t, first, second)
}

func TestApplyAck(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	ex := newExercise("ex-1", "Plank")
	require.NoError(t, h.store.Save(ctx, ex))
	pushed := ex.Sync.Version

	// Edited again while the push was in flight.
	require.NoError(t, h.store.Save(ctx, ex))

	ok, err := h.store.ApplyAck(ctx, schema.KindExercise, Ack{ID: "ex-1", PushedVersion: pushed, ServerVersion: pushed})
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, raw(t, h, schema.KindExercise, "ex-1").Envelope().Dirty)

	ok, err = h.store.ApplyAck(ctx, schema.KindExercise, Ack{ID: "ex-1", PushedVersion: 2, ServerVersion: 7})
	require.NoError(t, err)
	require.True(t, ok)

	env := raw(t, h, schema.KindExercise, "ex-1").Envelope()
	require.False(t, env.Dirty)
	require.Equal(t, uint64(7), env.Version)
	require.NotNil(t, env.SyncedAt)

	ok, err = h.store.ApplyAck(ctx, schema.KindExercise, Ack{ID: "missing", PushedVersion: 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func remoteExercise(id, name string, version uint64, at time.Time) *schema.Exercise {
	ex := newExercise(id, name)
	ex.Sync = envelope.Envelope{ID: id, Version: version, UpdatedAt: at, Op: envelope.OpUpsert}
	return ex
}

func TestApplyRemote_NewerServerWins(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)
	h.session.owner = "user-1"

	ex := newExercise("ex-1", "Local")
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.Save(ctx, ex))
	}
	require.Equal(t, uint64(3), ex.Sync.Version)

	res, err := h.store.ApplyRemote(ctx, remoteExercise("ex-1", "Remote", 4, t1.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, envelope.SideRemote, res.Winner)
	require.Equal(t, envelope.ActionAcceptServer, res.Action)

	stored := raw(t, h, schema.KindExercise, "ex-1")
	require.Equal(t, "Remote", stored.(*schema.Exercise).Name)
	require.Equal(t, uint64(4), stored.Envelope().Version)
	require.False(t, stored.Envelope().Dirty)
	require.Equal(t, "user-1", stored.Envelope().Owner(), "local owner kept when the server sends none")
}

func TestApplyRemote_NewerLocalWins(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	h.clock.Advance(time.Hour)
	ex := newExercise("ex-1", "Local")
	require.NoError(t, h.store.Save(ctx, ex))
	require.NoError(t, h.store.Save(ctx, ex))

	res, err := h.store.ApplyRemote(ctx, remoteExercise("ex-1", "Remote", 5, t1))
	require.NoError(t, err)
	require.Equal(t, envelope.ActionKeepLocal, res.Action)

	stored := raw(t, h, schema.KindExercise, "ex-1")
	require.Equal(t, "Local", stored.(*schema.Exercise).Name)
	require.Equal(t, uint64(6), stored.Envelope().Version, "kept local copy must supersede the server version")
	require.True(t, stored.Envelope().Dirty)
}

func TestApplyRemote_TiePrefersDelete(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-1"))

	res, err := h.store.ApplyRemote(ctx, remoteExercise("ex-1", "Plank", 2, t1))
	require.NoError(t, err)
	require.Equal(t, envelope.SideLocal, res.Winner)
	require.Equal(t, envelope.ActionPreferDelete, res.Action)

	env := raw(t, h, schema.KindExercise, "ex-1").Envelope()
	require.True(t, env.Deleted)
	require.True(t, env.Dirty)
	require.Equal(t, uint64(3), env.Version)
}

func TestApplyRemote_CleanLocal(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	res, err := h.store.ApplyRemote(ctx, remoteExercise("ex-1", "Remote", 3, t1))
	require.NoError(t, err)
	require.True(t, res.AcceptsServer())
	stored := raw(t, h, schema.KindExercise, "ex-1")
	require.False(t, stored.Envelope().Dirty)
	require.Equal(t, uint64(3), stored.Envelope().Version)

	res, err = h.store.ApplyRemote(ctx, remoteExercise("ex-1", "Older", 2, t1.Add(time.Hour)))
	require.NoError(t, err)
	require.False(t, res.AcceptsServer())
	require.Equal(t, "Remote", raw(t, h, schema.KindExercise, "ex-1").(*schema.Exercise).Name)

	tomb := remoteExercise("ex-1", "Remote", 4, t1.Add(time.Hour))
	tomb.Sync.Deleted = true
	_, err = h.store.ApplyRemote(ctx, tomb)
	require.NoError(t, err)

	got, err := h.store.Get(ctx, schema.KindExercise, "ex-1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, envelope.OpDelete, raw(t, h, schema.KindExercise, "ex-1").Envelope().Op)
}

func TestClaimAnonymous(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Save(ctx, newExercise("ex-2", "Squat")))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-2"))
	require.NoError(t, h.store.Save(ctx, &schema.AppSetting{Sync: envelope.Envelope{ID: "s-1"}, Key: "k", Value: "v"}))
	require.NoError(t, h.store.MarkSynced(ctx, schema.KindAppSetting, []string{"s-1"}, t1))

	h.clock.Advance(time.Minute)
	counts, err := h.store.ClaimAnonymous(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, counts.Total)
	require.Equal(t, 2, counts.PerKind[schema.KindExercise])
	require.Equal(t, 1, counts.PerKind[schema.KindAppSetting])

	tomb := raw(t, h, schema.KindExercise, "ex-2").Envelope()
	require.Equal(t, "user-1", tomb.Owner())
	require.Equal(t, envelope.OpDelete, tomb.Op)
	require.Equal(t, uint64(3), tomb.Version)

	setting := raw(t, h, schema.KindAppSetting, "s-1").Envelope()
	require.True(t, setting.Dirty)
	require.Equal(t, uint64(2), setting.Version)
	require.Equal(t, t1.Add(time.Minute), setting.UpdatedAt)

	again, err := h.store.ClaimAnonymous(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, again.Total)

	other, err := h.store.ClaimAnonymous(ctx, "user-2")
	require.NoError(t, err)
	require.Zero(t, other.Total)
	require.Equal(t, "user-1", raw(t, h, schema.KindExercise, "ex-1").Envelope().Owner())
}

func TestClaimAnonymous_ConsentDenied(t *testing.T) {
	h := createTestStore(t)
	h.session.consent = false

	_, err := h.store.ClaimAnonymous(context.Background(), "user-1")
	require.True(t, errors.Is(err, syncerr.ErrConsentDenied))
}

func TestSeedClean(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	seed := func() []schema.Record {
		return []schema.Record{newExercise("cat-plank", "Plank"), newExercise("cat-squat", "Squat")}
	}
	n, err := h.store.SeedClean(ctx, seed())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = h.store.SeedClean(ctx, seed())
	require.NoError(t, err)
	require.Zero(t, n)

	dirty, err := h.store.GetDirty(ctx, schema.KindExercise)
	require.NoError(t, err)
	require.Empty(t, dirty)

	env := raw(t, h, schema.KindExercise, "cat-plank").Envelope()
	require.Equal(t, uint64(1), env.Version)
	require.True(t, env.IsAnonymous())
}

func TestListAndFind(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Save(ctx, &schema.AppSetting{Sync: envelope.Envelope{ID: "s-1"}, Key: "k", Value: "v"}))

	exercises, err := List[*schema.Exercise](ctx, h.store)
	require.NoError(t, err)
	require.Len(t, exercises, 1)
	require.Equal(t, "Plank", exercises[0].Name)

	setting, ok, err := Find[*schema.AppSetting](ctx, h.store, "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", setting.Value)

	_, ok, err = Find[*schema.AppSetting](ctx, h.store, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Save(ctx, newExercise("ex-2", "Squat")))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-2"))

	var buf bytes.Buffer
	n, err := h.store.Export(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var lines []schema.Wire
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var w schema.Wire
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &w))
		lines = append(lines, w)
	}
	require.Len(t, lines, 2)
	require.Equal(t, schema.KindExercise, lines[0].Kind)
	require.Equal(t, "ex-1", lines[0].ID)
	require.True(t, lines[1].Deleted)
}

func TestClearAllAndCounts(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)

	require.NoError(t, h.store.Save(ctx, newExercise("ex-1", "Plank")))
	require.NoError(t, h.store.Save(ctx, newExercise("ex-2", "Squat")))
	require.NoError(t, h.store.Delete(ctx, schema.KindExercise, "ex-2"))

	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, TableCounts{Live: 1, Dirty: 2, Tombstoned: 1, Anonymous: 2}, counts[schema.KindExercise])

	require.NoError(t, h.store.ClearAll(ctx))
	counts, err = h.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, TableCounts{}, counts[schema.KindExercise])
}

func newActivityLog(id string) *schema.ActivityLog {
	return &schema.ActivityLog{
		Sync:       envelope.Envelope{ID: id},
		ExerciseID: "ex-1",
		Duration:   60,
		LoggedAt:   t1,
	}
}

func TestImportedEpochTimestampsStayReadable(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)
	require.NoError(t, h.store.Save(ctx, newActivityLog("log-local")))

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"activityLogs":[
		{"id":"legacy-1","exerciseId":"ex-1","exerciseName":"Plank","duration":45,"timestamp":1700000000000}
	]}`), 0o600))

	result, err := migrate.New(h.db, nil).ImportLegacyExport(ctx, migrate.ImportOptions{Path: path})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Equal(t, 1, result.Imported["activity_logs"])

	all, err := h.store.GetAll(ctx, schema.KindActivityLog)
	require.NoError(t, err)
	require.Len(t, all, 2)

	imported := raw(t, h, schema.KindActivityLog, "legacy-1").(*schema.ActivityLog)
	require.True(t, imported.LoggedAt.Equal(time.UnixMilli(1700000000000)))

	dirty, err := h.store.GetDirty(ctx, schema.KindActivityLog)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
}

func TestReadsSkipUndecodableRows(t *testing.T) {
	ctx := context.Background()
	h := createTestStore(t)
	require.NoError(t, h.store.Save(ctx, newActivityLog("log-ok")))

	_, err := h.db.RawDB().ExecContext(ctx,
		`INSERT INTO activity_logs (id, data, version, updated_at, deleted, dirty, op)
		 VALUES ('log-bad', '{"exercise_id":"ex-1","timestamp":1700000000000}', 1, ?, 0, 1, 'upsert')`,
		db.FormatTime(t1))
	require.NoError(t, err)

	all, err := h.store.GetAll(ctx, schema.KindActivityLog)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "log-ok", all[0].Envelope().ID)

	dirty, err := h.store.GetDirty(ctx, schema.KindActivityLog)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	rec, err := h.store.Get(ctx, schema.KindActivityLog, "log-bad")
	require.NoError(t, err)
	require.Nil(t, rec)
}
