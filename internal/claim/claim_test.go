package claim

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/store"
)

type consent struct{}

func (consent) HasConsent() bool { return true }

type failingClaimant struct {
	calls int
	err   error
}

func (f *failingClaimant) ClaimAnonymous(ctx context.Context, owner string) (store.ClaimCounts, error) {
	f.calls++
	return store.ClaimCounts{PerKind: map[schema.Kind]int{}}, f.err
}

func openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "claim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = migrate.New(database, nil).Migrate(context.Background())
	require.NoError(t, err)
	return database
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateAnonymous, StateClaiming, true},
		{StateClaiming, StateClaimed, true},
		{StateClaiming, StateFailed, true},
		{StateFailed, StateAnonymous, true},
		{StateAnonymous, StateClaimed, false},
		{StateClaimed, StateAnonymous, false},
		{StateClaimed, StateClaiming, true},
		{StateFailed, StateClaimed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestClaim_RepeatFindsNothingNew(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	s := store.New(database, store.Options{Auth: consent{}})

	for _, id := range []string{"ex-1", "ex-2"} {
		require.NoError(t, s.Save(ctx, &schema.Exercise{
			Sync:     envelope.Envelope{ID: id},
			Name:     id,
			Category: schema.CategoryCore,
			Type:     schema.ExerciseTimeBased,
		}))
	}

	c := New(database, s, nil)
	state, err := c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateAnonymous, state)

	counts, err := c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, counts.Total)
	require.Equal(t, 2, counts.PerKind[schema.KindExercise])

	state, err = c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateClaimed, state)

	again, err := c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, again.Total)

	// A different account signs in later: the records already belong to
	// user-1 and stay that way.
	other, err := c.Claim(ctx, "user-2")
	require.NoError(t, err)
	require.Zero(t, other.Total)

	rec, err := s.Get(ctx, schema.KindExercise, "ex-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", rec.Envelope().Owner())
}

func TestClaim_SignInAfterSignOut(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	s := store.New(database, store.Options{Auth: consent{}})
	c := New(database, s, nil)

	save := func(id string) {
		t.Helper()
		require.NoError(t, s.Save(ctx, &schema.Exercise{
			Sync:     envelope.Envelope{ID: id},
			Name:     id,
			Category: schema.CategoryCore,
			Type:     schema.ExerciseTimeBased,
		}))
	}

	save("before-login")
	counts, err := c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)

	// Signed out again; the store writes anonymous records.
	save("while-signed-out")

	counts, err = c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)

	rec, err := s.Get(ctx, schema.KindExercise, "while-signed-out")
	require.NoError(t, err)
	require.Equal(t, "user-1", rec.Envelope().Owner())
	require.False(t, rec.Envelope().IsAnonymous())

	state, err := c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateClaimed, state)
}

func TestClaim_FailureResetsToAnonymous(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	claimant := &failingClaimant{err: errors.New("disk full")}
	c := New(database, claimant, nil)

	_, err := c.Claim(ctx, "user-1")
	require.ErrorContains(t, err, "disk full")

	state, err := c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateAnonymous, state)

	claimant.err = nil
	_, err = c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, claimant.calls)

	state, err = c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateClaimed, state)
}

func TestClaim_ResumesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	require.NoError(t, migrate.SetMeta(ctx, database.RawDB(), metaKey("user-1"), string(StateClaiming)))

	claimant := &failingClaimant{}
	c := New(database, claimant, nil)
	_, err := c.Claim(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, claimant.calls)

	state, err := c.State(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, StateClaimed, state)
}

func TestClaim_RequiresOwner(t *testing.T) {
	c := New(openDB(t), &failingClaimant{}, nil)
	_, err := c.Claim(context.Background(), "")
	require.Error(t, err)
}
