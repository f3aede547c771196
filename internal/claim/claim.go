// Package claim runs the ownership claim that attaches records created while
// signed out to the account that signs in.
//
// The claim state is persisted per owner in schema_meta:
//
//	anonymous -> claiming -> claimed -> claiming (next sign-in)
//	                     \-> claim_failed -> anonymous
//
// Every sign-in runs the store claim again. It only touches records without
// an owner, so a repeat run picks up exactly what was written while signed
// out since the last one. A failed claim resets to anonymous and is retried
// on the next sign-in.
package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/store"
)

// State is the claim state of one owner.
type State string

const (
	StateAnonymous State = "anonymous"
	StateClaiming  State = "claiming"
	StateClaimed   State = "claimed"
	StateFailed    State = "claim_failed"
)

var transitions = map[State][]State{
	StateAnonymous: {StateClaiming},
	StateClaiming:  {StateClaimed, StateFailed},
	StateClaimed:   {StateClaiming},
	StateFailed:    {StateAnonymous},
}

// ErrIllegalTransition is returned for a transition the state machine does
// not allow.
var ErrIllegalTransition = errors.New("illegal claim state transition")

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Claimant assigns anonymous records to an owner. *store.Store implements it.
type Claimant interface {
	ClaimAnonymous(ctx context.Context, owner string) (store.ClaimCounts, error)
}

// Claimer drives the claim state machine.
type Claimer struct {
	db     *db.DB
	claims Claimant
	logger *zap.Logger

	mu sync.Mutex
}

// New creates a Claimer.
func New(database *db.DB, claims Claimant, logger *zap.Logger) *Claimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claimer{db: database, claims: claims, logger: logger.Named("claim")}
}

func metaKey(owner string) string {
	return "claim_state/" + owner
}

// State returns the persisted state for owner.
func (c *Claimer) State(ctx context.Context, owner string) (State, error) {
	conn, err := c.db.Conn()
	if err != nil {
		return "", err
	}
	raw, err := migrate.GetMeta(ctx, conn, metaKey(owner))
	if err != nil {
		return "", err
	}
	if raw == "" {
		return StateAnonymous, nil
	}
	return State(raw), nil
}

func (c *Claimer) transition(ctx context.Context, owner string, from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	conn, err := c.db.Conn()
	if err != nil {
		return err
	}
	if err := migrate.SetMeta(ctx, conn, metaKey(owner), string(to)); err != nil {
		return err
	}
	c.logger.Debug("claim state changed",
		zap.String("owner", owner), zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// Claim attaches every anonymous record to owner. Call it once per sign-in
// event; records already owned are left alone, so a repeat call returns zero
// counts unless something was written while signed out.
func (c *Claimer) Claim(ctx context.Context, owner string) (store.ClaimCounts, error) {
	empty := store.ClaimCounts{PerKind: map[schema.Kind]int{}}
	if owner == "" {
		return empty, fmt.Errorf("owner is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.State(ctx, owner)
	if err != nil {
		return empty, err
	}
	from := StateAnonymous
	switch state {
	case StateClaimed:
		from = StateClaimed
	case StateClaiming:
		// A previous run stopped midway. The store claim is idempotent, so
		// mark it failed and start over.
		c.logger.Warn("resuming interrupted claim", zap.String("owner", owner))
		if err := c.fail(ctx, owner); err != nil {
			return empty, err
		}
	case StateFailed:
		if err := c.transition(ctx, owner, StateFailed, StateAnonymous); err != nil {
			return empty, err
		}
	}

	if err := c.transition(ctx, owner, from, StateClaiming); err != nil {
		return empty, err
	}

	counts, err := c.claims.ClaimAnonymous(ctx, owner)
	if err != nil {
		claimCounter.WithLabelValues("failed").Inc()
		c.logger.Error("claim failed", zap.String("owner", owner), zap.Int("claimed", counts.Total), zap.Error(err))
		if failErr := c.fail(context.WithoutCancel(ctx), owner); failErr != nil {
			return counts, errors.Join(err, failErr)
		}
		return counts, err
	}

	if err := c.transition(ctx, owner, StateClaiming, StateClaimed); err != nil {
		return counts, err
	}
	claimCounter.WithLabelValues("claimed").Inc()
	claimedRecords.Add(float64(counts.Total))

	fields := []zap.Field{zap.String("owner", owner), zap.Int("total", counts.Total)}
	for kind, n := range counts.PerKind {
		fields = append(fields, zap.Int(kind.Table(), n))
	}
	c.logger.Info("claimed anonymous records", fields...)
	return counts, nil
}

// fail records claim_failed and immediately resets to anonymous so the next
// sign-in retries.
func (c *Claimer) fail(ctx context.Context, owner string) error {
	if err := c.transition(ctx, owner, StateClaiming, StateFailed); err != nil {
		return err
	}
	return c.transition(ctx, owner, StateFailed, StateAnonymous)
}
