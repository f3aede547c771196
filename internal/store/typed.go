package store

import (
	"context"
	"fmt"

	"github.com/repcue/localsync/internal/schema"
)

// List returns every live record of the kind implemented by T.
//
//	exercises, err := store.List[*schema.Exercise](ctx, s)
func List[T schema.Record](ctx context.Context, s *Store) ([]T, error) {
	var zero T
	recs, err := s.GetAll(ctx, zero.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		typed, ok := rec.(T)
		if !ok {
			return nil, fmt.Errorf("unexpected %T in %s", rec, zero.Kind())
		}
		out = append(out, typed)
	}
	return out, nil
}

// Find returns the live record with id, or false when it is missing or
// tombstoned.
func Find[T schema.Record](ctx context.Context, s *Store, id string) (T, bool, error) {
	var zero T
	rec, err := s.Get(ctx, zero.Kind(), id)
	if err != nil || rec == nil {
		return zero, false, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, false, fmt.Errorf("unexpected %T in %s", rec, zero.Kind())
	}
	return typed, true, nil
}
