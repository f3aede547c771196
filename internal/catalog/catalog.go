// Package catalog seeds the built-in exercise catalog.
//
// The catalog is baked into the binary. Seeded rows are clean and
// owner-less at version 1. They stay local until a user edit or the
// ownership claim makes them dirty.
package catalog

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
)

//go:embed exercises.yaml
var exercisesYAML []byte

type entry struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Category        string   `yaml:"category"`
	Type            string   `yaml:"type"`
	DefaultDuration int      `yaml:"default_duration"`
	DefaultSets     int      `yaml:"default_sets"`
	DefaultReps     int      `yaml:"default_reps"`
	Tags            []string `yaml:"tags"`
}

type file struct {
	Exercises []entry `yaml:"exercises"`
}

// Exercises returns the built-in exercises.
func Exercises() ([]*schema.Exercise, error) {
	return parse(exercisesYAML)
}

func parse(data []byte) ([]*schema.Exercise, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Exercises))
	out := make([]*schema.Exercise, 0, len(f.Exercises))
	for i, e := range f.Exercises {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate catalog id %q", e.ID)
		}
		seen[e.ID] = true

		ex := &schema.Exercise{
			Sync:            envelope.Envelope{ID: e.ID},
			Name:            e.Name,
			Description:     e.Description,
			Category:        schema.Category(e.Category),
			Type:            schema.ExerciseType(e.Type),
			DefaultDuration: e.DefaultDuration,
			DefaultSets:     e.DefaultSets,
			DefaultReps:     e.DefaultReps,
			Tags:            e.Tags,
		}
		if err := ex.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", e.ID, err)
		}
		out = append(out, ex)
	}
	return out, nil
}

// Seeder inserts records that are not present yet. *store.Store implements
// it.
type Seeder interface {
	SeedClean(ctx context.Context, recs []schema.Record) (int, error)
}

// Seed inserts the catalog exercises missing from s and returns how many
// were added. Existing rows, including user edits and tombstones, are left
// alone.
func Seed(ctx context.Context, s Seeder, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exercises, err := Exercises()
	if err != nil {
		return 0, err
	}
	recs := make([]schema.Record, len(exercises))
	for i, ex := range exercises {
		recs[i] = ex
	}

	n, err := s.SeedClean(ctx, recs)
	if err != nil {
		return 0, fmt.Errorf("failed to seed catalog: %w", err)
	}
	if n > 0 {
		logger.Named("catalog").Info("seeded built-in exercises", zap.Int("count", n))
	}
	return n, nil
}
