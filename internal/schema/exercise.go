package schema

import (
	"fmt"

	"github.com/repcue/localsync/internal/envelope"
)

// Category groups exercises for browsing.
type Category string

const (
	CategoryCore        Category = "core"
	CategoryStrength    Category = "strength"
	CategoryCardio      Category = "cardio"
	CategoryFlexibility Category = "flexibility"
	CategoryBalance     Category = "balance"
	CategoryHandWarmup  Category = "hand_warmup"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCore, CategoryStrength, CategoryCardio, CategoryFlexibility, CategoryBalance, CategoryHandWarmup:
		return true
	default:
		return false
	}
}

// ExerciseType says whether an exercise is timed or counted.
type ExerciseType string

const (
	ExerciseTimeBased       ExerciseType = "time_based"
	ExerciseRepetitionBased ExerciseType = "repetition_based"
)

// Exercise is a catalog entry the user can log or put in a workout.
type Exercise struct {
	Sync envelope.Envelope `json:"-"`

	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    Category     `json:"category"`
	Type        ExerciseType `json:"exercise_type"`

	// DefaultDuration is in seconds and only meaningful for time-based exercises.
	DefaultDuration int `json:"default_duration,omitempty"`
	DefaultSets     int `json:"default_sets,omitempty"`
	DefaultReps     int `json:"default_reps,omitempty"`

	IsFavorite bool     `json:"is_favorite"`
	Tags       []string `json:"tags,omitempty"`
}

func (e *Exercise) Kind() Kind                   { return KindExercise }
func (e *Exercise) Envelope() *envelope.Envelope { return &e.Sync }
func (e *Exercise) DisplayName() string          { return e.Name }

// Validate checks the domain fields.
func (e *Exercise) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(e.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(e.Name))
	}
	if !e.Category.Valid() {
		return fmt.Errorf("invalid category %q", e.Category)
	}
	switch e.Type {
	case ExerciseTimeBased:
		if e.DefaultDuration < 0 {
			return fmt.Errorf("default_duration must be >= 0 (got %d)", e.DefaultDuration)
		}
	case ExerciseRepetitionBased:
		if e.DefaultSets < 0 || e.DefaultReps < 0 {
			return fmt.Errorf("default sets and reps must be >= 0")
		}
	default:
		return fmt.Errorf("invalid exercise_type %q", e.Type)
	}
	return nil
}
