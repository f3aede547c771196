package schema

import (
	"fmt"
	"time"

	"github.com/repcue/localsync/internal/envelope"
)

// ActivityLog records one completed exercise.
type ActivityLog struct {
	Sync envelope.Envelope `json:"-"`

	ExerciseID   string `json:"exercise_id"`
	ExerciseName string `json:"exercise_name"`

	// Duration is in seconds.
	Duration int    `json:"duration"`
	Sets     int    `json:"sets,omitempty"`
	Reps     int    `json:"reps,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// WorkoutID is set when the activity was part of a workout session.
	WorkoutID string    `json:"workout_id,omitempty"`
	LoggedAt  time.Time `json:"timestamp"`
}

func (a *ActivityLog) Kind() Kind                   { return KindActivityLog }
func (a *ActivityLog) Envelope() *envelope.Envelope { return &a.Sync }

func (a *ActivityLog) ParentKind() Kind          { return KindExercise }
func (a *ActivityLog) ParentID() string          { return a.ExerciseID }
func (a *ActivityLog) CachedName() string        { return a.ExerciseName }
func (a *ActivityLog) SetCachedName(name string) { a.ExerciseName = name }

// Validate checks the domain fields.
func (a *ActivityLog) Validate() error {
	if a.ExerciseID == "" {
		return fmt.Errorf("exercise_id is required")
	}
	if a.Duration < 0 {
		return fmt.Errorf("duration must be >= 0 (got %d)", a.Duration)
	}
	if a.Sets < 0 || a.Reps < 0 {
		return fmt.Errorf("sets and reps must be >= 0")
	}
	if a.LoggedAt.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
