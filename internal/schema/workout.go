package schema

import (
	"fmt"
	"time"

	"github.com/repcue/localsync/internal/envelope"
)

// WorkoutExercise is one step of a workout plan.
type WorkoutExercise struct {
	ExerciseID string `json:"exercise_id"`
	Order      int    `json:"order"`
	Sets       int    `json:"sets,omitempty"`
	Reps       int    `json:"reps,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	RestTime   int    `json:"rest_time,omitempty"`
}

// Workout is a user-defined plan made of ordered exercises.
type Workout struct {
	Sync envelope.Envelope `json:"-"`

	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Exercises         []WorkoutExercise `json:"exercises"`
	ScheduledDays     []string          `json:"scheduled_days,omitempty"`
	IsActive          bool              `json:"is_active"`
	EstimatedDuration int               `json:"estimated_duration,omitempty"`
}

func (w *Workout) Kind() Kind                   { return KindWorkout }
func (w *Workout) Envelope() *envelope.Envelope { return &w.Sync }
func (w *Workout) DisplayName() string          { return w.Name }

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// Validate checks the domain fields.
func (w *Workout) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(w.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(w.Name))
	}
	for i, ex := range w.Exercises {
		if ex.ExerciseID == "" {
			return fmt.Errorf("exercises[%d]: exercise_id is required", i)
		}
	}
	for _, day := range w.ScheduledDays {
		if !weekdays[day] {
			return fmt.Errorf("invalid scheduled day %q", day)
		}
	}
	return nil
}

// SessionExercise is the progress on one exercise within a session.
type SessionExercise struct {
	ExerciseID    string `json:"exercise_id"`
	CompletedSets int    `json:"completed_sets,omitempty"`
	CompletedReps int    `json:"completed_reps,omitempty"`
	Duration      int    `json:"duration,omitempty"`
}

// WorkoutSession records one run through a workout.
type WorkoutSession struct {
	Sync envelope.Envelope `json:"-"`

	WorkoutID   string `json:"workout_id"`
	WorkoutName string `json:"workout_name"`

	StartTime         time.Time         `json:"start_time"`
	EndTime           *time.Time        `json:"end_time,omitempty"`
	Exercises         []SessionExercise `json:"exercises,omitempty"`
	IsCompleted       bool              `json:"is_completed"`
	CompletionPercent float64           `json:"completion_percentage"`
	TotalDuration     int               `json:"total_duration,omitempty"`
}

func (s *WorkoutSession) Kind() Kind                   { return KindWorkoutSession }
func (s *WorkoutSession) Envelope() *envelope.Envelope { return &s.Sync }

func (s *WorkoutSession) ParentKind() Kind          { return KindWorkout }
func (s *WorkoutSession) ParentID() string          { return s.WorkoutID }
func (s *WorkoutSession) CachedName() string        { return s.WorkoutName }
func (s *WorkoutSession) SetCachedName(name string) { s.WorkoutName = name }

// Validate checks the domain fields.
func (s *WorkoutSession) Validate() error {
	if s.WorkoutID == "" {
		return fmt.Errorf("workout_id is required")
	}
	if s.StartTime.IsZero() {
		return fmt.Errorf("start_time is required")
	}
	if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
		return fmt.Errorf("end_time must not be before start_time")
	}
	if s.CompletionPercent < 0 || s.CompletionPercent > 100 {
		return fmt.Errorf("completion_percentage must be between 0 and 100 (got %g)", s.CompletionPercent)
	}
	return nil
}
