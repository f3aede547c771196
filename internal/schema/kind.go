package schema

import "fmt"

// Kind identifies an entity kind. Each kind maps to exactly one table.
type Kind string

const (
	KindExercise       Kind = "exercise"
	KindActivityLog    Kind = "activity_log"
	KindWorkout        Kind = "workout"
	KindWorkoutSession Kind = "workout_session"
	KindUserPreference Kind = "user_preference"
	KindAppSetting     Kind = "app_setting"
)

// Kinds returns every kind in dependency order: parents before the records
// that reference them.
func Kinds() []Kind {
	return []Kind{
		KindExercise,
		KindActivityLog,
		KindWorkout,
		KindWorkoutSession,
		KindUserPreference,
		KindAppSetting,
	}
}

// Table returns the table that stores records of kind k.
func (k Kind) Table() string {
	switch k {
	case KindExercise:
		return "exercises"
	case KindActivityLog:
		return "activity_logs"
	case KindWorkout:
		return "workouts"
	case KindWorkoutSession:
		return "workout_sessions"
	case KindUserPreference:
		return "user_preferences"
	case KindAppSetting:
		return "app_settings"
	default:
		panic(fmt.Sprintf("schema: unknown kind %q", string(k)))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindExercise, KindActivityLog, KindWorkout, KindWorkoutSession, KindUserPreference, KindAppSetting:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind accepts either a kind name ("activity_log") or its table name
// ("activity_logs").
func ParseKind(s string) (Kind, error) {
	if k := Kind(s); k.Valid() {
		return k, nil
	}
	for _, k := range Kinds() {
		if k.Table() == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// Tables returns the table name of every kind, in Kinds order.
func Tables() []string {
	kinds := Kinds()
	tables := make([]string, len(kinds))
	for i, k := range kinds {
		tables[i] = k.Table()
	}
	return tables
}
