package migrate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/repcue/localsync/internal/db"
)

// Row is one stored record as seen by a migration step: the id, the domain
// JSON decoded into loose fields, and the envelope columns a step may carry
// over from the blob. This is the only place domain data is handled untyped,
// because legacy rows do not match the current structs.
type Row struct {
	Table     string
	ID        string
	Data      map[string]json.RawMessage
	UpdatedAt string

	// Version and Deleted mirror the columns. Version 0 means the row has
	// no version column yet.
	Version uint64
	Deleted bool
}

// RowFunc transforms one row. It must be pure: the same input always yields
// the same output.
type RowFunc func(Row) (Row, error)

// Keys that older clients stored inside the data blob and that now live in
// envelope columns.
var envelopeKeys = []string{
	"id", "owner_id", "ownerId", "version", "updated_at", "updatedAt",
	"deleted", "dirty", "op", "synced_at", "syncedAt",
}

// Candidate fields for backfilling updated_at, most specific first.
var timestampKeys = []string{
	"updated_at", "updatedAt", "timestamp", "start_time", "startTime", "created_at", "createdAt",
}

// BackfillEnvelope derives updated_at from the legacy data blob (epoch when
// nothing usable is found) and strips envelope fields out of the blob.
// A tombstone flag and a version stored in the blob move to the columns;
// the version never drops below 1. The remaining envelope columns take
// their defaults: owner_id NULL, dirty 0, op 'upsert' ('delete' for
// tombstones).
func BackfillEnvelope(r Row) (Row, error) {
	out := r.clone()

	if isTrue(out.Data["deleted"]) {
		out.Deleted = true
	}
	var version uint64
	if raw, ok := out.Data["version"]; ok && json.Unmarshal(raw, &version) == nil && version > out.Version {
		out.Version = version
	}
	if out.Version < 1 {
		out.Version = 1
	}

	ts := time.Unix(0, 0).UTC()
	for _, key := range timestampKeys {
		if t, ok := timeField(out.Data, key); ok {
			ts = t
			break
		}
	}
	if out.UpdatedAt == "" {
		out.UpdatedAt = db.FormatTime(ts)
	}

	for _, key := range envelopeKeys {
		delete(out.Data, key)
	}
	return out, nil
}

// Legacy camelCase names per table, old -> new.
var renames = map[string][][2]string{
	"exercises": {
		{"exerciseType", "exercise_type"},
		{"defaultDuration", "default_duration"},
		{"defaultSets", "default_sets"},
		{"defaultReps", "default_reps"},
		{"isFavorite", "is_favorite"},
	},
	"activity_logs": {
		{"exerciseId", "exercise_id"},
		{"exerciseName", "exercise_name"},
		{"workoutId", "workout_id"},
	},
	"workouts": {
		{"scheduledDays", "scheduled_days"},
		{"isActive", "is_active"},
		{"estimatedDuration", "estimated_duration"},
	},
	"workout_sessions": {
		{"workoutId", "workout_id"},
		{"workoutName", "workout_name"},
		{"startTime", "start_time"},
		{"endTime", "end_time"},
		{"isCompleted", "is_completed"},
		{"completionPercentage", "completion_percentage"},
		{"totalDuration", "total_duration"},
	},
	"user_preferences": {
		{"soundEnabled", "sound_enabled"},
		{"vibrationEnabled", "vibration_enabled"},
		{"defaultRestTime", "default_rest_time"},
		{"beepInterval", "beep_interval"},
	},
}

// Nested arrays whose elements were also camelCase.
var nestedRenames = map[string]map[string][][2]string{
	"workouts": {
		"exercises": {{"exerciseId", "exercise_id"}, {"restTime", "rest_time"}},
	},
	"workout_sessions": {
		"exercises": {{"exerciseId", "exercise_id"}, {"completedSets", "completed_sets"}, {"completedReps", "completed_reps"}},
	},
}

// Time fields per table. Older clients wrote some of them as epoch
// milliseconds; the typed records only read RFC 3339 strings.
var timeFields = map[string][]string{
	"activity_logs":    {"timestamp"},
	"workout_sessions": {"start_time", "end_time"},
}

// RenameLegacyFields renames camelCase fields to their snake_case names.
// When both names are present the new one wins; the old one is always
// removed so the blob never carries two fields with the same meaning.
// Epoch-millisecond time fields are rewritten as RFC 3339 strings.
func RenameLegacyFields(r Row) (Row, error) {
	out := r.clone()
	for _, pair := range renames[out.Table] {
		renameField(out.Data, pair[0], pair[1])
	}
	for _, key := range timeFields[out.Table] {
		t, ok := epochMillis(out.Data[key])
		if !ok {
			continue
		}
		encoded, err := json.Marshal(db.FormatTime(t))
		if err != nil {
			return Row{}, err
		}
		out.Data[key] = encoded
	}

	for field, pairs := range nestedRenames[out.Table] {
		raw, ok := out.Data[field]
		if !ok {
			continue
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			// Not an array of objects; leave it for validation to report.
			continue
		}
		for _, item := range items {
			for _, pair := range pairs {
				renameField(item, pair[0], pair[1])
			}
		}
		encoded, err := json.Marshal(items)
		if err != nil {
			return Row{}, err
		}
		out.Data[field] = encoded
	}
	return out, nil
}

func renameField(data map[string]json.RawMessage, oldKey, newKey string) {
	oldVal, hasOld := data[oldKey]
	if !hasOld {
		return
	}
	if _, hasNew := data[newKey]; !hasNew {
		data[newKey] = oldVal
	}
	delete(data, oldKey)
}

// Chain composes transforms left to right.
func Chain(fns ...RowFunc) RowFunc {
	return func(r Row) (Row, error) {
		var err error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if r, err = fn(r); err != nil {
				return Row{}, err
			}
		}
		return r, nil
	}
}

func (r Row) clone() Row {
	out := r
	out.Data = make(map[string]json.RawMessage, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return out
}

func timeField(data map[string]json.RawMessage, key string) (time.Time, bool) {
	raw, ok := data[key]
	if !ok {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		t, err := db.ParseTime(s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	return epochMillis(raw)
}

// epochMillis reads a positive integer as epoch milliseconds, as written by
// JavaScript clients.
func epochMillis(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
