package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/repcue/localsync/internal/envelope"
)

func TestKind_TableRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.Table())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k.Table(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %q, want %q", k.Table(), got, k)
		}

		got, err = ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}

	if _, err := ParseKind("users"); err == nil {
		t.Error("ParseKind(users) should fail")
	}
}

func TestNew_EveryKind(t *testing.T) {
	for _, k := range Kinds() {
		rec, err := New(k)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", k, err)
		}
		if rec.Kind() != k {
			t.Errorf("New(%q).Kind() = %q", k, rec.Kind())
		}
	}

	if _, err := New(Kind("bogus")); err == nil {
		t.Error("New(bogus) should fail")
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{
			name: "valid exercise",
			rec:  &Exercise{Name: "Plank", Category: CategoryCore, Type: ExerciseTimeBased, DefaultDuration: 60},
		},
		{
			name:    "exercise missing name",
			rec:     &Exercise{Category: CategoryCore, Type: ExerciseTimeBased},
			wantErr: "name is required",
		},
		{
			name:    "exercise bad category",
			rec:     &Exercise{Name: "Plank", Category: "yoga", Type: ExerciseTimeBased},
			wantErr: "invalid category",
		},
		{
			name:    "exercise bad type",
			rec:     &Exercise{Name: "Plank", Category: CategoryCore},
			wantErr: "invalid exercise_type",
		},
		{
			name: "valid activity",
			rec:  &ActivityLog{ExerciseID: "ex-1", Duration: 30, LoggedAt: now},
		},
		{
			name:    "activity missing exercise",
			rec:     &ActivityLog{Duration: 30, LoggedAt: now},
			wantErr: "exercise_id is required",
		},
		{
			name:    "activity negative duration",
			rec:     &ActivityLog{ExerciseID: "ex-1", Duration: -1, LoggedAt: now},
			wantErr: "duration must be >= 0",
		},
		{
			name: "valid workout",
			rec: &Workout{Name: "Morning", ScheduledDays: []string{"monday"},
				Exercises: []WorkoutExercise{{ExerciseID: "ex-1", Order: 1}}},
		},
		{
			name:    "workout bad day",
			rec:     &Workout{Name: "Morning", ScheduledDays: []string{"someday"}},
			wantErr: "invalid scheduled day",
		},
		{
			name:    "workout step without exercise",
			rec:     &Workout{Name: "Morning", Exercises: []WorkoutExercise{{Order: 1}}},
			wantErr: "exercises[0]",
		},
		{
			name:    "session ends before start",
			rec:     &WorkoutSession{WorkoutID: "w-1", StartTime: now, EndTime: &earlier},
			wantErr: "end_time must not be before start_time",
		},
		{
			name:    "session completion out of range",
			rec:     &WorkoutSession{WorkoutID: "w-1", StartTime: now, CompletionPercent: 120},
			wantErr: "completion_percentage",
		},
		{
			name: "valid preference",
			rec:  &UserPreference{Units: "metric", Theme: "auto"},
		},
		{
			name:    "preference bad units",
			rec:     &UserPreference{Units: "cubits", Theme: "auto"},
			wantErr: "invalid units",
		},
		{
			name:    "setting missing key",
			rec:     &AppSetting{Value: "x"},
			wantErr: "key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeData_ExcludesEnvelope(t *testing.T) {
	ex := &Exercise{Name: "Push-ups", Category: CategoryStrength, Type: ExerciseRepetitionBased}
	ex.Sync = envelope.PrepareUpsert(nil, "ex-1", time.Now())

	data, err := EncodeData(ex)
	if err != nil {
		t.Fatalf("EncodeData() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"id", "version", "dirty", "Sync"} {
		if _, ok := fields[key]; ok {
			t.Errorf("encoded data contains envelope field %q", key)
		}
	}
	if fields["name"] != "Push-ups" {
		t.Errorf("name = %v, want Push-ups", fields["name"])
	}
}

func TestWire_RoundTrip(t *testing.T) {
	logged := time.Date(2025, 2, 2, 7, 30, 0, 0, time.UTC)
	rec := &ActivityLog{ExerciseID: "ex-1", ExerciseName: "Plank", Duration: 45, LoggedAt: logged}
	rec.Sync = envelope.PrepareUpsert(nil, "log-1", logged, envelope.WithOwner("u1"))

	w, err := ToWire(rec)
	if err != nil {
		t.Fatalf("ToWire() failed: %v", err)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal wire failed: %v", err)
	}
	if !strings.Contains(string(raw), `"id":"log-1"`) || !strings.Contains(string(raw), `"data":{`) {
		t.Fatalf("unexpected wire json: %s", raw)
	}

	var back Wire
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal wire failed: %v", err)
	}
	got, err := FromWire(KindActivityLog, back)
	if err != nil {
		t.Fatalf("FromWire() failed: %v", err)
	}
	log := got.(*ActivityLog)
	if log.Sync.ID != "log-1" || log.Sync.Owner() != "u1" || log.Sync.Version != 1 {
		t.Errorf("envelope not preserved: %+v", log.Sync)
	}
	if log.ExerciseName != "Plank" || !log.LoggedAt.Equal(logged) {
		t.Errorf("data not preserved: %+v", log)
	}

	if _, err := FromWire(KindExercise, back); err == nil {
		t.Error("FromWire() with mismatched kind should fail")
	}
}

func TestNeedsNameRepair(t *testing.T) {
	tests := map[string]bool{
		"":                 true,
		"  ":               true,
		"Unknown Exercise": true,
		"Unknown Workout":  true,
		"Plank":            false,
	}
	for name, want := range tests {
		if got := NeedsNameRepair(name); got != want {
			t.Errorf("NeedsNameRepair(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	w := &Workout{Name: "Legs", Exercises: []WorkoutExercise{{ExerciseID: "ex-1"}}}
	w.Sync = envelope.PrepareUpsert(nil, "w-1", time.Now(), envelope.WithOwner("u1"))

	c, err := Clone(w)
	if err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}
	cw := c.(*Workout)
	cw.Exercises[0].ExerciseID = "ex-2"
	*cw.Sync.OwnerID = "u2"

	if w.Exercises[0].ExerciseID != "ex-1" {
		t.Error("Clone() shares exercises slice")
	}
	if w.Sync.Owner() != "u1" {
		t.Error("Clone() shares owner pointer")
	}
}
