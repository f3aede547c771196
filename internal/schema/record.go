package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/repcue/localsync/internal/envelope"
)

// Record is implemented by every domain record type.
type Record interface {
	// Kind returns the entity kind. It must not depend on field values.
	Kind() Kind

	// Envelope returns a pointer to the record's sync metadata.
	Envelope() *envelope.Envelope

	// Validate checks the domain fields. Envelope invariants are checked by
	// envelope.Envelope.Validate.
	Validate() error
}

// Named is implemented by records whose display name is cached by children.
type Named interface {
	Record
	DisplayName() string
}

// ParentRef is implemented by records that cache the display name of a parent
// record.
type ParentRef interface {
	Record
	ParentKind() Kind
	ParentID() string
	CachedName() string
	SetCachedName(name string)
}

// Placeholder names written by older clients when the parent could not be
// resolved.
const (
	PlaceholderExerciseName = "Unknown Exercise"
	PlaceholderWorkoutName  = "Unknown Workout"
)

// NeedsNameRepair reports whether a cached parent name is missing or a known
// placeholder.
func NeedsNameRepair(name string) bool {
	switch strings.TrimSpace(name) {
	case "", PlaceholderExerciseName, PlaceholderWorkoutName:
		return true
	default:
		return false
	}
}

// New returns an empty record of kind k.
func New(k Kind) (Record, error) {
	switch k {
	case KindExercise:
		return &Exercise{}, nil
	case KindActivityLog:
		return &ActivityLog{}, nil
	case KindWorkout:
		return &Workout{}, nil
	case KindWorkoutSession:
		return &WorkoutSession{}, nil
	case KindUserPreference:
		return &UserPreference{}, nil
	case KindAppSetting:
		return &AppSetting{}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", string(k))
	}
}

// EncodeData returns the canonical JSON of the domain fields of rec. The
// envelope is not included.
func EncodeData(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Envelope().ID, err)
	}
	return data, nil
}

// DecodeData builds a record of kind k from its envelope and domain JSON.
func DecodeData(k Kind, env envelope.Envelope, data []byte) (Record, error) {
	rec, err := New(k)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", k, env.ID, err)
		}
	}
	*rec.Envelope() = env
	return rec, nil
}

// Snapshot returns the conflict-resolution view of rec.
func Snapshot(rec Record) (envelope.Snapshot, error) {
	data, err := EncodeData(rec)
	if err != nil {
		return envelope.Snapshot{}, err
	}
	return envelope.Snapshot{Envelope: *rec.Envelope(), Data: data}, nil
}

// Wire is the JSON representation of a record exchanged with the remote API
// and written by exports.
type Wire struct {
	envelope.Envelope
	Kind Kind            `json:"kind,omitempty"`
	Data json.RawMessage `json:"data"`
}

// ToWire converts rec to its wire form.
func ToWire(rec Record) (Wire, error) {
	data, err := EncodeData(rec)
	if err != nil {
		return Wire{}, err
	}
	return Wire{Envelope: *rec.Envelope(), Kind: rec.Kind(), Data: data}, nil
}

// FromWire converts a wire record of kind k back into a typed record. A kind
// carried by w must match k.
func FromWire(k Kind, w Wire) (Record, error) {
	if w.Kind != "" && w.Kind != k {
		return nil, fmt.Errorf("wire record %s has kind %q, want %q", w.ID, w.Kind, k)
	}
	return DecodeData(k, w.Envelope, w.Data)
}

// Clone returns a deep copy of rec through its JSON encoding.
func Clone(rec Record) (Record, error) {
	data, err := EncodeData(rec)
	if err != nil {
		return nil, err
	}
	env := *rec.Envelope()
	if env.OwnerID != nil {
		owner := *env.OwnerID
		env.OwnerID = &owner
	}
	if env.SyncedAt != nil {
		at := *env.SyncedAt
		env.SyncedAt = &at
	}
	return DecodeData(rec.Kind(), env, data)
}
