// Package envelope defines the sync metadata carried by every persisted record
// and the pure helpers that compute its transitions.
//
// Every local mutation flows through PrepareUpsert or PrepareSoftDelete, which
// bump the per-record version and mark the record dirty. The sync driver later
// clears the dirty flag with MarkSynced once the remote authority acknowledges
// the write. None of the helpers perform I/O.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is the pending operation represented by a dirty record.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpUpsert, OpDelete:
		return true
	default:
		return false
	}
}

// ParseOp converts a stored column value to an Op.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown op %q", s)
	}
	return op, nil
}

// Envelope holds the sync metadata attached to a domain record.
type Envelope struct {
	// ID is the stable identity of the record (UUID, generated client-side).
	ID string `json:"id"`

	// OwnerID is the account that owns the record. Nil means anonymous.
	OwnerID *string `json:"owner_id,omitempty"`

	// Version is incremented on every local mutation and never reused.
	Version uint64 `json:"version"`

	// UpdatedAt is the wall-clock time of the last local mutation (UTC).
	UpdatedAt time.Time `json:"updated_at"`

	// Deleted marks a tombstone.
	Deleted bool `json:"deleted"`

	// Dirty is set while the record has changes the remote has not acknowledged.
	Dirty bool `json:"dirty"`

	// Op is the pending operation for a dirty record.
	Op Op `json:"op"`

	// SyncedAt is set when Dirty transitions to false.
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// IsAnonymous reports whether the record has no owner yet. An empty string
// owner is treated the same as an absent one.
func (e Envelope) IsAnonymous() bool {
	return e.OwnerID == nil || *e.OwnerID == ""
}

// Owner returns the owner id or "" for anonymous records.
func (e Envelope) Owner() string {
	if e.OwnerID == nil {
		return ""
	}
	return *e.OwnerID
}

// Validate checks the structural invariants of a stored envelope.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", e.Version)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if e.Dirty && !e.Op.Valid() {
		return fmt.Errorf("dirty record must carry an op (got %q)", e.Op)
	}
	if e.Deleted && e.Dirty && e.Op != OpDelete {
		return fmt.Errorf("dirty tombstone must carry op %q (got %q)", OpDelete, e.Op)
	}
	return nil
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type upsertOptions struct {
	owner *string
}

// UpsertOption customises PrepareUpsert.
type UpsertOption func(*upsertOptions)

// WithOwner stamps the owner on a first write. It has no effect on records
// that already have an envelope: ownership only changes through a claim.
func WithOwner(owner string) UpsertOption {
	return func(o *upsertOptions) {
		o.owner = StringPtr(owner)
	}
}

// PrepareUpsert computes the envelope for a local write.
//
// prev is the envelope currently persisted for the record, or nil on first
// write. id is used on first write; an empty id gets a generated UUID. On
// later writes the persisted id is kept and id is ignored.
func PrepareUpsert(prev *Envelope, id string, now time.Time, opts ...UpsertOption) Envelope {
	var o upsertOptions
	for _, opt := range opts {
		opt(&o)
	}
	now = now.UTC()

	if prev == nil {
		if id == "" {
			id = NewID()
		}
		return Envelope{
			ID:        id,
			OwnerID:   o.owner,
			Version:   1,
			UpdatedAt: now,
			Deleted:   false,
			Dirty:     true,
			Op:        OpUpsert,
		}
	}

	next := *prev
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	next.Deleted = false
	next.Dirty = true
	next.Op = OpUpsert
	return next
}

// PrepareSoftDelete computes the tombstone envelope for prev.
func PrepareSoftDelete(prev Envelope, now time.Time) Envelope {
	next := prev
	next.Version = prev.Version + 1
	next.UpdatedAt = now.UTC()
	next.Deleted = true
	next.Dirty = true
	next.Op = OpDelete
	return next
}

// MarkSynced clears the dirty flag. The version is untouched and op is kept
// for audit. Applying it twice yields the same envelope.
func MarkSynced(prev Envelope, syncedAt time.Time) Envelope {
	next := prev
	next.Dirty = false
	at := syncedAt.UTC()
	next.SyncedAt = &at
	return next
}

// Claim assigns owner to an anonymous envelope, bumping the version and
// marking it dirty so the new ownership is pushed. It returns false and the
// unchanged envelope when the record already has an owner.
func Claim(prev Envelope, owner string, now time.Time) (Envelope, bool) {
	if owner == "" || !prev.IsAnonymous() {
		return prev, false
	}
	next := prev
	next.OwnerID = StringPtr(owner)
	next.Version = prev.Version + 1
	next.UpdatedAt = now.UTC()
	next.Dirty = true
	if prev.Deleted {
		next.Op = OpDelete
	} else {
		next.Op = OpUpsert
	}
	return next, true
}
