package envelope

import "bytes"

// Side identifies which copy of a record won a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Action describes how a conflict was settled.
type Action string

const (
	// ActionAcceptServer means the remote copy is strictly newer (or equal and
	// preferred by the deterministic tie-break).
	ActionAcceptServer Action = "accept-server"

	// ActionKeepLocal means the local copy is strictly newer (or preferred by
	// the deterministic tie-break).
	ActionKeepLocal Action = "keep-local"

	// ActionPreferDelete means both copies share an updated_at and only one of
	// them is a delete. The delete wins.
	ActionPreferDelete Action = "prefer-delete"
)

// Snapshot is one side of a conflict: the envelope plus the canonical JSON of
// the domain fields. Data only matters for the final tie-break.
type Snapshot struct {
	Envelope Envelope
	Data     []byte
}

// Resolution is the outcome of ResolveConflict.
type Resolution struct {
	Winner Side
	Action Action
}

// AcceptsServer reports whether the remote copy should overwrite local state.
func (r Resolution) AcceptsServer() bool {
	return r.Winner == SideRemote
}

// ResolveConflict picks the winner between a local and a remote copy of the
// same record.
//
// The later updated_at wins outright. On an exact tie where only one side is
// a delete, the delete wins. Remaining ties are broken by higher version, then
// by the greater canonical data, and finally in favour of the remote (the two
// copies are identical at that point). Swapping the arguments therefore always
// selects the same content.
func ResolveConflict(local, remote Snapshot) Resolution {
	l, r := local.Envelope, remote.Envelope

	switch {
	case r.UpdatedAt.After(l.UpdatedAt):
		return Resolution{Winner: SideRemote, Action: ActionAcceptServer}
	case l.UpdatedAt.After(r.UpdatedAt):
		return Resolution{Winner: SideLocal, Action: ActionKeepLocal}
	}

	localDelete := isDelete(l)
	remoteDelete := isDelete(r)
	if localDelete != remoteDelete {
		if remoteDelete {
			return Resolution{Winner: SideRemote, Action: ActionPreferDelete}
		}
		return Resolution{Winner: SideLocal, Action: ActionPreferDelete}
	}

	switch {
	case r.Version > l.Version:
		return Resolution{Winner: SideRemote, Action: ActionAcceptServer}
	case l.Version > r.Version:
		return Resolution{Winner: SideLocal, Action: ActionKeepLocal}
	}

	if bytes.Compare(local.Data, remote.Data) > 0 {
		return Resolution{Winner: SideLocal, Action: ActionKeepLocal}
	}
	return Resolution{Winner: SideRemote, Action: ActionAcceptServer}
}

// isDelete treats either the tombstone flag or a pending delete op as a
// delete side.
func isDelete(e Envelope) bool {
	return e.Deleted || e.Op == OpDelete
}
