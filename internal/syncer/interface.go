// Package syncer drives synchronization between the local record store and
// the remote API.
//
// A sync pass has three phases. Scan discovers dirty records and enqueues
// them on the durable retry queue. Deliver drains one batch of due queue
// entries to the remote and applies the per-record verdicts locally. Pull
// fetches changes made on other devices and applies them through the same
// conflict rules.
package syncer

import "context"

// Syncer keeps the local store and the remote API converging.
//
// The syncer is resilient: a failing record or kind never stops the rest of
// the pass. Failures are logged, reported to the Notifier, and returned
// joined once the pass is complete. Local use is never blocked by sync.
type Syncer interface {
	// Scan enqueues every dirty record that carries an owner.
	//
	// Each record is queued under the key "kind:id", so scanning again while
	// a record is still queued replaces the queued payload instead of adding
	// a second entry. Anonymous records wait for the ownership claim. A
	// record whose identical payload was recently dead-lettered is skipped
	// until it is edited again.
	//
	// Example:
	//   report, err := s.Scan(ctx)
	Scan(ctx context.Context) (ScanReport, error)

	// Deliver pushes one batch of due queue entries.
	//
	// Entries are grouped by kind and each kind is pushed independently. An
	// accepted record is marked clean unless it was edited in the meantime.
	// A conflict applies the server copy through the conflict rules. A
	// rejected record is dead-lettered at once, while transport failures and
	// timeouts are rescheduled with backoff. Entries whose delivery was
	// cancelled with ctx stay queued untouched.
	Deliver(ctx context.Context) (DeliverReport, error)

	// Pull fetches remote changes for every kind since the saved cursor and
	// applies them to the store. The cursor only advances past pages that
	// were applied.
	Pull(ctx context.Context) (PullReport, error)

	// SyncOnce runs Scan, then Deliver until nothing is due, then Pull.
	SyncOnce(ctx context.Context) (Report, error)
}

// ScanReport summarizes one Scan.
type ScanReport struct {
	Enqueued  int `json:"enqueued"`
	Anonymous int `json:"anonymous"`
	Skipped   int `json:"skipped"`
}

// DeliverReport summarizes one Deliver.
type DeliverReport struct {
	Attempted    int `json:"attempted"`
	Delivered    int `json:"delivered"`
	Stale        int `json:"stale"`
	Conflicts    int `json:"conflicts"`
	DeadLettered int `json:"dead_lettered"`
	Rescheduled  int `json:"rescheduled"`
}

func (r *DeliverReport) add(o DeliverReport) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Stale += o.Stale
	r.Conflicts += o.Conflicts
	r.DeadLettered += o.DeadLettered
	r.Rescheduled += o.Rescheduled
}

// PullReport summarizes one Pull.
type PullReport struct {
	Applied int `json:"applied"`
	Kept    int `json:"kept"`
}

// Report summarizes a SyncOnce pass.
type Report struct {
	Scan    ScanReport    `json:"scan"`
	Deliver DeliverReport `json:"deliver"`
	Pull    PullReport    `json:"pull"`
}
