package syncer

import "time"

// EventType names a sync event.
type EventType string

const (
	EventScanned     EventType = "scanned"
	EventDelivered   EventType = "delivered"
	EventConflict    EventType = "conflict"
	EventRejected    EventType = "rejected"
	EventRescheduled EventType = "rescheduled"
	EventPulled      EventType = "pulled"
	EventClaimed     EventType = "claimed"
	EventError       EventType = "error"
)

// Event describes something a sync pass did.
type Event struct {
	Type  EventType `json:"type"`
	Kind  string    `json:"kind,omitempty"`
	ID    string    `json:"id,omitempty"`
	Count int       `json:"count,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`

	// ActionRequired is set when the error will not clear by retrying, such
	// as a server rejection or missing consent.
	ActionRequired bool `json:"action_required,omitempty"`
}

// Notifier receives sync events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
