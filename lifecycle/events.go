// Package lifecycle defines the Engine's structured event stream: the
// observability surface tests assert against. Every state change the
// Engine makes — a factory registered or removed, an item pushed or
// revoked, a child worker starting, started, stopping, stopped, or an
// RPC failing — is represented as an Event and handed to a Dispatcher,
// which fans it out to registered Observers and, optionally, to an
// external Sink rendered as a CloudEvent.
package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the event kinds the Engine emits.
type EventType string

const (
	EventFactoryAdded   EventType = "factory_added"
	EventFactoryRemoved EventType = "factory_removed"
	EventItemPushed     EventType = "item_pushed"
	EventItemRevoked    EventType = "item_revoked"
	EventChildStarting  EventType = "child_starting"
	EventChildStarted   EventType = "child_started"
	EventChildStopping  EventType = "child_stopping"
	EventChildStopped   EventType = "child_stopped"
	EventRPCFailed      EventType = "rpc_failed"
)

// Event is one entry in the Engine's structured log: a (timestamp,
// kind, payload) record.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   map[string]any
}

// NewEvent constructs an Event with a fresh, time-ordered id.
func NewEvent(t EventType, payload map[string]any) Event {
	return Event{
		ID:        newEventID(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
