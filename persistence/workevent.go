package persistence

import (
	"context"
	"time"
)

// ScheduledEvent is a persisted work event awaiting execution.
type ScheduledEvent struct {
	// ID uniquely identifies the event.
	ID string

	// At is the earliest time the event should be executed.
	At time.Time

	// Attempts is the number of failed execution attempts so far.
	Attempts uint

	// Data is the encoded work event.
	Data []byte
}

// EventRepository is an interface for reading scheduled work events, as
// needed to recover durable work after a restart.
type EventRepository interface {
	// LoadScheduledEvents loads every persisted work event.
	LoadScheduledEvents(ctx context.Context) ([]ScheduledEvent, error)
}

// SaveScheduledEvent is an Operation that persists a work event.
//
// Saving an event that already exists overwrites it; this is how retry
// accounting and parking are recorded.
type SaveScheduledEvent struct {
	// Event is the event to persist.
	Event ScheduledEvent
}

// AcceptVisitor calls v.VisitSaveScheduledEvent().
func (op SaveScheduledEvent) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveScheduledEvent(ctx, op)
}

func (op SaveScheduledEvent) entityKey() entityKey {
	return entityKey{"event", op.Event.ID}
}

// RemoveScheduledEvent is an Operation that removes a work event, once it
// has been executed successfully.
type RemoveScheduledEvent struct {
	// Event is the event to remove.
	Event ScheduledEvent
}

// AcceptVisitor calls v.VisitRemoveScheduledEvent().
func (op RemoveScheduledEvent) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveScheduledEvent(ctx, op)
}

func (op RemoveScheduledEvent) entityKey() entityKey {
	return entityKey{"event", op.Event.ID}
}
