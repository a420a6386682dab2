package persistence

import "context"

// Operation is a persistence operation that can be performed as part of an
// atomic batch.
type Operation interface {
	// AcceptVisitor calls the appropriate visit method on the given visitor.
	AcceptVisitor(context.Context, OperationVisitor) error

	// entityKey uniquely identifies the persisted entity that the operation
	// manipulates.
	entityKey() entityKey
}

// OperationVisitor visits operations, performing their associated storage
// mutation.
type OperationVisitor interface {
	VisitSaveProcessInstance(context.Context, SaveProcessInstance) error
	VisitRemoveProcessInstance(context.Context, RemoveProcessInstance) error
	VisitSaveRoute(context.Context, SaveRoute) error
	VisitRemoveRoute(context.Context, RemoveRoute) error
	VisitSaveQueuedExchange(context.Context, SaveQueuedExchange) error
	VisitRemoveQueuedExchange(context.Context, RemoveQueuedExchange) error
	VisitSaveScheduledEvent(context.Context, SaveScheduledEvent) error
	VisitRemoveScheduledEvent(context.Context, RemoveScheduledEvent) error
}

// entityKey uniquely identifies the entity that is manipulated by an
// operation.
type entityKey [4]string

func (k entityKey) String() string {
	return k[0] + "/" + k[1] + "/" + k[2] + "/" + k[3]
}
