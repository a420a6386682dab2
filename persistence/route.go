package persistence

import (
	"context"
	"time"
)

// Route is a persisted correlation route: a correlation key mapped to an
// instance that is waiting to receive a message matching it.
type Route struct {
	// ProcessID is the identity of the owning process definition.
	ProcessID string

	// PartnerLink and Operation identify the receiving endpoint.
	PartnerLink string
	Operation   string

	// Key is the canonical form of the correlation key. It may be empty for
	// instance-creating routes.
	Key string

	// RouteID groups the route with its sibling selector alternatives; a
	// match on any route of the group removes the whole group.
	RouteID string

	// Index disambiguates which selector alternative this route represents.
	Index int

	// InstanceID is the waiting instance.
	InstanceID uint64
}

// QueuedExchange is a persisted inbound message that arrived while no
// instance was listening, retained for later replay.
type QueuedExchange struct {
	// ProcessID is the identity of the process definition the message is
	// addressed to.
	ProcessID string

	// PartnerLink and Operation identify the receiving endpoint.
	PartnerLink string
	Operation   string

	// ExchangeID is the message exchange ID.
	ExchangeID string

	// Keys are the canonical correlation keys computed from the message.
	Keys []string

	// TwoWay is true if the operation expects a reply.
	TwoWay bool

	// Body is the encoded message body, retained so the exchange can be
	// reconstituted after a restart.
	Body []byte

	// EnqueuedAt is the time at which the message was queued.
	EnqueuedAt time.Time
}

// RouteRepository is an interface for reading correlation routing state, as
// needed to rebuild a process definition's correlator on hydration.
type RouteRepository interface {
	// LoadRoutes loads all active routes owned by a process definition.
	LoadRoutes(ctx context.Context, processID string) ([]Route, error)

	// LoadQueuedExchanges loads all unmatched queued messages addressed to a
	// process definition, in enqueue order.
	LoadQueuedExchanges(ctx context.Context, processID string) ([]QueuedExchange, error)
}

// SaveRoute is an Operation that records a correlation route.
type SaveRoute struct {
	// Route is the route to persist. At most one route may exist per
	// (process, partner-link, operation, key); a violation aborts the batch.
	Route Route
}

// AcceptVisitor calls v.VisitSaveRoute().
func (op SaveRoute) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveRoute(ctx, op)
}

func (op SaveRoute) entityKey() entityKey {
	return entityKey{
		"route",
		op.Route.ProcessID,
		op.Route.PartnerLink + "." + op.Route.Operation,
		op.Route.Key,
	}
}

// RemoveRoute is an Operation that removes a correlation route.
type RemoveRoute struct {
	// Route is the route to remove.
	Route Route
}

// AcceptVisitor calls v.VisitRemoveRoute().
func (op RemoveRoute) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveRoute(ctx, op)
}

func (op RemoveRoute) entityKey() entityKey {
	return entityKey{
		"route",
		op.Route.ProcessID,
		op.Route.PartnerLink + "." + op.Route.Operation,
		op.Route.Key,
	}
}

// SaveQueuedExchange is an Operation that retains an unmatched inbound
// message for later replay.
type SaveQueuedExchange struct {
	// Exchange is the queued message to persist.
	Exchange QueuedExchange
}

// AcceptVisitor calls v.VisitSaveQueuedExchange().
func (op SaveQueuedExchange) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveQueuedExchange(ctx, op)
}

func (op SaveQueuedExchange) entityKey() entityKey {
	return entityKey{
		"queued",
		op.Exchange.ProcessID,
		op.Exchange.ExchangeID,
	}
}

// RemoveQueuedExchange is an Operation that removes a previously queued
// message, either because it was replayed to an instance or because it was
// failed.
type RemoveQueuedExchange struct {
	// Exchange is the queued message to remove.
	Exchange QueuedExchange
}

// AcceptVisitor calls v.VisitRemoveQueuedExchange().
func (op RemoveQueuedExchange) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveQueuedExchange(ctx, op)
}

func (op RemoveQueuedExchange) entityKey() entityKey {
	return entityKey{
		"queued",
		op.Exchange.ProcessID,
		op.Exchange.ExchangeID,
	}
}
