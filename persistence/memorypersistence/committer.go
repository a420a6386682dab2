package memorypersistence

import (
	"context"

	"github.com/cadenza-io/cadenza/persistence"
)

// validator is an implementation of persistence.OperationVisitor that checks
// each operation against the current store state without mutating it.
type validator struct {
	ds *dataStore
}

func (v *validator) VisitSaveProcessInstance(
	_ context.Context,
	op persistence.SaveProcessInstance,
) error {
	existing := v.ds.instances[op.Instance.ProcessID][op.Instance.InstanceID]

	if op.Instance.Revision != existing.Revision {
		return persistence.ConflictError{Cause: op}
	}

	return nil
}

func (v *validator) VisitRemoveProcessInstance(
	_ context.Context,
	op persistence.RemoveProcessInstance,
) error {
	existing, ok := v.ds.instances[op.Instance.ProcessID][op.Instance.InstanceID]

	if !ok || op.Instance.Revision != existing.Revision {
		return persistence.ConflictError{Cause: op}
	}

	return nil
}

func (v *validator) VisitSaveRoute(
	_ context.Context,
	op persistence.SaveRoute,
) error {
	k := routeKeyOf(op.Route)

	if _, ok := v.ds.routes[op.Route.ProcessID][k]; ok {
		return persistence.ConflictError{Cause: op}
	}

	return nil
}

func (v *validator) VisitRemoveRoute(
	context.Context,
	persistence.RemoveRoute,
) error {
	// Route removal is tolerant of absence; a timer may fire for a route
	// that has already been matched.
	return nil
}

func (v *validator) VisitSaveQueuedExchange(
	context.Context,
	persistence.SaveQueuedExchange,
) error {
	return nil
}

func (v *validator) VisitRemoveQueuedExchange(
	context.Context,
	persistence.RemoveQueuedExchange,
) error {
	return nil
}

func (v *validator) VisitSaveScheduledEvent(
	context.Context,
	persistence.SaveScheduledEvent,
) error {
	return nil
}

func (v *validator) VisitRemoveScheduledEvent(
	context.Context,
	persistence.RemoveScheduledEvent,
) error {
	return nil
}

// committer is an implementation of persistence.OperationVisitor that
// applies operations to the store.
//
// It is expected that the operations have already been validated.
type committer struct {
	ds *dataStore
}

func (c *committer) VisitSaveProcessInstance(
	_ context.Context,
	op persistence.SaveProcessInstance,
) error {
	inst := op.Instance
	inst.Revision++
	inst.Snapshot = append([]byte(nil), inst.Snapshot...)

	instances := c.ds.instances[inst.ProcessID]
	if instances == nil {
		instances = map[uint64]persistence.ProcessInstance{}
		c.ds.instances[inst.ProcessID] = instances
	}

	instances[inst.InstanceID] = inst
	return nil
}

func (c *committer) VisitRemoveProcessInstance(
	_ context.Context,
	op persistence.RemoveProcessInstance,
) error {
	delete(c.ds.instances[op.Instance.ProcessID], op.Instance.InstanceID)
	return nil
}

func (c *committer) VisitSaveRoute(
	_ context.Context,
	op persistence.SaveRoute,
) error {
	routes := c.ds.routes[op.Route.ProcessID]
	if routes == nil {
		routes = map[routeKey]persistence.Route{}
		c.ds.routes[op.Route.ProcessID] = routes
	}

	routes[routeKeyOf(op.Route)] = op.Route
	return nil
}

func (c *committer) VisitRemoveRoute(
	_ context.Context,
	op persistence.RemoveRoute,
) error {
	delete(c.ds.routes[op.Route.ProcessID], routeKeyOf(op.Route))
	return nil
}

func (c *committer) VisitSaveQueuedExchange(
	_ context.Context,
	op persistence.SaveQueuedExchange,
) error {
	x := op.Exchange
	x.Body = append([]byte(nil), x.Body...)

	c.ds.queued[x.ProcessID] = append(c.ds.queued[x.ProcessID], x)
	return nil
}

func (c *committer) VisitRemoveQueuedExchange(
	_ context.Context,
	op persistence.RemoveQueuedExchange,
) error {
	queued := c.ds.queued[op.Exchange.ProcessID]

	for i, x := range queued {
		if x.ExchangeID == op.Exchange.ExchangeID {
			c.ds.queued[op.Exchange.ProcessID] = append(
				queued[:i:i],
				queued[i+1:]...,
			)
			break
		}
	}

	return nil
}

func (c *committer) VisitSaveScheduledEvent(
	_ context.Context,
	op persistence.SaveScheduledEvent,
) error {
	ev := op.Event
	ev.Data = append([]byte(nil), ev.Data...)

	c.ds.events[ev.ID] = ev
	return nil
}

func (c *committer) VisitRemoveScheduledEvent(
	_ context.Context,
	op persistence.RemoveScheduledEvent,
) error {
	delete(c.ds.events, op.Event.ID)
	return nil
}

func routeKeyOf(r persistence.Route) routeKey {
	return routeKey{
		endpoint: r.PartnerLink + "." + r.Operation,
		key:      r.Key,
	}
}
