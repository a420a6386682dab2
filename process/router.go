package process

import (
	"context"
	"errors"
	"time"

	"github.com/cadenza-io/cadenza/correlation"
	"github.com/cadenza-io/cadenza/mex"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/scheduler"
	"github.com/cadenza-io/cadenza/workevent"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
)

// Router maps inbound message exchanges to process instances: to an
// existing instance via a correlation route, to a freshly created instance,
// or to the unmatched-message queue.
type Router struct {
	// Registry holds the deployed definitions.
	Registry *Registry

	// Scheduler carries the resulting deliver events to instance workers.
	Scheduler *scheduler.Scheduler

	// DataStore is the store routing state is committed to. Transient
	// definitions use StoreFor instead.
	DataStore persistence.DataStore

	// StoreFor, if non-nil, overrides the data store used for a given
	// definition.
	StoreFor func(*Definition) persistence.DataStore

	// Logger is the target for routing messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger
}

// Route dispatches an inbound exchange addressed to a process definition.
//
// Routing failures (unknown endpoint or operation, malformed message) are
// recorded on the exchange itself and do not produce an error; an error
// indicates an infrastructure problem and means nothing was persisted.
func (r *Router) Route(ctx context.Context, processID string, x *mex.Exchange) error {
	h, release, err := r.Registry.Acquire(ctx, processID)
	if err != nil {
		var unknown UnknownProcessError
		if errors.As(err, &unknown) {
			x.Fail(mex.FailureUnknownEndpoint, err.Error())
			return nil
		}

		return err
	}
	defer release()

	def := h.Definition

	op, ok := def.FindOperation(x.PartnerLink, x.Operation)
	if !ok {
		if def.HasPartnerLink(x.PartnerLink) {
			x.Fail(mex.FailureUnknownOperation, "operation is not declared")
		} else {
			x.Fail(mex.FailureUnknownEndpoint, "partner link is not declared")
		}
		return nil
	}

	keys, err := def.ComputeKeys(op, x.Body)
	if err != nil {
		var format correlation.FormatError
		if errors.As(err, &format) {
			// Malformed message, not an engine error; reject the one
			// exchange and leave everything else untouched.
			x.Fail(mex.FailureFormatError, err.Error())
			return nil
		}

		return err
	}

	canonical := make([]string, len(keys))
	for i, k := range keys {
		canonical[i] = k.String()
	}

	if route, ok := h.Correlator.FindRoute(x.PartnerLink, x.Operation, canonical); ok {
		return r.routeToInstance(ctx, h, op, x, route)
	}

	if op.CreateInstance {
		if h.Retired {
			x.Fail(mex.FailureNoMatch, "process definition is retired")
			return nil
		}

		return r.createInstance(ctx, h, op, x, canonical)
	}

	return r.enqueue(ctx, h, x, canonical)
}

// routeToInstance consumes a matched route and schedules delivery of the
// exchange to the waiting instance.
func (r *Router) routeToInstance(
	ctx context.Context,
	h *Hydrated,
	op OperationDecl,
	x *mex.Exchange,
	route persistence.Route,
) error {
	w := &persistence.UnitOfWork{}

	h.Correlator.TakeGroup(w, route.RouteID)

	r.schedule(w, h.Definition, workevent.Event{
		ID:          uuid.NewString(),
		Type:        workevent.Deliver,
		ProcessID:   h.Definition.ID,
		InstanceID:  route.InstanceID,
		RouteID:     route.RouteID,
		Index:       route.Index,
		ExchangeID:  x.ID,
		PartnerLink: x.PartnerLink,
		Operation:   x.Operation,
		Key:         route.Key,
		TwoWay:      op.TwoWay,
		Body:        x.Body,
		At:          time.Now(),
	})

	if err := w.Commit(ctx, r.storeFor(h.Definition)); err != nil {
		return err
	}

	x.SetStatus(mex.StatusMatched)

	if logging.IsDebug(r.Logger) {
		logging.Debug(
			r.Logger,
			"exchange %s matched instance %s/%d on key %q",
			x.ID,
			h.Definition.ID,
			route.InstanceID,
			route.Key,
		)
	}

	return nil
}

// createInstance creates a new instance of the definition and schedules
// delivery of the instantiating exchange to it.
func (r *Router) createInstance(
	ctx context.Context,
	h *Hydrated,
	op OperationDecl,
	x *mex.Exchange,
	canonical []string,
) error {
	ds := r.storeFor(h.Definition)

	id, err := ds.NextInstanceID(ctx)
	if err != nil {
		return err
	}

	w := &persistence.UnitOfWork{}

	w.Do(persistence.SaveProcessInstance{
		Instance: persistence.ProcessInstance{
			ProcessID:  h.Definition.ID,
			InstanceID: id,
			Status:     string(New),
		},
	})

	// The instantiating message matches at most one declared key; the
	// instance's outstanding request is registered under it on delivery.
	var key string
	if len(canonical) > 0 {
		key = canonical[0]
	}

	r.schedule(w, h.Definition, workevent.Event{
		ID:          uuid.NewString(),
		Type:        workevent.Deliver,
		ProcessID:   h.Definition.ID,
		InstanceID:  id,
		ExchangeID:  x.ID,
		PartnerLink: x.PartnerLink,
		Operation:   x.Operation,
		Key:         key,
		TwoWay:      op.TwoWay,
		Body:        x.Body,
		At:          time.Now(),
	})

	if err := w.Commit(ctx, ds); err != nil {
		return err
	}

	x.SetStatus(mex.StatusCreatedInstance)

	logging.Log(
		r.Logger,
		"exchange %s created instance %s/%d",
		x.ID,
		h.Definition.ID,
		id,
	)

	return nil
}

// enqueue retains an exchange that matched nothing, for replay when a
// matching route is registered.
func (r *Router) enqueue(
	ctx context.Context,
	h *Hydrated,
	x *mex.Exchange,
	canonical []string,
) error {
	w := &persistence.UnitOfWork{}

	h.Correlator.Enqueue(w, persistence.QueuedExchange{
		ProcessID:   h.Definition.ID,
		PartnerLink: x.PartnerLink,
		Operation:   x.Operation,
		ExchangeID:  x.ID,
		Keys:        canonical,
		TwoWay:      x.TwoWay,
		Body:        x.Body,
		EnqueuedAt:  time.Now(),
	})

	if err := w.Commit(ctx, r.storeFor(h.Definition)); err != nil {
		return err
	}

	x.SetStatus(mex.StatusQueued)

	if logging.IsDebug(r.Logger) {
		logging.Debug(
			r.Logger,
			"exchange %s queued for process %s (no instance listening)",
			x.ID,
			h.Definition.ID,
		)
	}

	return nil
}

// schedule registers a work event within w, volatile for transient
// definitions and durable otherwise.
func (r *Router) schedule(
	w *persistence.UnitOfWork,
	def *Definition,
	ev workevent.Event,
) {
	r.Scheduler.Schedule(w, ev, ev.At, !def.Transient)
}

// storeFor resolves the data store a definition persists to.
func (r *Router) storeFor(def *Definition) persistence.DataStore {
	if r.StoreFor != nil {
		if ds := r.StoreFor(def); ds != nil {
			return ds
		}
	}

	return r.DataStore
}
