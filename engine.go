package cadenza

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/instance"
	"github.com/cadenza-io/cadenza/internal/x/syncx"
	"github.com/cadenza-io/cadenza/mex"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/persistence/memorypersistence"
	"github.com/cadenza-io/cadenza/process"
	"github.com/cadenza-io/cadenza/scheduler"
	"github.com/cadenza-io/cadenza/workevent"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Engine hosts deployed process definitions, routing inbound message
// exchanges to their instances and driving those instances' interpreters.
type Engine struct {
	opts *engineOptions

	registry  *process.Registry
	router    *process.Router
	sched     *scheduler.Scheduler
	workers   *instance.WorkerSet
	locker    *instance.Locker
	exchanges *mex.Registry

	volatile      *memorypersistence.Provider
	volatileStore persistence.DataStore

	// management distinguishes management operations (exclusive) from
	// message processing (shared), so a live deploy or undeploy can not
	// race in-flight work that touches the same definition.
	management syncx.RWMutex

	m         sync.Mutex
	dataStore persistence.DataStore
	ready     chan struct{}
}

// New returns a new engine.
func New(options ...EngineOption) *Engine {
	opts := resolveEngineOptions(options...)

	e := &Engine{
		opts:      opts,
		locker:    &instance.Locker{},
		exchanges: &mex.Registry{},
		volatile:  &memorypersistence.Provider{},
		ready:     make(chan struct{}),
	}

	// The memory provider can not fail to open.
	e.volatileStore, _ = e.volatile.Open(context.Background(), "volatile")

	e.workers = &instance.WorkerSet{
		Pool:   semaphore.NewWeighted(int64(opts.ConcurrencyLimit)),
		Logger: opts.Logger,
	}

	e.sched = &scheduler.Scheduler{
		BackoffStrategy: opts.EventBackoff,
		Logger:          opts.Logger,
	}

	e.registry = &process.Registry{
		StoreFor: e.transientStore,
		TTL:      opts.DefinitionTTL,
		Logger:   opts.Logger,
	}

	e.router = &process.Router{
		Registry:  e.registry,
		Scheduler: e.sched,
		StoreFor:  e.transientStore,
		Logger:    opts.Logger,
	}

	return e
}

// Run hosts the deployed definitions until ctx is canceled or an error
// occurs. It must be called exactly once; every other method blocks until
// the engine is running.
func (e *Engine) Run(ctx context.Context) (err error) {
	ds, err := e.opts.PersistenceProvider.Open(ctx, "cadenza")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ds.Close())
	}()

	e.m.Lock()
	e.dataStore = ds
	e.registry.DataStore = ds
	e.router.DataStore = ds
	e.sched.DataStore = ds
	e.m.Unlock()

	close(e.ready)

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.workers.Run(ctx)
	})

	g.Go(func() error {
		return e.registry.Run(ctx)
	})

	g.Go(func() error {
		return e.exchanges.Run(ctx)
	})

	g.Go(func() error {
		return e.sched.Run(ctx, e.handleEvent)
	})

	err = g.Wait()

	if parent.Err() != nil {
		return parent.Err()
	}

	return err
}

// Deploy adds a process definition to the engine.
func (e *Engine) Deploy(ctx context.Context, def *process.Definition) error {
	if err := e.management.Lock(ctx); err != nil {
		return err
	}
	defer e.management.Unlock()

	return e.registry.Deploy(def)
}

// Undeploy removes a process definition from the engine.
func (e *Engine) Undeploy(ctx context.Context, processID string) error {
	if err := e.management.Lock(ctx); err != nil {
		return err
	}
	defer e.management.Unlock()

	return e.registry.Undeploy(processID)
}

// Retire marks a process definition as retired: new instance creation is
// refused, existing instances continue to be served.
func (e *Engine) Retire(ctx context.Context, processID string) error {
	if err := e.management.Lock(ctx); err != nil {
		return err
	}
	defer e.management.Unlock()

	return e.registry.Retire(processID)
}

// Deliver routes an inbound message exchange to the addressed process.
//
// The returned exchange reports the routing outcome; for a two-way
// operation the caller may wait on its Done() channel for the reply.
//
// A non-nil error indicates an infrastructure problem and means nothing was
// persisted. Routing failures, such as an unknown operation or a malformed
// message, are recorded on the exchange itself.
func (e *Engine) Deliver(
	ctx context.Context,
	processID string,
	partnerLink, operation string,
	twoWay bool,
	body []byte,
) (*mex.Exchange, error) {
	if err := e.await(ctx); err != nil {
		return nil, err
	}

	if err := e.management.RLock(ctx); err != nil {
		return nil, err
	}
	defer e.management.RUnlock()

	x := mex.New(partnerLink, operation, twoWay, body)
	e.exchanges.Add(x)

	if err := e.router.Route(ctx, processID, x); err != nil {
		e.exchanges.Remove(x.ID)
		return nil, err
	}

	return x, nil
}

// Suspend administratively pauses a process instance. The instance's prior
// status is retained so Resume() can restore it.
func (e *Engine) Suspend(ctx context.Context, processID string, instanceID uint64) error {
	return e.transition(ctx, processID, instanceID, process.Suspended)
}

// Resume restores a suspended instance to its prior status and schedules a
// work event to continue its execution.
func (e *Engine) Resume(ctx context.Context, processID string, instanceID uint64) error {
	if err := e.await(ctx); err != nil {
		return err
	}

	if err := e.management.RLock(ctx); err != nil {
		return err
	}
	defer e.management.RUnlock()

	h, release, err := e.registry.Acquire(ctx, processID)
	if err != nil {
		return err
	}
	defer release()

	k := instance.Key{ProcessID: processID, InstanceID: instanceID}
	unlock, err := e.locker.Lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	ds := e.storeFor(h.Definition)

	rec, err := ds.LoadProcessInstance(ctx, processID, instanceID)
	if err != nil {
		return err
	}
	if rec.Revision == 0 {
		return persistence.UnknownInstanceError{
			ProcessID:  processID,
			InstanceID: instanceID,
		}
	}

	if process.Status(rec.Status) != process.Suspended {
		return process.InvalidTransitionError{
			From: process.Status(rec.Status),
			To:   process.Status(rec.PriorStatus),
		}
	}

	prior := process.Status(rec.PriorStatus)

	w := &persistence.UnitOfWork{}
	rec.Status = string(prior)
	rec.PriorStatus = ""
	w.Do(persistence.SaveProcessInstance{Instance: rec})

	e.sched.Schedule(w, workevent.Event{
		ID:         uuid.NewString(),
		Type:       workevent.Resume,
		ProcessID:  processID,
		InstanceID: instanceID,
		At:         time.Now(),
	}, time.Now(), !h.Definition.Transient)

	if err := w.Commit(ctx, ds); err != nil {
		return err
	}

	e.observe(InstanceTransition{
		ProcessID:  processID,
		InstanceID: instanceID,
		From:       process.Suspended,
		To:         prior,
	})

	return nil
}

// Terminate administratively kills a process instance. Its routes are
// withdrawn and any unreplied two-way exchanges it holds are failed.
func (e *Engine) Terminate(ctx context.Context, processID string, instanceID uint64) error {
	if err := e.await(ctx); err != nil {
		return err
	}

	if err := e.management.RLock(ctx); err != nil {
		return err
	}
	defer e.management.RUnlock()

	h, release, err := e.registry.Acquire(ctx, processID)
	if err != nil {
		return err
	}
	defer release()

	k := instance.Key{ProcessID: processID, InstanceID: instanceID}
	unlock, err := e.locker.Lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	// Terminating runs with the instance's worker serialization so it can
	// not interleave with a reduction in progress.
	return e.workers.ExecSync(ctx, k, func(ctx context.Context) error {
		d := e.driverFor(h)
		return d.terminate(ctx, instanceID)
	})
}

// transition applies an administrative status change under the instance
// lock. An execution that commits concurrently loses the optimistic
// concurrency race and observes the new status on retry.
func (e *Engine) transition(
	ctx context.Context,
	processID string,
	instanceID uint64,
	to process.Status,
) error {
	if err := e.await(ctx); err != nil {
		return err
	}

	if err := e.management.RLock(ctx); err != nil {
		return err
	}
	defer e.management.RUnlock()

	h, release, err := e.registry.Acquire(ctx, processID)
	if err != nil {
		return err
	}
	defer release()

	k := instance.Key{ProcessID: processID, InstanceID: instanceID}
	unlock, err := e.locker.Lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	ds := e.storeFor(h.Definition)

	rec, err := ds.LoadProcessInstance(ctx, processID, instanceID)
	if err != nil {
		return err
	}
	if rec.Revision == 0 {
		return persistence.UnknownInstanceError{
			ProcessID:  processID,
			InstanceID: instanceID,
		}
	}

	from := process.Status(rec.Status)
	if !process.ValidTransition(from, to) {
		return process.InvalidTransitionError{From: from, To: to}
	}

	w := &persistence.UnitOfWork{}
	rec.PriorStatus = rec.Status
	rec.Status = string(to)
	w.Do(persistence.SaveProcessInstance{Instance: rec})

	if err := w.Commit(ctx, ds); err != nil {
		return err
	}

	e.observe(InstanceTransition{
		ProcessID:  processID,
		InstanceID: instanceID,
		From:       from,
		To:         to,
	})

	return nil
}

// handleEvent is the scheduler's delivery callback.
func (e *Engine) handleEvent(ctx context.Context, ev workevent.Event) error {
	if err := e.management.RLock(ctx); err != nil {
		return err
	}
	defer e.management.RUnlock()

	h, release, err := e.registry.Acquire(ctx, ev.ProcessID)
	if err != nil {
		var unknown process.UnknownProcessError
		if errors.As(err, &unknown) {
			// The definition was undeployed while the event was in flight.
			logging.Log(
				e.opts.Logger,
				"dropping work event %s: %s",
				ev.ID,
				err,
			)
			return nil
		}

		return err
	}
	defer release()

	if ev.Type == workevent.Matcher {
		return e.handleMatcher(ctx, h, ev)
	}

	k := instance.Key{ProcessID: ev.ProcessID, InstanceID: ev.InstanceID}

	return e.workers.ExecSync(ctx, k, func(ctx context.Context) error {
		d := e.driverFor(h)
		return d.handle(ctx, ev)
	})
}

// handleMatcher re-checks the unmatched message queue against an instance's
// registered routes, replaying the oldest match as a deliver event.
func (e *Engine) handleMatcher(
	ctx context.Context,
	h *process.Hydrated,
	ev workevent.Event,
) error {
	routes := h.Correlator.RoutesOf(ev.InstanceID)
	if len(routes) == 0 {
		return nil
	}

	w := &persistence.UnitOfWork{}

	qx, route, ok := h.Correlator.TakeQueued(w, routes)
	if !ok {
		return nil
	}

	h.Correlator.TakeGroup(w, route.RouteID)

	e.sched.Schedule(w, workevent.Event{
		ID:          uuid.NewString(),
		Type:        workevent.Deliver,
		ProcessID:   h.Definition.ID,
		InstanceID:  route.InstanceID,
		RouteID:     route.RouteID,
		Index:       route.Index,
		ExchangeID:  qx.ExchangeID,
		PartnerLink: qx.PartnerLink,
		Operation:   qx.Operation,
		Key:         route.Key,
		TwoWay:      qx.TwoWay,
		Body:        qx.Body,
		At:          time.Now(),
	}, time.Now(), !h.Definition.Transient)

	if err := w.Commit(ctx, e.storeFor(h.Definition)); err != nil {
		return err
	}

	if x, ok := e.exchanges.Get(qx.ExchangeID); ok {
		x.SetStatus(mex.StatusMatched)
	}

	return nil
}

// driverFor assembles a driver over a hydrated definition.
func (e *Engine) driverFor(h *process.Hydrated) *driver {
	return &driver{
		hydrated:  h,
		dataStore: e.storeFor(h.Definition),
		sched:     e.sched,
		exchanges: e.exchanges,
		budget:    e.opts.ReductionBudget,
		observe:   e.observe,
		logger:    e.opts.Logger,
	}
}

// storeFor resolves the data store a definition persists to.
func (e *Engine) storeFor(def *process.Definition) persistence.DataStore {
	if ds := e.transientStore(def); ds != nil {
		return ds
	}

	e.m.Lock()
	defer e.m.Unlock()

	return e.dataStore
}

// transientStore returns the in-memory store for transient definitions, or
// nil for durable ones.
func (e *Engine) transientStore(def *process.Definition) persistence.DataStore {
	if def.Transient {
		return e.volatileStore
	}

	return nil
}

// observe fans an instance transition out to the registered observers.
func (e *Engine) observe(t InstanceTransition) {
	logging.Log(
		e.opts.Logger,
		"instance %s/%d: %s -> %s",
		t.ProcessID,
		t.InstanceID,
		t.From,
		t.To,
	)

	for _, fn := range e.opts.Observers {
		fn(t)
	}
}

// await blocks until Run() has opened the data store.
func (e *Engine) await(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
