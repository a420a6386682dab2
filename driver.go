package cadenza

import (
	"context"
	"errors"
	"time"

	"github.com/cadenza-io/cadenza/correlation"
	"github.com/cadenza-io/cadenza/instance"
	"github.com/cadenza-io/cadenza/mex"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/process"
	"github.com/cadenza-io/cadenza/runtime"
	"github.com/cadenza-io/cadenza/scheduler"
	"github.com/cadenza-io/cadenza/workevent"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// errSuspended is returned when a work event reaches a suspended instance.
// The scheduler retries the event with backoff, so the instance picks it up
// after it is resumed (or the event is eventually parked).
var errSuspended = errors.New("instance is suspended")

// snapshot is the persisted form of an instance's execution state: the
// interpreter's opaque state plus the engine-owned correlation bookkeeping
// that must travel with it.
type snapshot struct {
	State        []byte            `cbor:"1,keyasint,omitempty"`
	Outstanding  []byte            `cbor:"2,keyasint,omitempty"`
	Correlations map[string]string `cbor:"3,keyasint,omitempty"`
}

// instanceState is the in-memory execution state of a single instance. It
// is cached on the instance's worker, keyed by the snapshot revision it was
// restored from, so consecutive events on a hot instance skip the decode.
type instanceState struct {
	interp       runtime.Interpreter
	outstanding  *correlation.OutstandingRequests
	correlations map[string]string
}

// driver runs the bounded reduction loop of a single process instance in
// response to a work event, and persists the outcome.
//
// A driver is assembled per event and runs on the instance's worker, so it
// holds the instance's logical thread of control throughout.
type driver struct {
	hydrated  *process.Hydrated
	dataStore persistence.DataStore
	sched     *scheduler.Scheduler
	exchanges *mex.Registry
	budget    time.Duration
	observe   func(InstanceTransition)
	logger    logging.Logger
}

// handle processes one work event addressed to an instance.
func (d *driver) handle(ctx context.Context, ev workevent.Event) error {
	rec, err := d.dataStore.LoadProcessInstance(ctx, ev.ProcessID, ev.InstanceID)
	if err != nil {
		return err
	}

	if rec.Revision == 0 {
		// The event outlived its instance, typically a redelivery that
		// raced instance creation rolling back.
		logging.Debug(
			d.logger,
			"dropping %s event %s: instance %s/%d does not exist",
			ev.Type,
			ev.ID,
			ev.ProcessID,
			ev.InstanceID,
		)
		d.failLiveExchange(ev, mex.FailureNoMatch, "instance does not exist")
		return nil
	}

	status := process.Status(rec.Status)

	if status == process.Suspended {
		return errSuspended
	}

	if status.IsTerminal() {
		d.failLiveExchange(ev, mex.FailureNoResponse, "instance has completed")
		return nil
	}

	wkr, _ := instance.FromContext(ctx)

	st, err := d.state(wkr, rec)
	if err != nil {
		return err
	}

	uow := &persistence.UnitOfWork{}

	err = d.run(ctx, uow, wkr, rec, st, ev)
	if err != nil {
		uow.Rollback(err)

		// The in-memory interpreter may have advanced past the persisted
		// snapshot; force the next attempt to restore from the store.
		if wkr != nil {
			wkr.CacheDrop()
		}
	}

	return err
}

// run delivers the event's stimulus, reduces until the instance blocks,
// completes or exhausts the wall-clock budget, and persists the outcome as
// part of uow.
func (d *driver) run(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	wkr *instance.Worker,
	rec persistence.ProcessInstance,
	st *instanceState,
	ev workevent.Event,
) error {
	ok, err := d.stimulate(uow, st, ev)
	if err != nil {
		return err
	}
	if !ok {
		// Stale stimulus; nothing to do.
		uow.Rollback(nil)
		return nil
	}

	rc := &runtimeContext{
		definition: d.hydrated.Definition,
		correlator: d.hydrated.Correlator,
		sched:      d.sched,
		exchanges:  d.exchanges,
		uow:        uow,
		instanceID: rec.InstanceID,
		st:         st,
		logger:     d.logger,
	}

	deadline := time.Now().Add(d.budget)
	interrupted := false

	for !rc.completed {
		more, err := st.interp.Step(ctx, rc)
		if err != nil {
			return err
		}
		if !more {
			break
		}

		if time.Now().After(deadline) {
			interrupted = true
			break
		}
	}

	if rc.completed {
		final := process.CompletedOK
		if rc.fault {
			final = process.CompletedFault
		}
		return d.finish(ctx, uow, wkr, rec, st, ev, final)
	}

	// A Resume stimulus carries no message; only a consumed delivery moves
	// the instance into its body.
	delivered := ev.Type != workevent.Resume

	from := process.Status(rec.Status)
	to := from
	switch {
	case from == process.New && rc.selected && !interrupted:
		to = process.Ready
	case delivered && from != process.Active:
		to = process.Active
	}

	env, err := marshalSnapshot(st)
	if err != nil {
		return err
	}

	rec.Status = string(to)
	rec.Snapshot = env
	uow.Do(persistence.SaveProcessInstance{Instance: rec})

	if interrupted {
		// Yield the worker rather than hold it through a long synchronous
		// chain; an immediate resume event re-enters the loop.
		d.sched.Schedule(uow, workevent.Event{
			ID:         uuid.NewString(),
			Type:       workevent.Resume,
			ProcessID:  rec.ProcessID,
			InstanceID: rec.InstanceID,
			At:         time.Now(),
		}, time.Now(), !d.hydrated.Definition.Transient)
	}

	if err := uow.Commit(ctx, d.dataStore); err != nil {
		return err
	}

	if wkr != nil {
		wkr.CachePut(rec.Revision+1, st)
	}

	d.settleExchange(ev)

	if to != from {
		d.observe(InstanceTransition{
			ProcessID:  rec.ProcessID,
			InstanceID: rec.InstanceID,
			From:       from,
			To:         to,
		})
	}

	return nil
}

// stimulate translates the work event into an interpreter delivery. It
// returns false if the stimulus is stale and the event should be dropped.
func (d *driver) stimulate(
	uow *persistence.UnitOfWork,
	st *instanceState,
	ev workevent.Event,
) (bool, error) {
	switch ev.Type {
	case workevent.Deliver:
		channelID := ev.RouteID
		if channelID == "" {
			// The instantiating message has no selector; its exchange
			// doubles as the reply channel.
			channelID = ev.ExchangeID
		}

		if ev.TwoWay {
			id := correlation.RequestID{
				PartnerLink: ev.PartnerLink,
				Operation:   ev.Operation,
				Key:         ev.Key,
			}

			st.outstanding.Cancel(channelID)

			if err := st.outstanding.Register(id, channelID); err != nil {
				// The same request identity is already open and awaiting
				// a reply; refuse the duplicate.
				d.failLiveExchange(ev, mex.FailureConflict, err.Error())
				return false, nil
			}

			if err := st.outstanding.Associate(channelID, ev.ExchangeID); err != nil {
				return false, err
			}
		}

		return true, st.interp.Deliver(runtime.Delivery{
			ChannelID:  channelID,
			Index:      ev.Index,
			ExchangeID: ev.ExchangeID,
			Body:       ev.Body,
		})

	case workevent.Timer:
		// If the routes are already gone, a message won the race against
		// the timer and the timeout is stale.
		if taken := d.hydrated.Correlator.TakeGroup(uow, ev.RouteID); len(taken) == 0 {
			return false, nil
		}

		st.outstanding.Cancel(ev.RouteID)

		return true, st.interp.Deliver(runtime.Delivery{
			ChannelID: ev.RouteID,
			Timeout:   true,
		})

	case workevent.Resume:
		return true, nil

	case workevent.Response:
		return true, st.interp.Deliver(runtime.Delivery{
			ChannelID:  ev.RouteID,
			ExchangeID: ev.ExchangeID,
			Body:       ev.Body,
		})

	default:
		logging.Log(d.logger, "dropping unrecognized %s event %s", ev.Type, ev.ID)
		return false, nil
	}
}

// finish persists an instance's transition into a terminal status,
// withdrawing its routes and failing any request it leaves unanswered.
func (d *driver) finish(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	wkr *instance.Worker,
	rec persistence.ProcessInstance,
	st *instanceState,
	ev workevent.Event,
	final process.Status,
) error {
	orphaned := st.outstanding.ReleaseAll()

	for _, groupID := range routeGroups(d.hydrated.Correlator.RoutesOf(rec.InstanceID)) {
		d.hydrated.Correlator.TakeGroup(uow, groupID)
	}

	from := process.Status(rec.Status)

	rec.Status = string(final)
	rec.PriorStatus = ""
	// Terminal snapshots are never resumed.
	rec.Snapshot = nil
	uow.Do(persistence.SaveProcessInstance{Instance: rec})

	if err := uow.Commit(ctx, d.dataStore); err != nil {
		return err
	}

	if wkr != nil {
		wkr.CacheDrop()
	}

	for _, id := range orphaned {
		if x, ok := d.exchanges.Get(id); ok {
			x.Fail(mex.FailureNoResponse, "instance completed without replying")
		}
	}

	d.settleExchange(ev)

	d.observe(InstanceTransition{
		ProcessID:  rec.ProcessID,
		InstanceID: rec.InstanceID,
		From:       from,
		To:         final,
	})

	return nil
}

// terminate administratively kills the instance, regardless of what it is
// doing. It runs on the instance's worker so it can not interleave with a
// reduction in progress.
func (d *driver) terminate(ctx context.Context, instanceID uint64) error {
	rec, err := d.dataStore.LoadProcessInstance(
		ctx,
		d.hydrated.Definition.ID,
		instanceID,
	)
	if err != nil {
		return err
	}

	if rec.Revision == 0 {
		return persistence.UnknownInstanceError{
			ProcessID:  d.hydrated.Definition.ID,
			InstanceID: instanceID,
		}
	}

	status := process.Status(rec.Status)
	if !process.ValidTransition(status, process.Terminated) {
		return process.InvalidTransitionError{From: status, To: process.Terminated}
	}

	wkr, _ := instance.FromContext(ctx)

	st, err := d.state(wkr, rec)
	if err != nil {
		// The snapshot is unreadable; terminate anyway, there may be
		// unanswered requests we can no longer identify.
		logging.Log(
			d.logger,
			"terminating instance %s/%d with unreadable snapshot: %s",
			rec.ProcessID,
			instanceID,
			err,
		)
		st = &instanceState{outstanding: &correlation.OutstandingRequests{}}
	}

	uow := &persistence.UnitOfWork{}

	err = d.finish(ctx, uow, wkr, rec, st, workevent.Event{}, process.Terminated)
	if err != nil {
		uow.Rollback(err)
		if wkr != nil {
			wkr.CacheDrop()
		}
	}

	return err
}

// state returns the instance's live execution state, restoring it from the
// persisted snapshot unless a coherent copy is cached on the worker.
func (d *driver) state(
	wkr *instance.Worker,
	rec persistence.ProcessInstance,
) (*instanceState, error) {
	if wkr != nil {
		if v, ok := wkr.CacheGet(rec.Revision); ok {
			return v.(*instanceState), nil
		}
	}

	st := &instanceState{
		interp:       d.hydrated.Definition.NewInterpreter(),
		outstanding:  &correlation.OutstandingRequests{},
		correlations: map[string]string{},
	}

	var env snapshot
	if len(rec.Snapshot) != 0 {
		if err := cbor.Unmarshal(rec.Snapshot, &env); err != nil {
			return nil, err
		}
	}

	if err := st.outstanding.UnmarshalBinary(env.Outstanding); err != nil {
		return nil, err
	}

	for set, key := range env.Correlations {
		st.correlations[set] = key
	}

	if err := st.interp.Restore(env.State); err != nil {
		return nil, err
	}

	return st, nil
}

// settleExchange acknowledges a one-way exchange once its delivery has been
// committed. Two-way exchanges are settled by Reply() or by completion.
func (d *driver) settleExchange(ev workevent.Event) {
	if ev.Type != workevent.Deliver || ev.ExchangeID == "" || ev.TwoWay {
		return
	}

	if x, ok := d.exchanges.Get(ev.ExchangeID); ok {
		x.Complete()
	}
}

// failLiveExchange fails the exchange the event is delivering, if its
// caller is still waiting on it.
func (d *driver) failLiveExchange(ev workevent.Event, t mex.FailureType, msg string) {
	if ev.ExchangeID == "" {
		return
	}

	if x, ok := d.exchanges.Get(ev.ExchangeID); ok {
		x.Fail(t, msg)
	}
}

// marshalSnapshot encodes the instance's execution state for persistence.
func marshalSnapshot(st *instanceState) ([]byte, error) {
	state, err := st.interp.Snapshot()
	if err != nil {
		return nil, err
	}

	outstanding, err := st.outstanding.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return cbor.Marshal(snapshot{
		State:        state,
		Outstanding:  outstanding,
		Correlations: st.correlations,
	})
}

// routeGroups returns the distinct route group IDs among routes.
func routeGroups(routes []persistence.Route) []string {
	var ids []string
	seen := map[string]struct{}{}

	for _, r := range routes {
		if _, ok := seen[r.RouteID]; ok {
			continue
		}
		seen[r.RouteID] = struct{}{}
		ids = append(ids, r.RouteID)
	}

	return ids
}
