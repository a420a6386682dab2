package cadenza

import (
	"fmt"
	"time"

	"github.com/cadenza-io/cadenza/correlation"
	"github.com/cadenza-io/cadenza/mex"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/process"
	"github.com/cadenza-io/cadenza/runtime"
	"github.com/cadenza-io/cadenza/scheduler"
	"github.com/cadenza-io/cadenza/workevent"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
)

// runtimeContext is the interpreter's view of the engine for the duration
// of one reduction loop. Its mutations accumulate on the unit of work, so
// they only take effect if the loop's outcome commits.
type runtimeContext struct {
	definition *process.Definition
	correlator *correlation.Correlator
	sched      *scheduler.Scheduler
	exchanges  *mex.Registry
	uow        *persistence.UnitOfWork
	instanceID uint64
	st         *instanceState
	logger     logging.Logger

	selected  bool
	completed bool
	fault     bool
}

func (rc *runtimeContext) InstanceID() uint64 {
	return rc.instanceID
}

func (rc *runtimeContext) CorrelationKey(set string) (string, bool) {
	key, ok := rc.st.correlations[set]
	return key, ok
}

func (rc *runtimeContext) InitCorrelation(set string, values ...string) error {
	if _, ok := rc.definition.SetDeclaration(set); !ok {
		return fmt.Errorf("correlation set %q is not declared", set)
	}

	if existing, ok := rc.st.correlations[set]; ok {
		return fmt.Errorf(
			"correlation set %q is already initialized (key %q)",
			set,
			existing,
		)
	}

	rc.st.correlations[set] = correlation.Key{
		SetName: set,
		Values:  values,
	}.String()

	return nil
}

func (rc *runtimeContext) Select(
	timeout time.Duration,
	selectors ...runtime.Selector,
) (string, error) {
	channelID := uuid.NewString()

	routes := make([]persistence.Route, 0, len(selectors))
	var ids []correlation.RequestID

	for i, sel := range selectors {
		var key string

		if sel.CorrelationSet != "" {
			if _, ok := rc.definition.SetDeclaration(sel.CorrelationSet); !ok {
				return "", fmt.Errorf(
					"correlation set %q is not declared",
					sel.CorrelationSet,
				)
			}

			k, ok := rc.st.correlations[sel.CorrelationSet]
			if !ok {
				return "", fmt.Errorf(
					"correlation set %q is not initialized",
					sel.CorrelationSet,
				)
			}
			key = k
		}

		routes = append(routes, persistence.Route{
			ProcessID:   rc.definition.ID,
			PartnerLink: sel.PartnerLink,
			Operation:   sel.Operation,
			Key:         key,
			RouteID:     channelID,
			Index:       i,
			InstanceID:  rc.instanceID,
		})

		if sel.TwoWay {
			ids = append(ids, correlation.RequestID{
				PartnerLink: sel.PartnerLink,
				Operation:   sel.Operation,
				Key:         key,
			})
		}
	}

	// A selector must not wait on a request identity that is already open
	// and awaiting a reply.
	for _, id := range ids {
		if _, ok := rc.st.outstanding.FindConflict([]correlation.RequestID{id}); ok {
			return "", correlation.ConflictingRequestError{RequestID: id}
		}
	}

	if err := rc.correlator.AddRoutes(rc.uow, routes); err != nil {
		return "", err
	}

	durable := !rc.definition.Transient

	if timeout > 0 {
		rc.sched.Schedule(rc.uow, workevent.Event{
			ID:         uuid.NewString(),
			Type:       workevent.Timer,
			ProcessID:  rc.definition.ID,
			InstanceID: rc.instanceID,
			RouteID:    channelID,
			At:         time.Now().Add(timeout),
		}, time.Now().Add(timeout), durable)
	}

	// A message the new routes would have matched may already be queued;
	// prompt a re-check once the routes are committed.
	if len(rc.correlator.QueuedExchanges()) != 0 {
		rc.sched.Schedule(rc.uow, workevent.Event{
			ID:         uuid.NewString(),
			Type:       workevent.Matcher,
			ProcessID:  rc.definition.ID,
			InstanceID: rc.instanceID,
			At:         time.Now(),
		}, time.Now(), durable)
	}

	rc.selected = true

	return channelID, nil
}

func (rc *runtimeContext) Cancel(channelID string) error {
	return rc.correlator.CancelGroup(rc.uow, channelID)
}

func (rc *runtimeContext) Reply(partnerLink, operation string, body []byte) error {
	exchangeID, ok := rc.st.outstanding.Release(partnerLink, operation)
	if !ok {
		return fmt.Errorf(
			"no open request on %s.%s to reply to",
			partnerLink,
			operation,
		)
	}

	// The reply reaches the caller only once the state that produced it is
	// durable.
	rc.uow.Defer(func(err error) {
		if err != nil {
			return
		}

		if x, ok := rc.exchanges.Get(exchangeID); ok {
			x.Reply(body)
			return
		}

		// The caller did not survive to collect the reply, typically
		// because the engine restarted between request and reply.
		logging.Debug(
			rc.logger,
			"reply to %s.%s dropped: exchange %s is no longer live",
			partnerLink,
			operation,
			exchangeID,
		)
	})

	return nil
}

func (rc *runtimeContext) Completed(fault bool) {
	rc.completed = true
	rc.fault = fault
}
