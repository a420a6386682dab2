package correlation

import (
	"fmt"
	"sync"

	"github.com/cadenza-io/cadenza/persistence"
)

// ConflictingReceiveError indicates that a selector attempted to register a
// route for a (partner-link, operation, key) tuple that is already routed to
// another waiting activity.
type ConflictingReceiveError struct {
	PartnerLink string
	Operation   string
	Key         string

	// Index is the position of the rejected selector within its group.
	Index int
}

func (e ConflictingReceiveError) Error() string {
	return fmt.Sprintf(
		"conflicting receive on %s.%s (key %q)",
		e.PartnerLink,
		e.Operation,
		e.Key,
	)
}

// endpoint identifies a receiving my-role endpoint within a process.
type endpoint struct {
	PartnerLink string
	Operation   string
}

// Correlator owns the live correlation state of a single process definition:
// the routes registered by waiting instances, and the inbound messages that
// arrived before any instance was listening.
//
// The in-memory state is authoritative while the definition is hydrated;
// every mutation is mirrored into a persistence.UnitOfWork and undone via a
// revert if the unit of work fails to commit.
type Correlator struct {
	// ProcessID is the identity of the owning process definition.
	ProcessID string

	m      sync.Mutex
	routes map[endpoint]map[string]persistence.Route
	groups map[string][]persistence.Route
	queued []persistence.QueuedExchange
}

// NewCorrelator returns a correlator primed with previously persisted state.
//
// routes and queued are typically the result of RouteRepository.LoadRoutes()
// and LoadQueuedExchanges() for the same process.
func NewCorrelator(
	processID string,
	routes []persistence.Route,
	queued []persistence.QueuedExchange,
) *Correlator {
	c := &Correlator{
		ProcessID: processID,
		routes:    map[endpoint]map[string]persistence.Route{},
		groups:    map[string][]persistence.Route{},
	}

	for _, r := range routes {
		c.insert(r)
	}

	c.queued = append(c.queued, queued...)

	return c
}

// insert adds r to the in-memory tables. It does not check for conflicts.
func (c *Correlator) insert(r persistence.Route) {
	ep := endpoint{r.PartnerLink, r.Operation}

	byKey := c.routes[ep]
	if byKey == nil {
		byKey = map[string]persistence.Route{}
		c.routes[ep] = byKey
	}

	byKey[r.Key] = r
	c.groups[r.RouteID] = append(c.groups[r.RouteID], r)
}

// remove deletes r from the in-memory tables.
func (c *Correlator) remove(r persistence.Route) {
	ep := endpoint{r.PartnerLink, r.Operation}

	if byKey := c.routes[ep]; byKey != nil {
		delete(byKey, r.Key)
		if len(byKey) == 0 {
			delete(c.routes, ep)
		}
	}

	group := c.groups[r.RouteID]
	for i, x := range group {
		if x.PartnerLink == r.PartnerLink &&
			x.Operation == r.Operation &&
			x.Key == r.Key {
			c.groups[r.RouteID] = append(group[:i], group[i+1:]...)
			break
		}
	}

	if len(c.groups[r.RouteID]) == 0 {
		delete(c.groups, r.RouteID)
	}
}

// AddRoutes registers the routes of a single selector group atomically.
//
// All routes must share the same RouteID. If any (partner-link, operation,
// key) tuple is already routed, or appears more than once within the group
// itself, no route is added and a ConflictingReceiveError describing the
// first collision is returned.
//
// The corresponding SaveRoute operations are added to w, and the in-memory
// insertions are reverted if w fails to commit.
func (c *Correlator) AddRoutes(
	w *persistence.UnitOfWork,
	routes []persistence.Route,
) error {
	c.m.Lock()
	defer c.m.Unlock()

	// A pick that offers the same identity twice conflicts with itself, so
	// each proposed route is checked against the group's preceding routes as
	// well as the registered tables.
	proposed := map[endpoint]map[string]struct{}{}

	for _, r := range routes {
		ep := endpoint{r.PartnerLink, r.Operation}

		_, registered := c.routes[ep][r.Key]
		_, duplicated := proposed[ep][r.Key]

		if registered || duplicated {
			return ConflictingReceiveError{
				PartnerLink: r.PartnerLink,
				Operation:   r.Operation,
				Key:         r.Key,
				Index:       r.Index,
			}
		}

		if proposed[ep] == nil {
			proposed[ep] = map[string]struct{}{}
		}
		proposed[ep][r.Key] = struct{}{}
	}

	for _, r := range routes {
		r := r // capture
		c.insert(r)
		w.Do(persistence.SaveRoute{Route: r})
		w.Revert(func() {
			c.m.Lock()
			defer c.m.Unlock()
			c.remove(r)
		})
	}

	return nil
}

// FindRoute returns the route matching an inbound message on the given
// endpoint, preferring an exact correlation-key match over a keyless route.
//
// keys are the canonical correlation keys computed from the message body. The
// route is NOT removed; call TakeGroup() once the message has been accepted.
func (c *Correlator) FindRoute(
	partnerLink, operation string,
	keys []string,
) (persistence.Route, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	byKey := c.routes[endpoint{partnerLink, operation}]
	if byKey == nil {
		return persistence.Route{}, false
	}

	for _, k := range keys {
		if k == "" {
			continue
		}
		if r, ok := byKey[k]; ok {
			return r, true
		}
	}

	if r, ok := byKey[""]; ok {
		return r, true
	}

	return persistence.Route{}, false
}

// TakeGroup removes every route sharing routeID, both from memory and, via
// w, from the store. A selector that offered several alternatives is
// satisfied by any one of them, so a match consumes the whole group.
//
// It returns the removed routes. Taking an unknown group is a no-op.
func (c *Correlator) TakeGroup(
	w *persistence.UnitOfWork,
	routeID string,
) []persistence.Route {
	c.m.Lock()
	defer c.m.Unlock()

	group := c.groups[routeID]
	if len(group) == 0 {
		return nil
	}

	taken := make([]persistence.Route, len(group))
	copy(taken, group)

	for _, r := range taken {
		r := r // capture
		c.remove(r)
		w.Do(persistence.RemoveRoute{Route: r})
		w.Revert(func() {
			c.m.Lock()
			defer c.m.Unlock()
			c.insert(r)
		})
	}

	return taken
}

// CancelGroup withdraws a selector group at the owning activity's explicit
// request, removing its routes exactly as TakeGroup() does.
//
// Unlike a timer-driven TakeGroup(), which tolerates losing the race against
// a match, cancelling a group that is not registered is an error: the caller
// claims ownership of routes that do not exist.
func (c *Correlator) CancelGroup(
	w *persistence.UnitOfWork,
	routeID string,
) error {
	if taken := c.TakeGroup(w, routeID); len(taken) == 0 {
		return fmt.Errorf("no selector group %q is registered", routeID)
	}

	return nil
}

// RoutesOf returns a snapshot of the routes owned by the given instance.
func (c *Correlator) RoutesOf(instanceID uint64) []persistence.Route {
	c.m.Lock()
	defer c.m.Unlock()

	var routes []persistence.Route
	for _, byKey := range c.routes {
		for _, r := range byKey {
			if r.InstanceID == instanceID {
				routes = append(routes, r)
			}
		}
	}

	return routes
}

// Enqueue retains an inbound message that matched no route, so it can be
// replayed when a matching route is later registered.
func (c *Correlator) Enqueue(
	w *persistence.UnitOfWork,
	qx persistence.QueuedExchange,
) {
	c.m.Lock()
	defer c.m.Unlock()

	c.queued = append(c.queued, qx)
	w.Do(persistence.SaveQueuedExchange{Exchange: qx})
	w.Revert(func() {
		c.m.Lock()
		defer c.m.Unlock()
		c.removeQueued(qx.ExchangeID)
	})
}

// TakeQueued removes and returns the oldest queued message that would match
// one of the given routes, along with the route it matched, or false if none
// is queued.
//
// It is called after a selector registers new routes, giving messages that
// arrived early a chance to be consumed.
func (c *Correlator) TakeQueued(
	w *persistence.UnitOfWork,
	routes []persistence.Route,
) (persistence.QueuedExchange, persistence.Route, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	for _, qx := range c.queued {
		for _, r := range routes {
			if !queuedMatches(qx, r) {
				continue
			}

			qx := qx // capture
			c.removeQueued(qx.ExchangeID)
			w.Do(persistence.RemoveQueuedExchange{Exchange: qx})
			w.Revert(func() {
				c.m.Lock()
				defer c.m.Unlock()
				c.queued = append(c.queued, qx)
			})

			return qx, r, true
		}
	}

	return persistence.QueuedExchange{}, persistence.Route{}, false
}

// RemoveQueued removes a queued message outright, typically because it has
// been failed or replayed through some other path.
func (c *Correlator) RemoveQueued(
	w *persistence.UnitOfWork,
	exchangeID string,
) {
	c.m.Lock()
	defer c.m.Unlock()

	for _, qx := range c.queued {
		if qx.ExchangeID != exchangeID {
			continue
		}

		qx := qx // capture
		c.removeQueued(exchangeID)
		w.Do(persistence.RemoveQueuedExchange{Exchange: qx})
		w.Revert(func() {
			c.m.Lock()
			defer c.m.Unlock()
			c.queued = append(c.queued, qx)
		})

		return
	}
}

// QueuedExchanges returns a snapshot of the unmatched queued messages, in
// enqueue order.
func (c *Correlator) QueuedExchanges() []persistence.QueuedExchange {
	c.m.Lock()
	defer c.m.Unlock()

	queued := make([]persistence.QueuedExchange, len(c.queued))
	copy(queued, c.queued)

	return queued
}

func (c *Correlator) removeQueued(exchangeID string) {
	for i, qx := range c.queued {
		if qx.ExchangeID == exchangeID {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			return
		}
	}
}

// queuedMatches returns true if the queued message qx would be routed by r.
func queuedMatches(qx persistence.QueuedExchange, r persistence.Route) bool {
	if qx.PartnerLink != r.PartnerLink || qx.Operation != r.Operation {
		return false
	}

	if r.Key == "" {
		return true
	}

	for _, k := range qx.Keys {
		if k == r.Key {
			return true
		}
	}

	return false
}
