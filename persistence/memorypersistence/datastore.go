package memorypersistence

import (
	"context"
	"sort"
	"sync"

	"github.com/cadenza-io/cadenza/persistence"
)

// dataStore is an implementation of persistence.DataStore that stores
// everything in memory.
type dataStore struct {
	m      sync.RWMutex
	closed bool

	nextID    uint64
	instances map[string]map[uint64]persistence.ProcessInstance
	routes    map[string]map[routeKey]persistence.Route
	queued    map[string][]persistence.QueuedExchange
	events    map[string]persistence.ScheduledEvent
}

// routeKey identifies a route within a process definition's routing state.
type routeKey struct {
	endpoint string // partner-link "." operation
	key      string
}

func newDataStore() *dataStore {
	return &dataStore{
		instances: map[string]map[uint64]persistence.ProcessInstance{},
		routes:    map[string]map[routeKey]persistence.Route{},
		queued:    map[string][]persistence.QueuedExchange{},
		events:    map[string]persistence.ScheduledEvent{},
	}
}

func (ds *dataStore) reopen() {
	ds.m.Lock()
	defer ds.m.Unlock()

	ds.closed = false
}

// LoadProcessInstance loads a process instance.
func (ds *dataStore) LoadProcessInstance(
	_ context.Context,
	processID string,
	id uint64,
) (persistence.ProcessInstance, error) {
	ds.m.RLock()
	defer ds.m.RUnlock()

	if inst, ok := ds.instances[processID][id]; ok {
		// Clone the snapshot so the caller can not mutate the stored copy.
		inst.Snapshot = append([]byte(nil), inst.Snapshot...)
		return inst, nil
	}

	return persistence.ProcessInstance{
		ProcessID:  processID,
		InstanceID: id,
	}, nil
}

// NextInstanceID allocates the next engine-wide instance ID.
func (ds *dataStore) NextInstanceID(context.Context) (uint64, error) {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.closed {
		return 0, persistence.ErrDataStoreClosed
	}

	ds.nextID++
	return ds.nextID, nil
}

// LoadRoutes loads all active routes owned by a process definition.
func (ds *dataStore) LoadRoutes(
	_ context.Context,
	processID string,
) ([]persistence.Route, error) {
	ds.m.RLock()
	defer ds.m.RUnlock()

	var routes []persistence.Route
	for _, r := range ds.routes[processID] {
		routes = append(routes, r)
	}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].RouteID != routes[j].RouteID {
			return routes[i].RouteID < routes[j].RouteID
		}
		return routes[i].Index < routes[j].Index
	})

	return routes, nil
}

// LoadQueuedExchanges loads all unmatched queued messages addressed to a
// process definition, in enqueue order.
func (ds *dataStore) LoadQueuedExchanges(
	_ context.Context,
	processID string,
) ([]persistence.QueuedExchange, error) {
	ds.m.RLock()
	defer ds.m.RUnlock()

	return append(
		[]persistence.QueuedExchange(nil),
		ds.queued[processID]...,
	), nil
}

// LoadScheduledEvents loads every persisted work event.
func (ds *dataStore) LoadScheduledEvents(
	context.Context,
) ([]persistence.ScheduledEvent, error) {
	ds.m.RLock()
	defer ds.m.RUnlock()

	var events []persistence.ScheduledEvent
	for _, ev := range ds.events {
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})

	return events, nil
}

// Persist commits a batch of operations atomically.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) error {
	b.MustValidate()

	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	// Validate every operation before mutating anything, so that a failure
	// leaves the store untouched.
	v := &validator{ds}
	if err := b.AcceptVisitor(ctx, v); err != nil {
		return err
	}

	c := &committer{ds}
	return b.AcceptVisitor(ctx, c)
}

// Close closes the data store.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	ds.closed = true
	return nil
}
