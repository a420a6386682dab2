package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/correlation"
	"github.com/cadenza-io/cadenza/internal/x/syncx"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
)

// DefaultDefinitionTTL is the default duration a definition's correlation
// state is kept hydrated after its last use.
const DefaultDefinitionTTL = 1 * time.Minute

// Latch states of a deployed definition.
const (
	stateDehydrated = iota
	stateHydrated
)

// latchState names a latch state for log output.
func latchState(s int) string {
	if s == stateHydrated {
		return "hydrated"
	}

	return "dehydrated"
}

// UnknownProcessError indicates that a message or operation referred to a
// process definition that is not deployed.
type UnknownProcessError struct {
	ProcessID string
}

func (e UnknownProcessError) Error() string {
	return fmt.Sprintf("process %s is not deployed", e.ProcessID)
}

// Hydrated is a deployed definition with its live correlation state loaded.
// It is valid only until the release function returned by Acquire() is
// called.
type Hydrated struct {
	Definition *Definition
	Correlator *correlation.Correlator

	// Retired is true if the definition refuses new instance creation. It
	// continues serving its existing instances.
	Retired bool
}

// entry is the registry's record of one deployed definition.
type entry struct {
	def   *Definition
	latch syncx.Latch

	m          sync.Mutex
	retired    bool
	correlator *correlation.Correlator
	lastUsed   time.Time
}

// Registry holds the deployed process definitions and manages hydration of
// their correlation state.
//
// A definition's routes and queued messages are loaded from the store on
// first use and discarded again after a period of disuse. The hydrated
// state is guarded by a latch: any number of goroutines may use it
// concurrently, but dehydration waits until none remain.
type Registry struct {
	// DataStore is the store definitions persist to, and the source of
	// hydration. Transient definitions use an in-memory store instead,
	// supplied by the engine via StoreFor.
	DataStore persistence.DataStore

	// StoreFor, if non-nil, overrides the data store used for a given
	// definition.
	StoreFor func(*Definition) persistence.DataStore

	// TTL is the duration hydrated state is retained after its last use.
	// If it is non-positive, DefaultDefinitionTTL is used.
	TTL time.Duration

	// Logger is the target for messages about deployment and hydration. If
	// it is nil, logging.DefaultLogger is used.
	Logger logging.Logger

	m       sync.Mutex
	entries map[string]*entry
}

// Deploy adds a definition to the registry.
func (r *Registry) Deploy(def *Definition) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.entries[def.ID]; ok {
		return fmt.Errorf("process %s is already deployed", def.ID)
	}

	if r.entries == nil {
		r.entries = map[string]*entry{}
	}

	e := &entry{def: def}
	e.latch.Transition = func(s int) {
		logging.Debug(r.Logger, "process %s is now %s", def.ID, latchState(s))
	}

	r.entries[def.ID] = e

	logging.Log(r.Logger, "deployed process %s", def.ID)

	return nil
}

// Undeploy removes a definition from the registry. In-flight uses of the
// definition's hydrated state run to completion.
func (r *Registry) Undeploy(processID string) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.entries[processID]; !ok {
		return UnknownProcessError{ProcessID: processID}
	}

	delete(r.entries, processID)

	logging.Log(r.Logger, "undeployed process %s", processID)

	return nil
}

// Retire marks a definition as retired: new instance creation is refused,
// existing instances continue to be served.
func (r *Registry) Retire(processID string) error {
	e, err := r.entry(processID)
	if err != nil {
		return err
	}

	e.m.Lock()
	e.retired = true
	e.m.Unlock()

	logging.Log(r.Logger, "retired process %s", processID)

	return nil
}

// Acquire returns the hydrated state of a definition, loading it from the
// store if necessary.
//
// The caller must invoke the returned release function when it is done; the
// hydrated state may be discarded once no callers remain.
func (r *Registry) Acquire(
	ctx context.Context,
	processID string,
) (*Hydrated, func(), error) {
	e, err := r.entry(processID)
	if err != nil {
		return nil, nil, err
	}

	e.latch.Enter(stateHydrated)

	if err := r.hydrate(ctx, e); err != nil {
		e.latch.Leave(stateHydrated)
		return nil, nil, err
	}

	e.m.Lock()
	h := &Hydrated{
		Definition: e.def,
		Correlator: e.correlator,
		Retired:    e.retired,
	}
	e.lastUsed = time.Now()
	e.m.Unlock()

	return h, func() {
		e.m.Lock()
		e.lastUsed = time.Now()
		e.m.Unlock()

		e.latch.Leave(stateHydrated)
	}, nil
}

// Run discards hydrated state that has been idle for longer than the TTL,
// until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	for {
		if err := linger.Sleep(ctx, r.TTL, DefaultDefinitionTTL); err != nil {
			return err
		}

		r.sweep()
	}
}

// entry returns the registry entry for a definition.
func (r *Registry) entry(processID string) (*entry, error) {
	r.m.Lock()
	defer r.m.Unlock()

	e, ok := r.entries[processID]
	if !ok {
		return nil, UnknownProcessError{ProcessID: processID}
	}

	return e, nil
}

// hydrate loads e's correlation state if it is not already loaded. The
// caller must have entered the hydrated state on e's latch.
func (r *Registry) hydrate(ctx context.Context, e *entry) error {
	e.m.Lock()
	defer e.m.Unlock()

	if e.correlator != nil {
		return nil
	}

	ds := r.DataStore
	if r.StoreFor != nil {
		if override := r.StoreFor(e.def); override != nil {
			ds = override
		}
	}

	routes, err := ds.LoadRoutes(ctx, e.def.ID)
	if err != nil {
		return err
	}

	queued, err := ds.LoadQueuedExchanges(ctx, e.def.ID)
	if err != nil {
		return err
	}

	e.correlator = correlation.NewCorrelator(e.def.ID, routes, queued)

	if logging.IsDebug(r.Logger) {
		logging.Debug(
			r.Logger,
			"hydrated process %s (%d route(s), %d queued message(s))",
			e.def.ID,
			len(routes),
			len(queued),
		)
	}

	return nil
}

// sweep dehydrates every definition that has been idle for longer than the
// TTL.
func (r *Registry) sweep() {
	r.m.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.m.Unlock()

	ttl := linger.MustCoalesce(r.TTL, DefaultDefinitionTTL)

	for _, e := range entries {
		e.m.Lock()
		idle := e.correlator != nil && time.Since(e.lastUsed) >= ttl
		e.m.Unlock()

		if !idle {
			continue
		}

		// Entering the dehydrated state waits for in-flight uses to leave.
		// A use that arrives afterwards simply rehydrates.
		e.latch.Enter(stateDehydrated)

		// The latch's Transition hook logs the state change.
		e.m.Lock()
		if e.correlator != nil && time.Since(e.lastUsed) >= ttl {
			e.correlator = nil
		}
		e.m.Unlock()

		e.latch.Leave(stateDehydrated)
	}
}
