package mex

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
)

// DefaultRetention is the default *minimum* period of time to keep finalized
// exchanges in the registry.
const DefaultRetention = 5 * time.Minute

// Registry is an id-keyed arena of in-flight message exchanges.
//
// It allows exchange handles to be reconstituted from persisted work events
// by ID, and sweeps finalized exchanges on a fixed cycle rather than
// relying on garbage-collector semantics.
type Registry struct {
	// Retention is the *minimum* period of time to keep a finalized exchange
	// before it is swept. If it is non-positive, DefaultRetention is used.
	Retention time.Duration

	m         sync.Mutex
	exchanges map[string]*Exchange
}

// Add registers an exchange.
func (r *Registry) Add(x *Exchange) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.exchanges == nil {
		r.exchanges = map[string]*Exchange{}
	}

	r.exchanges[x.ID] = x
}

// Get returns the exchange with the given ID, if it is still registered.
func (r *Registry) Get(id string) (*Exchange, bool) {
	r.m.Lock()
	defer r.m.Unlock()

	x, ok := r.exchanges[id]
	return x, ok
}

// Remove discards the exchange with the given ID.
func (r *Registry) Remove(id string) {
	r.m.Lock()
	defer r.m.Unlock()

	delete(r.exchanges, id)
}

// Run sweeps finalized exchanges from the registry until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	for {
		if err := linger.Sleep(ctx, r.Retention, DefaultRetention); err != nil {
			return err
		}

		r.sweep()
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(
		-linger.MustCoalesce(r.Retention, DefaultRetention),
	)

	r.m.Lock()
	defer r.m.Unlock()

	for id, x := range r.exchanges {
		x.m.Lock()
		expired := x.isFinalized() && x.finalizedAt.Before(cutoff)
		x.m.Unlock()

		if expired {
			delete(r.exchanges, id)
		}
	}
}
