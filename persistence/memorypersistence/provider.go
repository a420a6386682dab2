package memorypersistence

import (
	"context"
	"sync"

	"github.com/cadenza-io/cadenza/persistence"
)

// Provider is an implementation of persistence.Provider that stores
// everything in memory.
//
// It is used for transient process deployments and for testing.
type Provider struct {
	m      sync.Mutex
	stores map[string]*dataStore
}

// Open returns the data store identified by k, creating it if it does not
// exist.
//
// Opening the same key twice returns the same store, so a "reopened" memory
// store retains its contents for the lifetime of the provider.
func (p *Provider) Open(ctx context.Context, k string) (persistence.DataStore, error) {
	p.m.Lock()
	defer p.m.Unlock()

	if ds, ok := p.stores[k]; ok {
		ds.reopen()
		return ds, nil
	}

	if p.stores == nil {
		p.stores = map[string]*dataStore{}
	}

	ds := newDataStore()
	p.stores[k] = ds

	return ds, nil
}
