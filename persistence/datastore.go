package persistence

import "context"

// DataStore is an interface used by the engine to persist and retrieve its
// state.
type DataStore interface {
	InstanceRepository
	RouteRepository
	EventRepository
	Persister

	// Close closes the data store.
	//
	// Closing a data-store prevents any further writes. Specifically,
	// Persist() returns ErrDataStoreClosed once the data-store has been
	// closed. The behavior of read operations on a closed data-store is
	// implementation-defined.
	Close() error
}

// Provider is an interface for opening data stores.
type Provider interface {
	// Open returns the data store identified by k, creating it if it does
	// not exist.
	Open(ctx context.Context, k string) (DataStore, error)
}
