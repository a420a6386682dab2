package boltpersistence

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cadenza-io/cadenza/internal/x/bboltx"
	"github.com/cadenza-io/cadenza/persistence"
	"go.etcd.io/bbolt"
)

var (
	// instanceBucketKey is the key of the bucket that holds process
	// instances. Sub-buckets are keyed by process ID; within those, keys are
	// big-endian instance IDs and values are CBOR-encoded instance records.
	instanceBucketKey = []byte("instance")

	// idSeqBucketKey is the key of the bucket that holds the engine-wide
	// instance ID allocator.
	idSeqBucketKey = []byte("idseq")

	// routeBucketKey is the key of the bucket that holds correlation routes,
	// nested as process ID / endpoint / correlation key.
	routeBucketKey = []byte("route")

	// queuedBucketKey is the key of the bucket that holds unmatched queued
	// messages, nested by process ID and keyed by an insertion sequence so
	// that enqueue order is retained.
	queuedBucketKey = []byte("queued")

	// eventBucketKey is the key of the bucket that holds scheduled work
	// events, keyed by event ID.
	eventBucketKey = []byte("event")
)

// dataStore is an implementation of persistence.DataStore for BoltDB.
type dataStore struct {
	db   *bbolt.DB
	root []byte

	m       sync.RWMutex
	release func(string) error
}

// Persist commits a batch of operations atomically.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (err error) {
	b.MustValidate()

	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	bboltx.Update(
		ds.db,
		func(tx *bbolt.Tx) {
			c := &committer{
				root: bboltx.CreateBucketIfNotExists(tx, ds.root),
			}
			bboltx.Must(b.AcceptVisitor(ctx, c))
		},
	)

	return nil
}

// NextInstanceID allocates the next engine-wide instance ID.
func (ds *dataStore) NextInstanceID(context.Context) (_ uint64, err error) {
	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return 0, persistence.ErrDataStoreClosed
	}

	var id uint64

	bboltx.Update(
		ds.db,
		func(tx *bbolt.Tx) {
			b := bboltx.CreateBucketIfNotExists(tx, ds.root, idSeqBucketKey)

			id = unmarshalUint64(b.Get([]byte("next"))) + 1
			bboltx.Put(b, []byte("next"), marshalUint64(id))
		},
	)

	return id, nil
}

// Close closes the data store.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	r := ds.release
	ds.db = nil
	ds.release = nil

	return r(string(ds.root))
}

func marshalUint64(v uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return data
}

func unmarshalUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(data)
}
