package boltpersistence

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/x/bboltx"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

// committer is an implementation of persistence.OperationVisitor that
// applies operations to the database within a single BoltDB transaction.
type committer struct {
	root *bbolt.Bucket
}

// routeKeyBytes returns the storage key for a route's correlation key.
//
// The key is prefixed so that the zero correlation key (used by
// instance-creating selectors) still maps to a non-empty BoltDB key.
func routeKeyBytes(k string) []byte {
	return append([]byte{'k'}, k...)
}

// LoadRoutes loads all active routes owned by a process definition.
func (ds *dataStore) LoadRoutes(
	_ context.Context,
	processID string,
) (_ []persistence.Route, err error) {
	defer bboltx.Recover(&err)

	var routes []persistence.Route

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			b := bboltx.Bucket(
				tx,
				ds.root,
				routeBucketKey,
				[]byte(processID),
			)
			if b == nil {
				return
			}

			bboltx.Must(b.ForEach(func(k []byte, _ []byte) error {
				endpoint := b.Bucket(k)
				if endpoint == nil {
					return nil
				}

				return endpoint.ForEach(func(_, data []byte) error {
					var r persistence.Route
					if err := cbor.Unmarshal(data, &r); err != nil {
						return err
					}

					routes = append(routes, r)
					return nil
				})
			}))
		},
	)

	return routes, nil
}

// LoadQueuedExchanges loads all unmatched queued messages addressed to a
// process definition, in enqueue order.
func (ds *dataStore) LoadQueuedExchanges(
	_ context.Context,
	processID string,
) (_ []persistence.QueuedExchange, err error) {
	defer bboltx.Recover(&err)

	var queued []persistence.QueuedExchange

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			b := bboltx.Bucket(
				tx,
				ds.root,
				queuedBucketKey,
				[]byte(processID),
			)
			if b == nil {
				return
			}

			// Iteration is in key order; sequence keys preserve enqueue
			// order.
			bboltx.Must(b.ForEach(func(_, data []byte) error {
				var x persistence.QueuedExchange
				if err := cbor.Unmarshal(data, &x); err != nil {
					return err
				}

				queued = append(queued, x)
				return nil
			}))
		},
	)

	return queued, nil
}

// VisitSaveRoute applies the changes in a "SaveRoute" operation to the
// database.
func (c *committer) VisitSaveRoute(
	_ context.Context,
	op persistence.SaveRoute,
) error {
	path := [][]byte{
		routeBucketKey,
		[]byte(op.Route.ProcessID),
		[]byte(op.Route.PartnerLink + "." + op.Route.Operation),
		routeKeyBytes(op.Route.Key),
	}

	if bboltx.GetPath(c.root, path...) != nil {
		return persistence.ConflictError{Cause: op}
	}

	data, err := cbor.Marshal(op.Route)
	bboltx.Must(err)

	bboltx.PutPath(c.root, data, path...)

	return nil
}

// VisitRemoveRoute applies the changes in a "RemoveRoute" operation to the
// database.
//
// Removing a route that does not exist is a no-op; a timer may fire for a
// route that has already been matched.
func (c *committer) VisitRemoveRoute(
	_ context.Context,
	op persistence.RemoveRoute,
) error {
	bboltx.DeletePath(
		c.root,
		routeBucketKey,
		[]byte(op.Route.ProcessID),
		[]byte(op.Route.PartnerLink+"."+op.Route.Operation),
		routeKeyBytes(op.Route.Key),
	)

	return nil
}

// VisitSaveQueuedExchange applies the changes in a "SaveQueuedExchange"
// operation to the database.
func (c *committer) VisitSaveQueuedExchange(
	_ context.Context,
	op persistence.SaveQueuedExchange,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		queuedBucketKey,
		[]byte(op.Exchange.ProcessID),
	)

	seq, err := b.NextSequence()
	bboltx.Must(err)

	data, err := cbor.Marshal(op.Exchange)
	bboltx.Must(err)

	bboltx.Put(b, marshalUint64(seq), data)

	return nil
}

// VisitRemoveQueuedExchange applies the changes in a "RemoveQueuedExchange"
// operation to the database.
func (c *committer) VisitRemoveQueuedExchange(
	_ context.Context,
	op persistence.RemoveQueuedExchange,
) error {
	b := bboltx.Bucket(
		c.root,
		queuedBucketKey,
		[]byte(op.Exchange.ProcessID),
	)
	if b == nil {
		return nil
	}

	cur := b.Cursor()
	for k, data := cur.First(); k != nil; k, data = cur.Next() {
		var x persistence.QueuedExchange
		bboltx.Must(cbor.Unmarshal(data, &x))

		if x.ExchangeID == op.Exchange.ExchangeID {
			bboltx.Must(cur.Delete())
			return nil
		}
	}

	return nil
}
