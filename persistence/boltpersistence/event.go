package boltpersistence

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/x/bboltx"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

// LoadScheduledEvents loads every persisted work event.
func (ds *dataStore) LoadScheduledEvents(
	context.Context,
) (_ []persistence.ScheduledEvent, err error) {
	defer bboltx.Recover(&err)

	var events []persistence.ScheduledEvent

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			b := bboltx.Bucket(tx, ds.root, eventBucketKey)
			if b == nil {
				return
			}

			bboltx.Must(b.ForEach(func(_, data []byte) error {
				var ev persistence.ScheduledEvent
				if err := cbor.Unmarshal(data, &ev); err != nil {
					return err
				}

				events = append(events, ev)
				return nil
			}))
		},
	)

	return events, nil
}

// VisitSaveScheduledEvent applies the changes in a "SaveScheduledEvent"
// operation to the database.
func (c *committer) VisitSaveScheduledEvent(
	_ context.Context,
	op persistence.SaveScheduledEvent,
) error {
	data, err := cbor.Marshal(op.Event)
	bboltx.Must(err)

	bboltx.PutPath(
		c.root,
		data,
		eventBucketKey,
		[]byte(op.Event.ID),
	)

	return nil
}

// VisitRemoveScheduledEvent applies the changes in a "RemoveScheduledEvent"
// operation to the database.
func (c *committer) VisitRemoveScheduledEvent(
	_ context.Context,
	op persistence.RemoveScheduledEvent,
) error {
	bboltx.DeletePath(
		c.root,
		eventBucketKey,
		[]byte(op.Event.ID),
	)

	return nil
}
