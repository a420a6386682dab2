package boltpersistence

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/x/bboltx"
	"github.com/cadenza-io/cadenza/persistence"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

// instanceRecord is the storage representation of a process instance.
type instanceRecord struct {
	Status      string `cbor:"1,keyasint"`
	PriorStatus string `cbor:"2,keyasint,omitempty"`
	Revision    uint64 `cbor:"3,keyasint"`
	Snapshot    []byte `cbor:"4,keyasint,omitempty"`
}

// LoadProcessInstance loads a process instance.
func (ds *dataStore) LoadProcessInstance(
	_ context.Context,
	processID string,
	id uint64,
) (_ persistence.ProcessInstance, err error) {
	defer bboltx.Recover(&err)

	inst := persistence.ProcessInstance{
		ProcessID:  processID,
		InstanceID: id,
	}

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			data := bboltx.GetPath(
				tx,
				ds.root,
				instanceBucketKey,
				[]byte(processID),
				marshalUint64(id),
			)
			if data == nil {
				return
			}

			var rec instanceRecord
			bboltx.Must(cbor.Unmarshal(data, &rec))

			inst.Status = rec.Status
			inst.PriorStatus = rec.PriorStatus
			inst.Revision = rec.Revision
			inst.Snapshot = rec.Snapshot
		},
	)

	return inst, nil
}

// VisitSaveProcessInstance applies the changes in a "SaveProcessInstance"
// operation to the database.
func (c *committer) VisitSaveProcessInstance(
	_ context.Context,
	op persistence.SaveProcessInstance,
) error {
	existing := c.loadInstanceRecord(op.Instance.ProcessID, op.Instance.InstanceID)

	if op.Instance.Revision != existing.Revision {
		return persistence.ConflictError{Cause: op}
	}

	data, err := cbor.Marshal(instanceRecord{
		Status:      op.Instance.Status,
		PriorStatus: op.Instance.PriorStatus,
		Revision:    op.Instance.Revision + 1,
		Snapshot:    op.Instance.Snapshot,
	})
	bboltx.Must(err)

	bboltx.PutPath(
		c.root,
		data,
		instanceBucketKey,
		[]byte(op.Instance.ProcessID),
		marshalUint64(op.Instance.InstanceID),
	)

	return nil
}

// VisitRemoveProcessInstance applies the changes in a
// "RemoveProcessInstance" operation to the database.
func (c *committer) VisitRemoveProcessInstance(
	_ context.Context,
	op persistence.RemoveProcessInstance,
) error {
	data := bboltx.GetPath(
		c.root,
		instanceBucketKey,
		[]byte(op.Instance.ProcessID),
		marshalUint64(op.Instance.InstanceID),
	)
	if data == nil {
		return persistence.ConflictError{Cause: op}
	}

	existing := c.loadInstanceRecord(op.Instance.ProcessID, op.Instance.InstanceID)
	if op.Instance.Revision != existing.Revision {
		return persistence.ConflictError{Cause: op}
	}

	bboltx.DeletePath(
		c.root,
		instanceBucketKey,
		[]byte(op.Instance.ProcessID),
		marshalUint64(op.Instance.InstanceID),
	)

	return nil
}

// loadInstanceRecord returns the stored record for an instance, or the zero
// record if the instance has never been persisted.
func (c *committer) loadInstanceRecord(processID string, id uint64) instanceRecord {
	data := bboltx.GetPath(
		c.root,
		instanceBucketKey,
		[]byte(processID),
		marshalUint64(id),
	)
	if data == nil {
		return instanceRecord{}
	}

	var rec instanceRecord
	bboltx.Must(cbor.Unmarshal(data, &rec))

	return rec
}
