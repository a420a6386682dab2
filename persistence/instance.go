package persistence

import (
	"context"
	"strconv"
)

// ProcessInstance contains the persisted state of a process instance.
type ProcessInstance struct {
	// ProcessID is the identity of the process definition.
	ProcessID string

	// InstanceID is the engine-wide unique instance ID.
	InstanceID uint64

	// Status is the instance's lifecycle status.
	Status string

	// PriorStatus is the status a suspended instance returns to on resume.
	// It is empty unless Status indicates suspension.
	PriorStatus string

	// Revision is the instance's current version, used to enforce optimistic
	// concurrency control. It is zero if the instance has never been
	// persisted.
	Revision uint64

	// Snapshot is the opaque serialized execution state. It increases in
	// interpretation only with Revision; a cached deserialized snapshot is
	// valid only while its revision matches.
	Snapshot []byte
}

// InstanceRepository is an interface for reading process instance state.
type InstanceRepository interface {
	// LoadProcessInstance loads a process instance.
	//
	// If the instance does not exist it returns an instance with a zero
	// revision.
	LoadProcessInstance(
		ctx context.Context,
		processID string,
		id uint64,
	) (ProcessInstance, error)

	// NextInstanceID allocates the next engine-wide instance ID.
	//
	// IDs are strictly monotonic across the lifetime of the data store.
	NextInstanceID(ctx context.Context) (uint64, error)
}

// SaveProcessInstance is an Operation that creates or updates a process
// instance.
type SaveProcessInstance struct {
	// Instance is the instance to persist.
	//
	// Instance.Revision must be the revision of the instance as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Instance ProcessInstance
}

// AcceptVisitor calls v.VisitSaveProcessInstance().
func (op SaveProcessInstance) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveProcessInstance(ctx, op)
}

func (op SaveProcessInstance) entityKey() entityKey {
	return entityKey{
		"instance",
		op.Instance.ProcessID,
		strconv.FormatUint(op.Instance.InstanceID, 10),
	}
}

// RemoveProcessInstance is an Operation that removes a process instance.
type RemoveProcessInstance struct {
	// Instance is the instance to remove.
	//
	// Instance.Revision must be the revision of the instance as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Instance ProcessInstance
}

// AcceptVisitor calls v.VisitRemoveProcessInstance().
func (op RemoveProcessInstance) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveProcessInstance(ctx, op)
}

func (op RemoveProcessInstance) entityKey() entityKey {
	return entityKey{
		"instance",
		op.Instance.ProcessID,
		strconv.FormatUint(op.Instance.InstanceID, 10),
	}
}
