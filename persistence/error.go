package persistence

import (
	"errors"
	"fmt"
)

// ErrDataStoreClosed is returned when performing any persistence operation
// on a closed data-store.
var ErrDataStoreClosed = errors.New("data store is closed")

// ErrDataStoreLocked is returned by Provider.Open() when the data-store is
// already open for exclusive use elsewhere.
var ErrDataStoreLocked = errors.New("data store is locked for exclusive use")

// ConflictError is an error indicating one or more operations within a batch
// caused an optimistic concurrency conflict.
type ConflictError struct {
	// Cause is the operation that caused the conflict.
	Cause Operation
}

func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"optimistic concurrency conflict in %T operation",
		e.Cause,
	)
}

// UnknownInstanceError indicates that a process instance referenced by ID
// does not exist.
type UnknownInstanceError struct {
	ProcessID  string
	InstanceID uint64
}

func (e UnknownInstanceError) Error() string {
	return fmt.Sprintf(
		"process instance %s#%d does not exist",
		e.ProcessID,
		e.InstanceID,
	)
}
