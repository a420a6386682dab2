package process

import "fmt"

// Status is the lifecycle state of a process instance.
//
// Suspension is an overlay: a suspended instance remembers the status it had
// before suspension and returns to it on resume. The overlay is recorded in
// the persisted instance as (Status: Suspended, PriorStatus: <prior>).
type Status string

const (
	// New indicates an instance that has been created but has not yet begun
	// executing.
	New Status = "new"

	// Ready indicates an instance that has registered its first selector
	// and is waiting for input.
	Ready Status = "ready"

	// Active indicates an instance that has begun executing its body.
	Active Status = "active"

	// Suspended indicates an instance that is administratively paused. The
	// prior status is retained so the instance can resume where it was.
	Suspended Status = "suspended"

	// CompletedOK indicates an instance that ran to completion.
	CompletedOK Status = "completed-ok"

	// CompletedFault indicates an instance that completed with a fault.
	CompletedFault Status = "completed-fault"

	// Terminated indicates an instance that was administratively killed.
	Terminated Status = "terminated"
)

// IsTerminal returns true if no further execution is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case CompletedOK, CompletedFault, Terminated:
		return true
	default:
		return false
	}
}

// CanExecute returns true if work events may drive the instance's
// interpreter in this status.
func (s Status) CanExecute() bool {
	switch s {
	case New, Ready, Active:
		return true
	default:
		return false
	}
}

// ValidTransition returns true if the instance may move from one status
// directly to another.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}

	switch {
	case from.IsTerminal():
		return false
	case to == Suspended:
		return true
	case from == Suspended:
		// Resuming restores the prior status; terminating is also allowed.
		return to == Terminated || to.CanExecute()
	case from == New:
		return to == Ready || to == Active || to.IsTerminal()
	case from == Ready:
		return to == Active || to.IsTerminal()
	case from == Active:
		return to.IsTerminal()
	default:
		return false
	}
}

// InvalidTransitionError indicates an attempt to move an instance between
// two statuses with no permitted edge.
type InvalidTransitionError struct {
	From, To Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition instance from %s to %s",
		e.From,
		e.To,
	)
}
