package runtime

import (
	"context"
	"time"
)

// Interpreter is the opaque process-interpretation engine that executes a
// process definition's body. The activity semantics live entirely behind
// this interface; the engine drives it through a bounded reduction loop and
// owns its snapshot lifecycle.
//
// An interpreter is single-threaded: it is only ever touched while holding
// its instance's logical thread of control.
type Interpreter interface {
	// Restore primes the interpreter from a previously captured snapshot.
	// An empty snapshot indicates a freshly created instance.
	Restore(snapshot []byte) error

	// Snapshot captures the interpreter's execution state so it can be
	// persisted and later restored.
	Snapshot() ([]byte, error)

	// Deliver injects an external stimulus: the message or timer a selector
	// was waiting for, the message that created the instance, or a partner
	// invocation response.
	Deliver(d Delivery) error

	// Step performs a single reduction. It returns true if an immediate
	// further reduction is possible, or false if the interpreter is blocked
	// awaiting external stimulus or has completed.
	Step(ctx context.Context, rc Context) (bool, error)
}

// Delivery is an external stimulus injected into an interpreter.
type Delivery struct {
	// ChannelID identifies the selector being satisfied, if any. It is
	// empty for the message that creates an instance.
	ChannelID string

	// Index is which of the selector's alternatives matched.
	Index int

	// Timeout is true if the selector's timeout elapsed instead of a
	// message arriving. No other field below is meaningful.
	Timeout bool

	// ExchangeID identifies the delivered message's exchange.
	ExchangeID string

	// Body is the delivered message body.
	Body []byte
}

// Selector describes one alternative of a blocking receive: an endpoint,
// and the correlation set (if any) whose key must match.
type Selector struct {
	// PartnerLink and Operation identify the receiving endpoint.
	PartnerLink string
	Operation   string

	// CorrelationSet names the correlation set whose current key routes
	// messages to this selector. It is empty for an uncorrelated receive.
	CorrelationSet string

	// TwoWay is true if the operation expects a reply, opening an
	// outstanding request when a message arrives.
	TwoWay bool
}

// Context is the interpreter's view of the engine, offered to every
// reduction step.
type Context interface {
	// InstanceID returns the identity of the executing instance.
	InstanceID() uint64

	// CorrelationKey returns the current canonical value of a correlation
	// set, or false if the set has not been initialized.
	CorrelationKey(set string) (string, bool)

	// InitCorrelation records the property values of a correlation set,
	// fixing the identity future selectors match on. Values are given in
	// the set's declaration order. Initializing an already initialized set
	// is an error.
	InitCorrelation(set string, values ...string) error

	// Select blocks the instance on a group of alternative receives,
	// optionally bounded by a timeout. It returns the channel on which the
	// eventual stimulus will be delivered.
	//
	// Registering a selector whose endpoint and key are already claimed by
	// another waiting activity of the same process fails with a conflict.
	Select(timeout time.Duration, selectors ...Selector) (string, error)

	// Cancel withdraws a selector group registered by an earlier Select,
	// before any of its alternatives has matched. Cancelling a channel whose
	// routes have already been consumed, or that Select never returned, is
	// an error.
	Cancel(channelID string) error

	// Reply sends the response of a previously received two-way operation.
	Reply(partnerLink, operation string, body []byte) error

	// Completed marks the instance as having reached its terminal state.
	// The interpreter must return false from the enclosing Step call.
	Completed(fault bool)
}
