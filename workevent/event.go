package workevent

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type enumerates the kinds of work event an instance can receive.
type Type int

const (
	// Deliver indicates that a matched inbound message must be delivered to
	// a waiting selector of an existing instance.
	Deliver Type = iota

	// Timer indicates that a timer registered by a selector has elapsed.
	Timer

	// Matcher prompts an instance to re-check the unmatched message queue
	// after registering new routes.
	Matcher

	// Resume prompts an instance to continue executing. It is scheduled when
	// an execution is interrupted, either by exceeding its wall-clock budget
	// or by an administrative resume.
	Resume

	// Response indicates that a response to an outbound partner invocation
	// has arrived.
	Response
)

// String returns a short name for the event type, used in log output.
func (t Type) String() string {
	switch t {
	case Deliver:
		return "deliver"
	case Timer:
		return "timer"
	case Matcher:
		return "matcher"
	case Resume:
		return "resume"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("workevent.Type(%d)", int(t))
	}
}

// Event is a unit of work addressed to a specific process instance. Events
// are persisted by the scheduler and are delivered at least once; handlers
// must tolerate redelivery.
type Event struct {
	// ID uniquely identifies the event, and is the identity under which the
	// scheduler persists it.
	ID string `cbor:"1,keyasint"`

	// Type discriminates how the event is handled.
	Type Type `cbor:"2,keyasint"`

	// ProcessID and InstanceID address the target instance.
	ProcessID  string `cbor:"3,keyasint"`
	InstanceID uint64 `cbor:"4,keyasint"`

	// RouteID and Index identify which selector alternative the event
	// satisfies, for Deliver and Timer events.
	RouteID string `cbor:"5,keyasint,omitempty"`
	Index   int    `cbor:"6,keyasint,omitempty"`

	// ExchangeID is the message exchange being delivered or responded to.
	ExchangeID string `cbor:"7,keyasint,omitempty"`

	// At is the time at which the event becomes due. For most events it is
	// the time of scheduling; for Timer events it is the deadline.
	At time.Time `cbor:"8,keyasint"`

	// PartnerLink and Operation identify the endpoint a Deliver event's
	// message arrived on.
	PartnerLink string `cbor:"9,keyasint,omitempty"`
	Operation   string `cbor:"10,keyasint,omitempty"`

	// Key is the canonical correlation key the message matched on, if any.
	Key string `cbor:"11,keyasint,omitempty"`

	// TwoWay is true if the delivered message expects a reply.
	TwoWay bool `cbor:"12,keyasint,omitempty"`

	// Body is the encoded message body of a Deliver event, embedded so the
	// delivery survives a restart even though the live exchange does not.
	Body []byte `cbor:"13,keyasint,omitempty"`
}

// event is Event without its marshaling methods, so the CBOR encoder does
// not recurse back into them.
type event Event

// MarshalBinary encodes the event for persistence.
func (ev Event) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(event(ev))
}

// UnmarshalBinary decodes an event produced by MarshalBinary().
func (ev *Event) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, (*event)(ev))
}

// MustMarshal encodes the event for persistence, or panics if it can not be
// encoded.
func MustMarshal(ev Event) []byte {
	data, err := ev.MarshalBinary()
	if err != nil {
		panic(err)
	}

	return data
}
