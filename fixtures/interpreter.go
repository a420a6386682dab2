package fixtures

import (
	"context"
	"time"

	"github.com/cadenza-io/cadenza/runtime"
	"github.com/fxamacker/cbor/v2"
)

// Step is one scripted reduction of an Interpreter.
type Step func(rc runtime.Context, in *Interpreter) error

// Interpreter is a scripted implementation of runtime.Interpreter used for
// testing the engine.
//
// Its program is a fixed sequence of steps; only the program counter and the
// last delivery are carried in the snapshot, so the same program must be
// supplied to every interpreter of a definition.
type Interpreter struct {
	// Program is the scripted body. It must be identical across all
	// interpreters created for the same process definition.
	Program []Step

	pc       int
	waiting  bool
	channel  string
	done     bool
	delivery runtime.Delivery
}

// interpreterState is the Interpreter's snapshot representation.
type interpreterState struct {
	PC       int              `cbor:"1,keyasint"`
	Waiting  bool             `cbor:"2,keyasint,omitempty"`
	Channel  string           `cbor:"3,keyasint,omitempty"`
	Done     bool             `cbor:"4,keyasint,omitempty"`
	Delivery runtime.Delivery `cbor:"5,keyasint"`
}

// Restore primes the interpreter from a snapshot.
func (in *Interpreter) Restore(snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil
	}

	var s interpreterState
	if err := cbor.Unmarshal(snapshot, &s); err != nil {
		return err
	}

	in.pc = s.PC
	in.waiting = s.Waiting
	in.channel = s.Channel
	in.done = s.Done
	in.delivery = s.Delivery

	return nil
}

// Snapshot captures the interpreter's execution state.
func (in *Interpreter) Snapshot() ([]byte, error) {
	return cbor.Marshal(interpreterState{
		PC:       in.pc,
		Waiting:  in.waiting,
		Channel:  in.channel,
		Done:     in.done,
		Delivery: in.delivery,
	})
}

// Deliver injects an external stimulus, unblocking a waiting selector if
// the stimulus is addressed to it.
func (in *Interpreter) Deliver(d runtime.Delivery) error {
	in.delivery = d

	if in.waiting && d.ChannelID == in.channel {
		in.waiting = false
	}

	return nil
}

// Step performs a single scripted reduction.
func (in *Interpreter) Step(ctx context.Context, rc runtime.Context) (bool, error) {
	if in.waiting || in.done {
		return false, nil
	}

	if in.pc >= len(in.Program) {
		// Falling off the end of the program completes normally.
		rc.Completed(false)
		in.done = true
		return false, nil
	}

	step := in.Program[in.pc]
	in.pc++

	if err := step(rc, in); err != nil {
		return false, err
	}

	return !in.waiting && !in.done, nil
}

// Delivery returns the most recent stimulus.
func (in *Interpreter) Delivery() runtime.Delivery {
	return in.delivery
}

// Await blocks the program until a stimulus arrives on the given channel.
func (in *Interpreter) Await(channelID string) {
	in.channel = channelID
	in.waiting = true
}

// Finish marks the program as terminated; no further steps run.
func (in *Interpreter) Finish() {
	in.done = true
}

// Recv returns a step that blocks the instance on the given selectors.
func Recv(timeout time.Duration, selectors ...runtime.Selector) Step {
	return func(rc runtime.Context, in *Interpreter) error {
		ch, err := rc.Select(timeout, selectors...)
		if err != nil {
			return err
		}

		in.Await(ch)

		return nil
	}
}

// Init returns a step that initializes a correlation set, deriving the
// property values from the delivery that most recently reached the
// instance.
func Init(set string, values func(d runtime.Delivery) []string) Step {
	return func(rc runtime.Context, in *Interpreter) error {
		return rc.InitCorrelation(set, values(in.delivery)...)
	}
}

// Reply returns a step that sends the response of an open two-way request.
func Reply(partnerLink, operation string, body func(d runtime.Delivery) []byte) Step {
	return func(rc runtime.Context, in *Interpreter) error {
		return rc.Reply(partnerLink, operation, body(in.delivery))
	}
}

// Complete returns a step that moves the instance to a terminal state.
func Complete(fault bool) Step {
	return func(rc runtime.Context, in *Interpreter) error {
		rc.Completed(fault)
		in.Finish()
		return nil
	}
}

// Busy returns a step that holds the logical thread of control for d,
// simulating a long synchronous chain of activities.
func Busy(d time.Duration) Step {
	return func(runtime.Context, *Interpreter) error {
		time.Sleep(d)
		return nil
	}
}

// Do returns a step that runs an arbitrary function.
func Do(fn func(rc runtime.Context, in *Interpreter) error) Step {
	return fn
}
