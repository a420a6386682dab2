package mex

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the routing status of an inbound message exchange.
type Status int

const (
	// StatusReceived is the initial status of an exchange that has not yet
	// been routed.
	StatusReceived Status = iota

	// StatusMatched means the exchange was routed to an existing instance.
	StatusMatched

	// StatusCreatedInstance means the exchange caused a new instance to be
	// created.
	StatusCreatedInstance

	// StatusQueued means no instance was listening and the exchange was
	// retained for later replay.
	StatusQueued

	// StatusCompleted means a reply has been sent (two-way), or the exchange
	// was consumed (one-way).
	StatusCompleted

	// StatusFailed means the exchange was rejected with a failure.
	StatusFailed
)

// FailureType classifies why an exchange failed.
//
// Failures are always scoped to the single exchange; they never indicate an
// engine-wide problem.
type FailureType int

const (
	// FailureNone means the exchange has not failed.
	FailureNone FailureType = iota

	// FailureUnknownEndpoint means no process definition provides the
	// exchange's partner link.
	FailureUnknownEndpoint

	// FailureUnknownOperation means the partner link does not define the
	// exchange's operation.
	FailureUnknownOperation

	// FailureFormatError means correlation properties could not be extracted
	// from the message body.
	FailureFormatError

	// FailureNoMatch means no instance was listening and the exchange could
	// not be queued.
	FailureNoMatch

	// FailureConflict means the exchange conflicted with another exchange
	// that is already outstanding.
	FailureConflict

	// FailureNoResponse means the owning instance completed without replying.
	FailureNoResponse
)

func (t FailureType) String() string {
	switch t {
	case FailureNone:
		return "none"
	case FailureUnknownEndpoint:
		return "unknown endpoint"
	case FailureUnknownOperation:
		return "unknown operation"
	case FailureFormatError:
		return "format error"
	case FailureNoMatch:
		return "no match"
	case FailureConflict:
		return "conflict"
	case FailureNoResponse:
		return "no response"
	default:
		return "unknown"
	}
}

// ErrNotFinalized is returned when querying the result of an exchange that
// has not completed or failed yet.
var ErrNotFinalized = errors.New("message exchange is not finalized")

// Exchange is an inbound "my role" message exchange.
//
// The immutable fields identify the message and its target operation. The
// mutable routing status and reply are guarded internally; an Exchange may
// be shared between the delivering goroutine and the instance worker.
type Exchange struct {
	// ID uniquely identifies the exchange.
	ID string

	// PartnerLink is the name of the partner link the message arrived on.
	PartnerLink string

	// Operation is the name of the invoked operation.
	Operation string

	// TwoWay is true if the operation expects a reply.
	TwoWay bool

	// Body is the encoded message body.
	Body []byte

	// CreatedAt is the time at which the exchange was accepted.
	CreatedAt time.Time

	m           sync.Mutex
	status      Status
	failure     FailureType
	failureMsg  string
	reply       []byte
	done        chan struct{}
	finalizedAt time.Time
}

// New returns a new exchange for an inbound message.
func New(partnerLink, operation string, twoWay bool, body []byte) *Exchange {
	return &Exchange{
		ID:          uuid.NewString(),
		PartnerLink: partnerLink,
		Operation:   operation,
		TwoWay:      twoWay,
		Body:        body,
		CreatedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// Status returns the exchange's current routing status.
func (x *Exchange) Status() Status {
	x.m.Lock()
	defer x.m.Unlock()

	return x.status
}

// SetStatus records the routing outcome for the exchange.
//
// It panics if the exchange is already finalized.
func (x *Exchange) SetStatus(s Status) {
	x.m.Lock()
	defer x.m.Unlock()

	if x.isFinalized() {
		panic("message exchange is already finalized")
	}

	x.status = s
}

// Reply finalizes a two-way exchange with a reply body, unblocking any
// goroutine waiting on Done().
func (x *Exchange) Reply(body []byte) {
	x.m.Lock()
	defer x.m.Unlock()

	if x.isFinalized() {
		return
	}

	x.reply = body
	x.finalize(StatusCompleted)
}

// Fail finalizes the exchange with a classified failure.
//
// Failing an already-finalized exchange is a no-op; the first outcome wins.
func (x *Exchange) Fail(t FailureType, msg string) {
	x.m.Lock()
	defer x.m.Unlock()

	if x.isFinalized() {
		return
	}

	x.failure = t
	x.failureMsg = msg
	x.finalize(StatusFailed)
}

// Complete finalizes a one-way exchange.
func (x *Exchange) Complete() {
	x.m.Lock()
	defer x.m.Unlock()

	if x.isFinalized() {
		return
	}

	x.finalize(StatusCompleted)
}

// Done returns a channel that is closed when the exchange is finalized.
func (x *Exchange) Done() <-chan struct{} {
	return x.done
}

// Result returns the reply body and failure classification.
//
// It returns ErrNotFinalized if the exchange is still in flight.
func (x *Exchange) Result() ([]byte, FailureType, string, error) {
	x.m.Lock()
	defer x.m.Unlock()

	if !x.isFinalized() {
		return nil, FailureNone, "", ErrNotFinalized
	}

	return x.reply, x.failure, x.failureMsg, nil
}

func (x *Exchange) isFinalized() bool {
	return x.status == StatusCompleted || x.status == StatusFailed
}

func (x *Exchange) finalize(s Status) {
	x.status = s
	x.finalizedAt = time.Now()
	close(x.done)
}
