package process

import (
	"github.com/cadenza-io/cadenza/correlation"
	"github.com/cadenza-io/cadenza/runtime"
)

// OperationDecl declares one my-role operation of a process definition: an
// endpoint that inbound messages may arrive on.
type OperationDecl struct {
	// PartnerLink and Operation identify the endpoint.
	PartnerLink string
	Operation   string

	// TwoWay is true if the operation expects a reply.
	TwoWay bool

	// CreateInstance is true if a message on this operation may create a
	// new instance when no existing instance is waiting for it.
	CreateInstance bool

	// CorrelationSets names the correlation sets whose keys are computed
	// from every message arriving on this endpoint.
	CorrelationSets []string
}

// Definition is a deployed process definition.
type Definition struct {
	// ID is the definition's identity.
	ID string

	// Operations declares the my-role endpoints inbound messages may
	// arrive on.
	Operations []OperationDecl

	// CorrelationSets declares the correlation sets operations refer to.
	CorrelationSets []correlation.SetDeclaration

	// NewInterpreter constructs a fresh interpreter for one instance of
	// the definition.
	NewInterpreter func() runtime.Interpreter

	// Transient, if true, opts the definition out of durability: its
	// instances live in memory only and its work events do not survive a
	// restart.
	Transient bool
}

// FindOperation returns the declaration of the given endpoint.
func (d *Definition) FindOperation(partnerLink, operation string) (OperationDecl, bool) {
	for _, op := range d.Operations {
		if op.PartnerLink == partnerLink && op.Operation == operation {
			return op, true
		}
	}

	return OperationDecl{}, false
}

// HasPartnerLink returns true if any operation is declared on the given
// partner link, distinguishing an unknown-operation failure from an
// unknown-endpoint failure.
func (d *Definition) HasPartnerLink(partnerLink string) bool {
	for _, op := range d.Operations {
		if op.PartnerLink == partnerLink {
			return true
		}
	}

	return false
}

// SetDeclaration returns the declaration of the named correlation set.
func (d *Definition) SetDeclaration(name string) (correlation.SetDeclaration, bool) {
	for _, s := range d.CorrelationSets {
		if s.Name == name {
			return s, true
		}
	}

	return correlation.SetDeclaration{}, false
}

// ComputeKeys computes the canonical correlation keys of every set an
// operation declares, from an encoded message body.
//
// A key that can not be extracted fails the whole computation with a
// correlation.FormatError; the message is malformed, not the engine.
func (d *Definition) ComputeKeys(op OperationDecl, body []byte) ([]correlation.Key, error) {
	var keys []correlation.Key

	for _, name := range op.CorrelationSets {
		s, ok := d.SetDeclaration(name)
		if !ok {
			return nil, correlation.FormatError{
				Set:   name,
				Cause: errUndeclaredSet,
			}
		}

		k, err := correlation.ComputeKey(s, body)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, nil
}

// errUndeclaredSet is the cause reported when an operation refers to a
// correlation set the definition never declared.
var errUndeclaredSet = undeclaredSetError{}

type undeclaredSetError struct{}

func (undeclaredSetError) Error() string {
	return "correlation set is not declared by the process definition"
}
