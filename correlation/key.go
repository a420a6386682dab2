package correlation

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Key is a correlation key: an ordered tuple of message-property values
// tagged with the identity of the correlation set that declared them.
type Key struct {
	// SetName is the identity of the declaring correlation set.
	SetName string

	// Values are the extracted property values, in declaration order.
	Values []string
}

// IsZero returns true if the key carries no correlation-set identity.
//
// A zero key is used by selectors that match solely on partner link and
// operation, such as an instance-creating receive.
func (k Key) IsZero() bool {
	return k.SetName == "" && len(k.Values) == 0
}

// String returns a canonical representation of the key, suitable for use as
// a map key or persisted route identity.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}

	var w strings.Builder
	w.WriteString(k.SetName)

	for _, v := range k.Values {
		w.WriteByte('~')
		w.WriteString(v)
	}

	return w.String()
}

// SetDeclaration declares a correlation set: a named tuple of properties,
// each located within the message body by a property alias.
type SetDeclaration struct {
	// Name is the correlation set's identity.
	Name string

	// Properties locate the set's property values within a message body.
	Properties []PropertyAlias
}

// PropertyAlias locates a named property within a message body.
type PropertyAlias struct {
	// Name is the property name.
	Name string

	// Path is a dot-separated path into the decoded message body.
	Path string
}

// FormatError indicates that a correlation property could not be extracted
// from a message body.
//
// It classifies the message as malformed; it is never an engine error and
// must not roll back any ambient transaction.
type FormatError struct {
	Set      string
	Property string
	Cause    error
}

func (e FormatError) Error() string {
	return fmt.Sprintf(
		"cannot extract property %q for correlation set %q: %s",
		e.Property,
		e.Set,
		e.Cause,
	)
}

// ComputeKey extracts the correlation key declared by s from an encoded
// message body.
//
// If any property cannot be extracted the whole computation fails with a
// FormatError.
func ComputeKey(s SetDeclaration, body []byte) (Key, error) {
	var doc map[string]interface{}
	if err := cbor.Unmarshal(body, &doc); err != nil {
		return Key{}, FormatError{
			Set:   s.Name,
			Cause: err,
		}
	}

	k := Key{SetName: s.Name}

	for _, p := range s.Properties {
		v, err := lookupPath(doc, p.Path)
		if err != nil {
			return Key{}, FormatError{
				Set:      s.Name,
				Property: p.Name,
				Cause:    err,
			}
		}

		k.Values = append(k.Values, v)
	}

	return k, nil
}

// lookupPath resolves a dot-separated path against a decoded message body.
func lookupPath(doc map[string]interface{}, path string) (string, error) {
	var node interface{} = doc

	for _, seg := range strings.Split(path, ".") {
		child, ok := lookupSegment(node, seg)
		if !ok {
			return "", fmt.Errorf("%q is not present", seg)
		}

		node = child
	}

	switch v := node.(type) {
	case string:
		return v, nil
	case uint64, int64, int, float64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("value at path is not a scalar (%T)", node)
	}
}

// lookupSegment descends one path segment. The CBOR decoder produces
// map[interface{}]interface{} for nested maps, so both map shapes must be
// handled.
func lookupSegment(node interface{}, seg string) (interface{}, bool) {
	switch m := node.(type) {
	case map[string]interface{}:
		v, ok := m[seg]
		return v, ok
	case map[interface{}]interface{}:
		v, ok := m[seg]
		return v, ok
	default:
		return nil, false
	}
}
