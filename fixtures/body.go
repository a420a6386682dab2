package fixtures

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Body encodes a message body document.
func Body(doc map[string]interface{}) []byte {
	data, err := cbor.Marshal(doc)
	if err != nil {
		panic(err)
	}

	return data
}

// Field extracts a top-level scalar field from an encoded message body. It
// panics if the body cannot be decoded or the field is absent, which always
// indicates a broken test.
func Field(body []byte, name string) string {
	var doc map[string]interface{}
	if err := cbor.Unmarshal(body, &doc); err != nil {
		panic(err)
	}

	v, ok := doc[name]
	if !ok {
		panic(fmt.Sprintf("body has no %q field", name))
	}

	return fmt.Sprint(v)
}
