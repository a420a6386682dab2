package correlation_test

import (
	. "github.com/cadenza-io/cadenza/correlation"
	"github.com/fxamacker/cbor/v2"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// encode builds a CBOR message body from a document.
func encode(doc map[string]interface{}) []byte {
	data, err := cbor.Marshal(doc)
	Expect(err).ShouldNot(HaveOccurred())
	return data
}

var _ = Describe("type Key", func() {
	Describe("func String()", func() {
		It("joins the set name and values canonically", func() {
			k := Key{
				SetName: "order",
				Values:  []string{"7", "widgets"},
			}

			Expect(k.String()).To(Equal("order~7~widgets"))
		})

		It("returns an empty string for the zero key", func() {
			Expect(Key{}.String()).To(Equal(""))
		})
	})

	Describe("func IsZero()", func() {
		It("reports only the zero key as zero", func() {
			Expect(Key{}.IsZero()).To(BeTrue())
			Expect(Key{SetName: "order"}.IsZero()).To(BeFalse())
		})
	})
})

var _ = Describe("func ComputeKey()", func() {
	decl := SetDeclaration{
		Name: "order",
		Properties: []PropertyAlias{
			{Name: "orderId", Path: "order.id"},
		},
	}

	It("extracts property values by path", func() {
		body := encode(map[string]interface{}{
			"order": map[string]interface{}{
				"id": "7",
			},
		})

		k, err := ComputeKey(decl, body)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(k).To(Equal(Key{
			SetName: "order",
			Values:  []string{"7"},
		}))
	})

	It("stringifies numeric property values", func() {
		body := encode(map[string]interface{}{
			"order": map[string]interface{}{
				"id": 9,
			},
		})

		k, err := ComputeKey(decl, body)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(k.Values).To(Equal([]string{"9"}))
	})

	It("returns a FormatError if a property is absent", func() {
		body := encode(map[string]interface{}{
			"order": map[string]interface{}{},
		})

		_, err := ComputeKey(decl, body)
		Expect(err).To(BeAssignableToTypeOf(FormatError{}))
		Expect(err.(FormatError).Property).To(Equal("orderId"))
	})

	It("returns a FormatError if the body is not a CBOR document", func() {
		_, err := ComputeKey(decl, []byte("\xff\xff"))
		Expect(err).To(BeAssignableToTypeOf(FormatError{}))
	})

	It("returns a FormatError if the value is not a scalar", func() {
		body := encode(map[string]interface{}{
			"order": map[string]interface{}{
				"id": map[string]interface{}{"nested": "x"},
			},
		})

		_, err := ComputeKey(decl, body)
		Expect(err).To(BeAssignableToTypeOf(FormatError{}))
	})
})
