package mex_test

import (
	. "github.com/cadenza-io/cadenza/mex"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Exchange", func() {
	var exchange *Exchange

	BeforeEach(func() {
		exchange = New("purchasing", "submit", true, []byte("<body>"))
	})

	It("starts in the received status", func() {
		Expect(exchange.Status()).To(Equal(StatusReceived))
		Expect(exchange.ID).NotTo(BeEmpty())
	})

	It("is not done before it is finalized", func() {
		Expect(exchange.Done()).NotTo(BeClosed())

		_, _, _, err := exchange.Result()
		Expect(err).To(Equal(ErrNotFinalized))
	})

	Describe("func SetStatus()", func() {
		It("records the routing outcome", func() {
			exchange.SetStatus(StatusQueued)
			Expect(exchange.Status()).To(Equal(StatusQueued))
		})

		It("panics if the exchange is finalized", func() {
			exchange.Complete()

			Expect(func() {
				exchange.SetStatus(StatusMatched)
			}).To(Panic())
		})
	})

	Describe("func Reply()", func() {
		It("finalizes the exchange with the reply body", func() {
			exchange.Reply([]byte("<reply>"))

			Expect(exchange.Done()).To(BeClosed())

			body, failure, _, err := exchange.Result()
			Expect(err).ShouldNot(HaveOccurred())
			Expect(failure).To(Equal(FailureNone))
			Expect(body).To(Equal([]byte("<reply>")))
		})
	})

	Describe("func Fail()", func() {
		It("finalizes the exchange with a classified failure", func() {
			exchange.Fail(FailureNoResponse, "<reason>")

			Expect(exchange.Done()).To(BeClosed())

			_, failure, msg, err := exchange.Result()
			Expect(err).ShouldNot(HaveOccurred())
			Expect(failure).To(Equal(FailureNoResponse))
			Expect(msg).To(Equal("<reason>"))
		})
	})

	It("keeps the first outcome when finalized twice", func() {
		exchange.Reply([]byte("<reply>"))
		exchange.Fail(FailureConflict, "<ignored>")

		body, failure, _, err := exchange.Result()
		Expect(err).ShouldNot(HaveOccurred())
		Expect(failure).To(Equal(FailureNone))
		Expect(body).To(Equal([]byte("<reply>")))
	})
})
