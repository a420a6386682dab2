package mex_test

import (
	"context"
	"time"

	. "github.com/cadenza-io/cadenza/mex"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Registry", func() {
	var registry *Registry

	BeforeEach(func() {
		registry = &Registry{}
	})

	Describe("func Add() and Get()", func() {
		It("stores exchanges by ID", func() {
			x := New("purchasing", "submit", true, nil)
			registry.Add(x)

			got, ok := registry.Get(x.ID)
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(x))
		})

		It("returns false for an unknown ID", func() {
			_, ok := registry.Get("<unknown>")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("func Remove()", func() {
		It("discards the exchange", func() {
			x := New("purchasing", "submit", true, nil)
			registry.Add(x)
			registry.Remove(x.ID)

			_, ok := registry.Get(x.ID)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("func Run()", func() {
		It("sweeps exchanges that have been finalized for the retention period", func() {
			registry.Retention = 5 * time.Millisecond

			finalized := New("purchasing", "submit", true, nil)
			finalized.Complete()
			registry.Add(finalized)

			open := New("purchasing", "submit", true, nil)
			registry.Add(open)

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			go registry.Run(ctx)

			Eventually(func() bool {
				_, ok := registry.Get(finalized.ID)
				return ok
			}).Should(BeFalse())

			_, ok := registry.Get(open.ID)
			Expect(ok).To(BeTrue())
		})

		It("returns when the context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Expect(registry.Run(ctx)).To(Equal(context.Canceled))
		})
	})
})
