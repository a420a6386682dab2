package process_test

import (
	"context"
	"time"

	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/persistence/memorypersistence"
	. "github.com/cadenza-io/cadenza/process"
	"github.com/dogmatiq/dodeca/logging"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Registry", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dataStore persistence.DataStore
		registry  *Registry
	)

	def := &Definition{
		ID: "order-process",
		Operations: []OperationDecl{
			{
				PartnerLink:    "purchasing",
				Operation:      "submit",
				CreateInstance: true,
			},
		},
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)

		provider := &memorypersistence.Provider{}

		var err error
		dataStore, err = provider.Open(ctx, "<store>")
		Expect(err).ShouldNot(HaveOccurred())

		registry = &Registry{
			DataStore: dataStore,
		}
	})

	AfterEach(func() {
		cancel()
	})

	Describe("func Deploy()", func() {
		It("makes the definition acquirable", func() {
			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())

			h, release, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			defer release()

			Expect(h.Definition).To(BeIdenticalTo(def))
			Expect(h.Correlator).NotTo(BeNil())
		})

		It("rejects a duplicate deployment", func() {
			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())
			Expect(registry.Deploy(def)).To(HaveOccurred())
		})
	})

	Describe("func Undeploy()", func() {
		It("makes the definition unknown", func() {
			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())
			Expect(registry.Undeploy("order-process")).ShouldNot(HaveOccurred())

			_, _, err := registry.Acquire(ctx, "order-process")
			Expect(err).To(Equal(UnknownProcessError{ProcessID: "order-process"}))
		})

		It("fails for an unknown definition", func() {
			Expect(registry.Undeploy("<unknown>")).To(HaveOccurred())
		})
	})

	Describe("func Retire()", func() {
		It("is reflected in the hydrated state", func() {
			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())
			Expect(registry.Retire("order-process")).ShouldNot(HaveOccurred())

			h, release, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			defer release()

			Expect(h.Retired).To(BeTrue())
		})
	})

	Describe("func Acquire()", func() {
		BeforeEach(func() {
			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())
		})

		It("fails for an unknown definition", func() {
			_, _, err := registry.Acquire(ctx, "<unknown>")
			Expect(err).To(Equal(UnknownProcessError{ProcessID: "<unknown>"}))
		})

		It("hydrates persisted routes on first use", func() {
			err := dataStore.Persist(ctx, persistence.Batch{
				persistence.SaveRoute{
					Route: persistence.Route{
						ProcessID:   "order-process",
						PartnerLink: "purchasing",
						Operation:   "submit",
						Key:         "order~7",
						RouteID:     "g1",
						InstanceID:  1,
					},
				},
			})
			Expect(err).ShouldNot(HaveOccurred())

			h, release, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			defer release()

			_, ok := h.Correlator.FindRoute("purchasing", "submit", []string{"order~7"})
			Expect(ok).To(BeTrue())
		})

		It("logs the hydration transition", func() {
			logger := &logging.BufferedLogger{
				CaptureDebug: true,
			}
			registry.Logger = logger

			_, release, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			release()

			var messages []string
			for _, m := range logger.Messages() {
				messages = append(messages, m.Message)
			}

			Expect(messages).To(ContainElement(
				"process order-process is now hydrated",
			))
		})

		It("shares the correlator between concurrent acquirers", func() {
			h1, release1, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			defer release1()

			h2, release2, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			defer release2()

			Expect(h1.Correlator).To(BeIdenticalTo(h2.Correlator))
		})
	})

	Describe("func Run()", func() {
		It("dehydrates idle definitions after the TTL", func() {
			registry.TTL = 20 * time.Millisecond

			Expect(registry.Deploy(def)).ShouldNot(HaveOccurred())

			h1, release, err := registry.Acquire(ctx, "order-process")
			Expect(err).ShouldNot(HaveOccurred())
			release()

			go registry.Run(ctx)

			// After the TTL elapses the correlator is discarded; the next
			// acquisition rebuilds it from the store.
			// Poll slower than the TTL so the definition can actually go
			// idle between checks.
			Eventually(func() bool {
				h2, release, err := registry.Acquire(ctx, "order-process")
				Expect(err).ShouldNot(HaveOccurred())
				defer release()
				return h2.Correlator != h1.Correlator
			}, 2*time.Second, 100*time.Millisecond).Should(BeTrue())
		})
	})
})
