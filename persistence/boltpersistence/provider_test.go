package boltpersistence_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cadenza-io/cadenza/persistence"
	. "github.com/cadenza-io/cadenza/persistence/boltpersistence"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("type FileProvider", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dir       string
		provider  *FileProvider
		dataStore persistence.DataStore
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)

		var err error
		dir, err = os.MkdirTemp("", "boltpersistence-")
		Expect(err).ShouldNot(HaveOccurred())

		provider = &FileProvider{
			Path: filepath.Join(dir, "cadenza.boltdb"),
		}

		dataStore, err = provider.Open(ctx, "<store>")
		Expect(err).ShouldNot(HaveOccurred())
	})

	AfterEach(func() {
		if dataStore != nil {
			dataStore.Close()
		}
		os.RemoveAll(dir)
		cancel()
	})

	It("locks a data store for exclusive use", func() {
		_, err := provider.Open(ctx, "<store>")
		Expect(err).To(Equal(persistence.ErrDataStoreLocked))
	})

	It("allows a data store to be reopened after it is closed", func() {
		Expect(dataStore.Close()).ShouldNot(HaveOccurred())

		var err error
		dataStore, err = provider.Open(ctx, "<store>")
		Expect(err).ShouldNot(HaveOccurred())
	})

	It("retains contents across a close and reopen", func() {
		err := dataStore.Persist(ctx, persistence.Batch{
			persistence.SaveProcessInstance{
				Instance: persistence.ProcessInstance{
					ProcessID:  "<process>",
					InstanceID: 1,
					Status:     "new",
					Snapshot:   []byte("<snapshot>"),
				},
			},
		})
		Expect(err).ShouldNot(HaveOccurred())

		Expect(dataStore.Close()).ShouldNot(HaveOccurred())

		dataStore, err = provider.Open(ctx, "<store>")
		Expect(err).ShouldNot(HaveOccurred())

		rec, err := dataStore.LoadProcessInstance(ctx, "<process>", 1)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(rec.Revision).To(BeNumerically("==", 1))
		Expect(rec.Status).To(Equal("new"))
		Expect(rec.Snapshot).To(Equal([]byte("<snapshot>")))
	})

	Describe("type dataStore", func() {
		Describe("func NextInstanceID()", func() {
			It("allocates monotonically increasing IDs", func() {
				id1, err := dataStore.NextInstanceID(ctx)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(id1).To(BeNumerically("==", 1))

				id2, err := dataStore.NextInstanceID(ctx)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(id2).To(BeNumerically("==", 2))
			})

			It("returns ErrDataStoreClosed after the store is closed", func() {
				Expect(dataStore.Close()).ShouldNot(HaveOccurred())

				_, err := dataStore.NextInstanceID(ctx)
				Expect(err).To(Equal(persistence.ErrDataStoreClosed))

				dataStore = nil
			})
		})

		Describe("func Persist()", func() {
			It("increments the instance revision on each save", func() {
				inst := persistence.ProcessInstance{
					ProcessID:  "<process>",
					InstanceID: 1,
					Status:     "new",
				}

				err := dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveProcessInstance{Instance: inst},
				})
				Expect(err).ShouldNot(HaveOccurred())

				rec, err := dataStore.LoadProcessInstance(ctx, "<process>", 1)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(rec.Revision).To(BeNumerically("==", 1))

				rec.Status = "active"
				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveProcessInstance{Instance: rec},
				})
				Expect(err).ShouldNot(HaveOccurred())

				rec, err = dataStore.LoadProcessInstance(ctx, "<process>", 1)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(rec.Revision).To(BeNumerically("==", 2))
			})

			It("rejects a save with a stale revision and rolls back the batch", func() {
				inst := persistence.ProcessInstance{
					ProcessID:  "<process>",
					InstanceID: 1,
				}

				err := dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveProcessInstance{Instance: inst},
				})
				Expect(err).ShouldNot(HaveOccurred())

				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveRoute{
						Route: persistence.Route{
							ProcessID:   "<process>",
							PartnerLink: "purchasing",
							Operation:   "amend",
							RouteID:     "<route>",
						},
					},
					persistence.SaveProcessInstance{Instance: inst}, // stale
				})

				var conflict persistence.ConflictError
				Expect(errors.As(err, &conflict)).To(BeTrue())

				// The whole transaction must have rolled back.
				routes, err := dataStore.LoadRoutes(ctx, "<process>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(routes).To(BeEmpty())
			})
		})

		Describe("routes and queued messages", func() {
			It("persists and loads routes", func() {
				route := persistence.Route{
					ProcessID:   "<process>",
					PartnerLink: "purchasing",
					Operation:   "amend",
					Key:         "order~7",
					RouteID:     "<route>",
					Index:       1,
					InstanceID:  3,
				}

				err := dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveRoute{Route: route},
				})
				Expect(err).ShouldNot(HaveOccurred())

				routes, err := dataStore.LoadRoutes(ctx, "<process>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(routes).To(ConsistOf(route))

				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.RemoveRoute{Route: route},
				})
				Expect(err).ShouldNot(HaveOccurred())

				routes, err = dataStore.LoadRoutes(ctx, "<process>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(routes).To(BeEmpty())
			})

			It("loads queued messages in enqueue order", func() {
				first := persistence.QueuedExchange{
					ProcessID:   "<process>",
					PartnerLink: "purchasing",
					Operation:   "amend",
					ExchangeID:  "<first>",
					Keys:        []string{"order~7"},
					EnqueuedAt:  time.Now().Truncate(time.Millisecond),
				}
				second := first
				second.ExchangeID = "<second>"

				err := dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveQueuedExchange{Exchange: first},
				})
				Expect(err).ShouldNot(HaveOccurred())

				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveQueuedExchange{Exchange: second},
				})
				Expect(err).ShouldNot(HaveOccurred())

				queued, err := dataStore.LoadQueuedExchanges(ctx, "<process>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(queued).To(HaveLen(2))
				Expect(queued[0].ExchangeID).To(Equal("<first>"))
				Expect(queued[1].ExchangeID).To(Equal("<second>"))

				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.RemoveQueuedExchange{Exchange: first},
				})
				Expect(err).ShouldNot(HaveOccurred())

				queued, err = dataStore.LoadQueuedExchanges(ctx, "<process>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(queued).To(HaveLen(1))
				Expect(queued[0].ExchangeID).To(Equal("<second>"))
			})
		})

		Describe("scheduled events", func() {
			It("persists, overwrites and removes events", func() {
				ev := persistence.ScheduledEvent{
					ID:   "<event>",
					At:   time.Now().Truncate(time.Millisecond),
					Data: []byte("<data>"),
				}

				err := dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveScheduledEvent{Event: ev},
				})
				Expect(err).ShouldNot(HaveOccurred())

				ev.Attempts = 2
				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.SaveScheduledEvent{Event: ev},
				})
				Expect(err).ShouldNot(HaveOccurred())

				events, err := dataStore.LoadScheduledEvents(ctx)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Attempts).To(BeNumerically("==", 2))
				Expect(events[0].Data).To(Equal([]byte("<data>")))

				err = dataStore.Persist(ctx, persistence.Batch{
					persistence.RemoveScheduledEvent{Event: ev},
				})
				Expect(err).ShouldNot(HaveOccurred())

				events, err = dataStore.LoadScheduledEvents(ctx)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(events).To(BeEmpty())
			})
		})
	})
})
