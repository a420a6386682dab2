package instance_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/cadenza-io/cadenza/instance"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/semaphore"
)

var _ = Describe("type WorkerSet", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		set    *WorkerSet
	)

	key := Key{ProcessID: "order-process", InstanceID: 1}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		set = &WorkerSet{}
		go set.Run(ctx)

		// Wait until the set accepts work.
		Eventually(func() (ok bool) {
			defer func() { recover() }()
			set.Enqueue(key, func(context.Context) error { return nil })
			return true
		}).Should(BeTrue())
	})

	AfterEach(func() {
		cancel()
	})

	Describe("func Enqueue()", func() {
		It("executes tasks for one instance in FIFO order, never concurrently", func() {
			const (
				producers     = 10
				tasksPerProd  = 50
				expectedTotal = producers * tasksPerProd
			)

			var (
				m       sync.Mutex
				order   []int
				running int32
				barrier sync.WaitGroup
			)

			done := make(chan struct{})
			seq := int32(-1)

			barrier.Add(producers)
			for p := 0; p < producers; p++ {
				go func() {
					defer barrier.Done()
					for i := 0; i < tasksPerProd; i++ {
						n := int(atomic.AddInt32(&seq, 1))
						set.Enqueue(key, func(context.Context) error {
							Expect(atomic.AddInt32(&running, 1)).To(
								BeEquivalentTo(1),
								"two tasks ran concurrently",
							)
							defer atomic.AddInt32(&running, -1)

							m.Lock()
							order = append(order, n)
							if len(order) == expectedTotal {
								close(done)
							}
							m.Unlock()
							return nil
						})
					}
				}()
			}

			barrier.Wait()

			select {
			case <-done:
			case <-ctx.Done():
				Fail("timed out waiting for tasks to drain")
			}

			Expect(order).To(HaveLen(expectedTotal))
		})

		It("supports re-entrant enqueue from inside a task", func() {
			done := make(chan struct{})

			set.Enqueue(key, func(context.Context) error {
				set.Enqueue(key, func(context.Context) error {
					close(done)
					return nil
				})
				return nil
			})

			select {
			case <-done:
			case <-ctx.Done():
				Fail("nested task never ran")
			}
		})

		It("re-routes work enqueued while a worker is detaching", func() {
			// Alternate bursts of work with idle gaps so workers repeatedly
			// drain, detach and are recreated; every task must still run.
			var count int32
			const total = 200

			done := make(chan struct{})
			for i := 0; i < total; i++ {
				set.Enqueue(key, func(context.Context) error {
					if atomic.AddInt32(&count, 1) == total {
						close(done)
					}
					return nil
				})

				if i%10 == 0 {
					time.Sleep(time.Millisecond)
				}
			}

			select {
			case <-done:
			case <-ctx.Done():
				Fail("some tasks were stranded")
			}
		})

		It("keeps draining after a task fails or panics", func() {
			done := make(chan struct{})

			set.Enqueue(key, func(context.Context) error {
				panic("<panic>")
			})
			set.Enqueue(key, func(context.Context) error {
				close(done)
				return nil
			})

			select {
			case <-done:
			case <-ctx.Done():
				Fail("drain stopped after panic")
			}
		})

		It("panics if the set is not running", func() {
			idle := &WorkerSet{}
			Expect(func() {
				idle.Enqueue(key, func(context.Context) error { return nil })
			}).To(Panic())
		})
	})

	Describe("func ExecSync()", func() {
		It("runs the task on the calling goroutine with worker serialization", func() {
			var inside int32

			blocked := make(chan struct{})
			release := make(chan struct{})

			set.Enqueue(key, func(context.Context) error {
				atomic.StoreInt32(&inside, 1)
				close(blocked)
				<-release
				atomic.StoreInt32(&inside, 0)
				return nil
			})

			<-blocked

			result := make(chan error, 1)
			go func() {
				result <- set.ExecSync(ctx, key, func(context.Context) error {
					Expect(atomic.LoadInt32(&inside)).To(
						BeEquivalentTo(0),
						"ran concurrently with a queued task",
					)
					return nil
				})
			}()

			// The imported goroutine must wait behind the blocked task.
			Consistently(result).ShouldNot(Receive())

			close(release)
			Eventually(result).Should(Receive(BeNil()))
		})

		It("runs inline when called from inside the instance's own task", func() {
			done := make(chan struct{})

			set.Enqueue(key, func(taskCtx context.Context) error {
				err := set.ExecSync(taskCtx, key, func(context.Context) error {
					close(done)
					return nil
				})
				Expect(err).ShouldNot(HaveOccurred())
				return nil
			})

			select {
			case <-done:
			case <-ctx.Done():
				Fail("inline ExecSync deadlocked")
			}
		})

		It("returns the context error if canceled while waiting", func() {
			release := make(chan struct{})
			defer close(release)

			set.Enqueue(key, func(context.Context) error {
				<-release
				return nil
			})

			waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer waitCancel()

			err := set.ExecSync(waitCtx, key, func(context.Context) error {
				Fail("task ran despite cancellation")
				return nil
			})
			Expect(err).To(Equal(context.DeadlineExceeded))
		})
	})

	Describe("snapshot cache", func() {
		It("is coherent only with the revision it was stored under", func() {
			done := make(chan struct{})

			set.Enqueue(key, func(taskCtx context.Context) error {
				defer close(done)

				w, ok := FromContext(taskCtx)
				Expect(ok).To(BeTrue())

				w.CachePut(3, "<state>")

				state, ok := w.CacheGet(3)
				Expect(ok).To(BeTrue())
				Expect(state).To(Equal("<state>"))

				_, ok = w.CacheGet(4)
				Expect(ok).To(BeFalse())

				w.CacheDrop()
				_, ok = w.CacheGet(3)
				Expect(ok).To(BeFalse())

				return nil
			})

			select {
			case <-done:
			case <-ctx.Done():
				Fail("task never ran")
			}
		})
	})

	When("a pool limit is configured", func() {
		It("bounds the number of concurrently draining workers", func() {
			limited := &WorkerSet{
				Pool: semaphore.NewWeighted(1),
			}
			go limited.Run(ctx)

			Eventually(func() (ok bool) {
				defer func() { recover() }()
				limited.Enqueue(key, func(context.Context) error { return nil })
				return true
			}).Should(BeTrue())

			var running, peak int32
			var wg sync.WaitGroup

			wg.Add(10)
			for i := 0; i < 10; i++ {
				k := Key{ProcessID: "order-process", InstanceID: uint64(i)}
				limited.Enqueue(k, func(context.Context) error {
					defer wg.Done()

					n := atomic.AddInt32(&running, 1)
					for {
						p := atomic.LoadInt32(&peak)
						if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
							break
						}
					}

					time.Sleep(time.Millisecond)
					atomic.AddInt32(&running, -1)
					return nil
				})
			}

			wg.Wait()
			Expect(atomic.LoadInt32(&peak)).To(BeEquivalentTo(1))
		})
	})
})
