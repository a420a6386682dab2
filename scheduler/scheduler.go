package scheduler

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/workevent"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxAttempts is the number of times an event is delivered before
	// it is parked.
	DefaultMaxAttempts = 10

	// DefaultParkDuration is how far in the future a parked event is
	// rescheduled. Parked events are never dropped; they remain in the store
	// for manual intervention or eventual redelivery.
	DefaultParkDuration = 24 * time.Hour
)

// DefaultConcurrency is the default number of events that may be handled
// concurrently.
var DefaultConcurrency = runtime.GOMAXPROCS(0)

// Handler is a function that handles a work event.
//
// Events are delivered at least once; handlers must tolerate redelivery. A
// non-nil error causes the event to be redelivered after a backoff delay.
type Handler func(ctx context.Context, ev workevent.Event) error

// Scheduler delivers work events to a handler at-or-after their due time.
//
// Durable events are persisted alongside the state changes that produced
// them and survive an engine restart; volatile events exist only in memory
// and are used for transient process deployments.
type Scheduler struct {
	// DataStore persists durable events and is the source of recovery at
	// start.
	DataStore persistence.DataStore

	// BackoffStrategy computes the delay before a failed event is
	// redelivered. If it is nil, backoff.DefaultStrategy is used.
	BackoffStrategy backoff.Strategy

	// MaxAttempts is the number of failed deliveries after which an event is
	// parked. If it is non-positive, DefaultMaxAttempts is used.
	MaxAttempts uint

	// ParkDuration is how far in the future a parked event is rescheduled.
	// If it is non-positive, DefaultParkDuration is used.
	ParkDuration time.Duration

	// Concurrency is the maximum number of events handled concurrently. If
	// it is non-positive, DefaultConcurrency is used.
	Concurrency int

	// Logger is the target for messages about deliveries, retries and
	// parking. If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger

	m       sync.Mutex
	pending pendingHeap
	wake    chan struct{}
}

// pendingEvent is an event buffered in memory awaiting delivery.
type pendingEvent struct {
	record  persistence.ScheduledEvent
	durable bool
}

// ScheduleAt registers a durable work event to be delivered at-or-after t.
//
// The event is persisted as part of w, atomically with whatever state
// changes produced it, and enters the in-memory pending list only once the
// unit of work commits.
func (s *Scheduler) ScheduleAt(
	w *persistence.UnitOfWork,
	ev workevent.Event,
	t time.Time,
) {
	rec := persistence.ScheduledEvent{
		ID:   ev.ID,
		At:   t,
		Data: workevent.MustMarshal(ev),
	}

	w.Do(persistence.SaveScheduledEvent{Event: rec})
	w.Defer(func(err error) {
		if err == nil {
			s.push(pendingEvent{record: rec, durable: true})
		}
	})
}

// Schedule registers a work event within w, durably or volatilely.
//
// A volatile event is not persisted, but still enters the pending list only
// once w commits, so a failed commit never produces a phantom delivery.
func (s *Scheduler) Schedule(
	w *persistence.UnitOfWork,
	ev workevent.Event,
	t time.Time,
	durable bool,
) {
	if durable {
		s.ScheduleAt(w, ev, t)
		return
	}

	w.Defer(func(err error) {
		if err == nil {
			s.ScheduleVolatile(ev, t)
		}
	})
}

// ScheduleVolatile registers a work event to be delivered at-or-after t,
// in memory only. Volatile events do not survive a restart.
func (s *Scheduler) ScheduleVolatile(ev workevent.Event, t time.Time) {
	s.push(pendingEvent{
		record: persistence.ScheduledEvent{
			ID:   ev.ID,
			At:   t,
			Data: workevent.MustMarshal(ev),
		},
	})
}

// Run delivers events to h until ctx is canceled.
//
// It first reloads the durable events persisted by earlier runs, then
// watches the pending list, dispatching each event when it comes due.
func (s *Scheduler) Run(ctx context.Context, h Handler) error {
	if err := s.recoverEvents(ctx); err != nil {
		return err
	}

	n := s.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(n))

	s.m.Lock()
	s.wake = make(chan struct{}, 1)
	s.m.Unlock()

	for {
		e, d, ok := s.peekOrPopIfDue()

		if ok && d <= 0 {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}

			go func() {
				defer sem.Release(1)
				s.deliver(ctx, h, e)
			}()

			continue
		}

		var elapsed <-chan time.Time
		if ok {
			timer := time.NewTimer(d)
			elapsed = timer.C

			select {
			case <-elapsed:
			case <-s.wake:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}

			timer.Stop()
			continue
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverEvents loads the durable events persisted by earlier runs into the
// pending list.
func (s *Scheduler) recoverEvents(ctx context.Context) error {
	records, err := s.DataStore.LoadScheduledEvents(ctx)
	if err != nil {
		return err
	}

	s.m.Lock()
	defer s.m.Unlock()

	for _, rec := range records {
		heap.Push(&s.pending, pendingEvent{record: rec, durable: true})
	}

	if len(records) > 0 {
		logging.Log(
			s.Logger,
			"recovered %d scheduled work event(s)",
			len(records),
		)
	}

	return nil
}

// deliver invokes the handler with a single due event, then performs the
// outcome bookkeeping: removal on success, backoff or parking on failure.
func (s *Scheduler) deliver(ctx context.Context, h Handler, e pendingEvent) {
	var ev workevent.Event
	if err := ev.UnmarshalBinary(e.record.Data); err != nil {
		// The payload can not be decoded, so it can never be handled. Park
		// it immediately rather than retrying a structurally hopeless event.
		logging.Log(
			s.Logger,
			"work event %s can not be decoded, parking: %s",
			e.record.ID,
			err,
		)
		s.park(ctx, e)
		return
	}

	err := h(ctx, ev)

	if err == nil {
		if e.durable {
			s.forget(ctx, e)
		}

		if logging.IsDebug(s.Logger) {
			logging.Debug(
				s.Logger,
				"work event %s (%s) handled for instance %s/%d",
				ev.ID,
				ev.Type,
				ev.ProcessID,
				ev.InstanceID,
			)
		}

		return
	}

	if ctx.Err() != nil {
		// Shutdown, not a handler failure. Durable events will be recovered
		// on the next run; volatile events are abandoned with the rest of
		// the in-memory state.
		return
	}

	e.record.Attempts++

	max := s.MaxAttempts
	if max == 0 {
		max = DefaultMaxAttempts
	}

	if e.record.Attempts >= max {
		logging.Log(
			s.Logger,
			"work event %s failed %d time(s), parking: %s",
			e.record.ID,
			e.record.Attempts,
			err,
		)
		s.park(ctx, e)
		return
	}

	strategy := s.BackoffStrategy
	if strategy == nil {
		strategy = backoff.DefaultStrategy
	}

	d := strategy(err, e.record.Attempts-1)
	e.record.At = time.Now().Add(d)

	logging.Log(
		s.Logger,
		"work event %s failed, retrying in %s: %s",
		e.record.ID,
		d,
		err,
	)

	s.reschedule(ctx, e)
}

// park reschedules e far in the future so it is retained but no longer
// contends for delivery.
func (s *Scheduler) park(ctx context.Context, e pendingEvent) {
	d := s.ParkDuration
	if d <= 0 {
		d = DefaultParkDuration
	}

	e.record.At = time.Now().Add(d)
	s.reschedule(ctx, e)
}

// reschedule persists e's updated due time and attempt count, then returns
// it to the pending list.
func (s *Scheduler) reschedule(ctx context.Context, e pendingEvent) {
	if e.durable {
		if err := s.persist(ctx, persistence.SaveScheduledEvent{
			Event: e.record,
		}); err != nil {
			// The retry accounting could not be recorded; the event is still
			// redelivered from memory, and recovery will reload the stale
			// record if the engine restarts first.
			logging.Log(
				s.Logger,
				"unable to record retry of work event %s: %s",
				e.record.ID,
				err,
			)
		}
	}

	s.push(e)
}

// forget removes a handled durable event from the store.
func (s *Scheduler) forget(ctx context.Context, e pendingEvent) {
	if err := s.persist(ctx, persistence.RemoveScheduledEvent{
		Event: e.record,
	}); err != nil {
		// The event remains persisted and will be redelivered after a
		// restart. Handlers tolerate redelivery, so this is benign.
		logging.Log(
			s.Logger,
			"unable to remove handled work event %s: %s",
			e.record.ID,
			err,
		)
	}
}

func (s *Scheduler) persist(ctx context.Context, op persistence.Operation) error {
	return s.DataStore.Persist(ctx, persistence.Batch{op})
}

// push adds e to the pending list, waking the run loop if e has become the
// next due event.
func (s *Scheduler) push(e pendingEvent) {
	s.m.Lock()
	heap.Push(&s.pending, e)
	front := s.pending[0].record.ID == e.record.ID
	wake := s.wake
	s.m.Unlock()

	if front && wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// peekOrPopIfDue returns the event at the front of the pending list.
//
// If that event is due now it is popped and d <= 0. If the list is empty,
// ok is false.
func (s *Scheduler) peekOrPopIfDue() (e pendingEvent, d time.Duration, ok bool) {
	s.m.Lock()
	defer s.m.Unlock()

	if len(s.pending) == 0 {
		return pendingEvent{}, 0, false
	}

	e = s.pending[0]
	d = time.Until(e.record.At)

	if d <= 0 {
		heap.Pop(&s.pending)
	}

	return e, d, true
}

// pendingHeap is a min-heap of pending events ordered by due time.
type pendingHeap []pendingEvent

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	return h[i].record.At.Before(h[j].record.At)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *pendingHeap) Push(v interface{}) {
	*h = append(*h, v.(pendingEvent))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
