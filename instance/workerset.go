package instance

import (
	"context"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"golang.org/x/sync/semaphore"
)

// WorkerSet owns the workers of all currently active instances, routing each
// task to the worker that serializes its instance.
//
// The zero value is not ready for use; Run() must be called before any task
// is enqueued.
type WorkerSet struct {
	// Pool, if non-nil, bounds the number of goroutines concurrently
	// draining workers.
	Pool *semaphore.Weighted

	// Logger is the target for messages about task failures. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger

	m       sync.Mutex
	ctx     context.Context
	workers map[Key]*Worker
}

// Run makes the set ready to accept work, then blocks until ctx is canceled.
//
// Drain goroutines inherit ctx; cancellation stops them after the task in
// progress, abandoning any volatile queue contents.
func (s *WorkerSet) Run(ctx context.Context) error {
	s.m.Lock()
	s.ctx = ctx
	s.m.Unlock()

	<-ctx.Done()

	return ctx.Err()
}

// Enqueue appends t to the queue of the worker serving k, constructing a
// fresh worker if the instance has none.
//
// If the chosen worker detaches concurrently, the task is re-routed to a
// fresh worker; a task is never stranded on a dead worker.
func (s *WorkerSet) Enqueue(k Key, t Task) {
	for {
		if s.get(k).enqueue(t) {
			return
		}
	}
}

// ExecSync executes t with k's worker serialization, but on the calling
// goroutine.
//
// It enqueues a placeholder that parks the real drain goroutine, runs t once
// the placeholder is reached, then releases the drain. At most one of the
// drain goroutine and the calling goroutine is ever computing for the
// instance.
//
// If the calling goroutine is already running a task for k, t runs inline;
// a placeholder would deadlock against the task that is waiting on it.
func (s *WorkerSet) ExecSync(ctx context.Context, k Key, t Task) error {
	if w, ok := FromContext(ctx); ok && w.key == k {
		return t(ctx)
	}

	var (
		ready    = make(chan *Worker)
		finished = make(chan struct{})
		abort    = make(chan struct{})
	)

	s.Enqueue(k, func(taskCtx context.Context) error {
		w, _ := FromContext(taskCtx)

		select {
		case ready <- w:
		case <-abort:
			return nil
		case <-taskCtx.Done():
			return taskCtx.Err()
		}

		<-finished
		return nil
	})

	select {
	case w := <-ready:
		defer close(finished)
		return t(contextWithWorker(ctx, w))

	case <-ctx.Done():
		close(abort)
		return ctx.Err()
	}
}

// get returns the worker serving k, constructing one if necessary.
//
// The returned worker may have detached by the time it is used; callers must
// be prepared to retry.
func (s *WorkerSet) get(k Key) *Worker {
	s.m.Lock()
	defer s.m.Unlock()

	if s.ctx == nil {
		panic("worker set is not running")
	}

	if w, ok := s.workers[k]; ok {
		return w
	}

	if s.workers == nil {
		s.workers = map[Key]*Worker{}
	}

	w := &Worker{
		key: k,
		set: s,
	}
	s.workers[k] = w

	return w
}

// forget removes w from the set. It is called by the worker's drain loop
// while holding the worker's own mutex, making the detach and the removal a
// single atomic step from the perspective of Enqueue().
func (s *WorkerSet) forget(w *Worker) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.workers[w.key] == w {
		delete(s.workers, w.key)
	}
}

// spawn starts a drain goroutine for w.
//
// It is called while holding the worker's mutex; it takes s.m only to read
// the run context, preserving the worker-then-set lock order used by
// forget().
func (s *WorkerSet) spawn(w *Worker) {
	s.m.Lock()
	ctx := s.ctx
	s.m.Unlock()

	go func() {
		if s.Pool != nil {
			if err := s.Pool.Acquire(ctx, 1); err != nil {
				// Shutting down; the queue is abandoned along with the rest
				// of the volatile state.
				return
			}
			defer s.Pool.Release(1)
		}

		w.drain(ctx)
	}()
}
