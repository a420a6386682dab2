package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
)

// Key identifies a process instance.
type Key struct {
	ProcessID  string
	InstanceID uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.ProcessID, k.InstanceID)
}

// Task is a unit of work executed on an instance's worker.
type Task func(ctx context.Context) error

// Worker drains the private FIFO queue of one process instance, guaranteeing
// that no two tasks for that instance ever run concurrently.
//
// Workers are ephemeral. When the queue drains the worker detaches from its
// set and is discarded; the next task for the instance constructs a fresh
// worker. A detached worker refuses new work, so no task can be enqueued to
// a worker that will never drain again.
type Worker struct {
	key Key
	set *WorkerSet

	m        sync.Mutex
	queue    []Task
	running  bool
	detached bool

	// Snapshot cache, accessed only while holding the instance's logical
	// thread of control.
	cacheRevision uint64
	cacheState    interface{}
	cacheValid    bool
}

// Key returns the identity of the instance the worker serves.
func (w *Worker) Key() Key {
	return w.key
}

// enqueue appends t to the worker's queue, starting a drain if one is not
// already running.
//
// It returns false if the worker has detached, in which case the caller must
// obtain a fresh worker from the set and try again.
func (w *Worker) enqueue(t Task) bool {
	w.m.Lock()
	defer w.m.Unlock()

	if w.detached {
		return false
	}

	w.queue = append(w.queue, t)

	if !w.running {
		w.running = true
		w.set.spawn(w)
	}

	return true
}

// drain executes queued tasks until the queue is empty, then detaches the
// worker from its set.
//
// The empty-check and the detach happen in a single critical section that
// also removes the worker from the set's map, so a concurrent enqueue either
// lands before the detach (and is drained) or observes the detached flag and
// re-routes to a fresh worker.
func (w *Worker) drain(ctx context.Context) {
	ctx = contextWithWorker(ctx, w)

	for {
		w.m.Lock()

		if len(w.queue) == 0 {
			w.detached = true
			w.running = false
			w.set.forget(w)
			w.m.Unlock()
			return
		}

		t := w.queue[0]
		w.queue = w.queue[1:]

		w.m.Unlock()

		w.exec(ctx, t)
	}
}

// exec runs a single task, containing panics and logging failures. A failed
// task never stops the drain; retry policy lives with the scheduler that
// enqueued the work.
func (w *Worker) exec(ctx context.Context, t Task) {
	defer func() {
		if p := recover(); p != nil {
			logging.Log(
				w.set.Logger,
				"instance %s: task panicked: %v",
				w.key,
				p,
			)
		}
	}()

	if err := t(ctx); err != nil {
		logging.Log(
			w.set.Logger,
			"instance %s: task failed: %s",
			w.key,
			err,
		)
	}
}

// CachePut stores an in-memory copy of the instance's execution state, valid
// only while the persisted snapshot revision equals revision.
func (w *Worker) CachePut(revision uint64, state interface{}) {
	w.m.Lock()
	defer w.m.Unlock()

	w.cacheRevision = revision
	w.cacheState = state
	w.cacheValid = true
}

// CacheGet returns the cached execution state if it is coherent with the
// given persisted snapshot revision.
func (w *Worker) CacheGet(revision uint64) (interface{}, bool) {
	w.m.Lock()
	defer w.m.Unlock()

	if !w.cacheValid || w.cacheRevision != revision {
		return nil, false
	}

	return w.cacheState, true
}

// CacheDrop discards the cached execution state.
func (w *Worker) CacheDrop() {
	w.m.Lock()
	defer w.m.Unlock()

	w.cacheState = nil
	w.cacheValid = false
}

type workerContextKey struct{}

// contextWithWorker marks ctx as belonging to w's logical thread of control.
func contextWithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerContextKey{}, w)
}

// FromContext returns the worker whose logical thread of control the calling
// code is running on, if any.
func FromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerContextKey{}).(*Worker)
	return w, ok
}
