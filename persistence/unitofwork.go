package persistence

import "context"

// UnitOfWork accumulates the state changes made while handling a single
// message or work event, so they can be committed atomically.
//
// Components that mutate in-memory state ahead of persistence register a
// revert function; if the commit fails the reverts are run in reverse
// order, restoring memory to match the store.
type UnitOfWork struct {
	batch   Batch
	reverts []func()
	defers  []func(err error)
	settled bool
}

// Do adds a persistence operation to the unit of work.
func (w *UnitOfWork) Do(op Operation) {
	w.batch = append(w.batch, op)
}

// Revert registers a function that undoes an in-memory mutation if the unit
// of work fails to commit.
func (w *UnitOfWork) Revert(fn func()) {
	w.reverts = append(w.reverts, fn)
}

// Defer registers a function to be called after the unit of work is
// committed or rolled back. A nil error indicates success.
func (w *UnitOfWork) Defer(fn func(err error)) {
	w.defers = append(w.defers, fn)
}

// Batch returns the operations accumulated so far.
func (w *UnitOfWork) Batch() Batch {
	return w.batch
}

// Commit persists the accumulated operations atomically.
//
// On failure the registered revert functions are run in reverse order.
// Deferred functions run in either case, after the outcome is known.
func (w *UnitOfWork) Commit(ctx context.Context, p Persister) error {
	err := p.Persist(ctx, w.batch)

	if err != nil {
		w.settle(err)
	} else {
		w.settled = true
		for _, fn := range w.defers {
			fn(nil)
		}
	}

	return err
}

// Rollback abandons the unit of work without persisting anything, undoing
// its in-memory mutations. It is a no-op if the unit of work has already
// been committed or rolled back, so it is safe to call on every error path.
func (w *UnitOfWork) Rollback(err error) {
	w.settle(err)
}

func (w *UnitOfWork) settle(err error) {
	if w.settled {
		return
	}
	w.settled = true

	for i := len(w.reverts) - 1; i >= 0; i-- {
		w.reverts[i]()
	}

	for _, fn := range w.defers {
		fn(err)
	}
}
