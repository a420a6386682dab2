package instance

import (
	"context"
	"sync"

	"github.com/dogmatiq/cosyne"
)

// UnlockFunc releases a lock obtained from a Locker. It is idempotent.
type UnlockFunc func()

// Locker grants exclusive ownership of individual process instances to
// competing goroutines, independently of worker serialization. It is used to
// fence operations that touch an instance from outside its worker, such as
// administrative suspend and terminate.
//
// Lock records are created on demand and discarded when the last interested
// goroutine releases, so idle instances cost nothing.
type Locker struct {
	m     sync.Mutex
	locks map[Key]*lockEntry
}

type lockEntry struct {
	mux  cosyne.Mutex
	refs int
}

// Lock acquires the lock for instance k, blocking until it is available or
// ctx is canceled. Callers impose a timeout via the context deadline.
func (l *Locker) Lock(ctx context.Context, k Key) (UnlockFunc, error) {
	e := l.acquireEntry(k)

	if err := e.mux.Lock(ctx); err != nil {
		l.releaseEntry(k, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mux.Unlock()
			l.releaseEntry(k, e)
		})
	}, nil
}

func (l *Locker) acquireEntry(k Key) *lockEntry {
	l.m.Lock()
	defer l.m.Unlock()

	e, ok := l.locks[k]
	if !ok {
		if l.locks == nil {
			l.locks = map[Key]*lockEntry{}
		}
		e = &lockEntry{}
		l.locks[k] = e
	}

	e.refs++

	return e
}

func (l *Locker) releaseEntry(k Key, e *lockEntry) {
	l.m.Lock()
	defer l.m.Unlock()

	e.refs--
	if e.refs == 0 && l.locks[k] == e {
		delete(l.locks, k)
	}
}
