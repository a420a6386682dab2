package syncx

import (
	"context"
	"sync"
)

// RWMutex is a context-aware reader/writer mutual exclusion lock.
//
// Every release wakes every waiter; a woken waiter re-validates rather than
// assuming it has acquired the lock, so no fairness is guaranteed.
//
// The zero value is an unlocked mutex.
type RWMutex struct {
	m       sync.Mutex
	readers int           // -1 while write-locked
	release chan struct{} // closed on release, then replaced lazily
}

// Lock acquires an exclusive lock on the mutex.
//
// It blocks until the mutex is acquired, or ctx is canceled.
func (m *RWMutex) Lock(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for {
		m.m.Lock()

		if m.readers == 0 {
			m.readers = -1
			m.m.Unlock()
			return nil
		}

		wait := m.waitCh()
		m.m.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Unlock releases an exclusive lock.
//
// It panics if the mutex is not currently locked with Lock().
func (m *RWMutex) Unlock() {
	m.m.Lock()
	defer m.m.Unlock()

	if m.readers != -1 {
		panic("mutex is not write-locked")
	}

	m.readers = 0
	m.wake()
}

// RLock acquires a shared lock on the mutex.
//
// It blocks until the mutex is acquired, or ctx is canceled.
func (m *RWMutex) RLock(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for {
		m.m.Lock()

		if m.readers >= 0 {
			m.readers++
			m.m.Unlock()
			return nil
		}

		wait := m.waitCh()
		m.m.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// RUnlock releases a shared lock.
//
// It panics if the mutex is not currently locked with RLock().
func (m *RWMutex) RUnlock() {
	m.m.Lock()
	defer m.m.Unlock()

	if m.readers <= 0 {
		panic("mutex is not read-locked")
	}

	m.readers--

	if m.readers == 0 {
		m.wake()
	}
}

// waitCh returns the channel closed by the next release. m.m must be held.
func (m *RWMutex) waitCh() chan struct{} {
	if m.release == nil {
		m.release = make(chan struct{})
	}

	return m.release
}

// wake releases every waiter. m.m must be held.
func (m *RWMutex) wake() {
	if m.release != nil {
		close(m.release)
		m.release = nil
	}
}
