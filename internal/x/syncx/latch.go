package syncx

import "sync"

// Latch is a state-gated reference-counting barrier.
//
// It guards a resource that is always in exactly one of a small set of
// states, where work may be performed "inside" the current state by any
// number of goroutines, but the state may only change once no goroutine
// remains inside.
//
// Enter(s) blocks until the latch can be switched to s (that is, until the
// depth of the current state reaches zero), then increments the depth.
// Leave(s) decrements the depth, releasing any goroutines waiting to switch
// states. Entering the current state never blocks.
type Latch struct {
	m     sync.Mutex
	cond  *sync.Cond
	state int
	depth int

	// Transition is invoked with the new state whenever the latch actually
	// changes state, while the latch is still exclusively held. It may be
	// nil.
	Transition func(state int)
}

// Enter waits until the latch is in state s, switching it if necessary, and
// increments the depth.
func (l *Latch) Enter(s int) {
	l.m.Lock()
	defer l.m.Unlock()

	if l.cond == nil {
		l.cond = sync.NewCond(&l.m)
	}

	for l.state != s && l.depth != 0 {
		l.cond.Wait()
	}

	if l.state != s {
		l.state = s
		if l.Transition != nil {
			l.Transition(s)
		}
	}

	l.depth++
}

// Leave decrements the depth, releasing goroutines waiting to switch states
// once the depth reaches zero.
//
// It panics if the latch is not currently in state s, or if the depth is
// already zero.
func (l *Latch) Leave(s int) {
	l.m.Lock()
	defer l.m.Unlock()

	if l.state != s {
		panic("latch is not in the expected state")
	}

	if l.depth == 0 {
		panic("latch depth is already zero")
	}

	l.depth--

	if l.depth == 0 {
		l.cond.Broadcast()
	}
}

// State returns the latch's current state.
//
// It is a hint only; the state may change as soon as the method returns
// unless the caller has itself entered the state.
func (l *Latch) State() int {
	l.m.Lock()
	defer l.m.Unlock()

	return l.state
}
