// Package awaiter implements the two wait disciplines spec §5 and §9
// require FilterInstance.await to support -- one condition-variable
// based, for thread-parallel callers, and one atomic-state based with
// an optional cooperative-scheduler resume hook, for pipelined
// single-threaded execution -- behind one shared interface so callers
// never need to know which is active (spec §9 open question).
package awaiter

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// State is the terminal-once state word (spec §4.3: not-ready is
// initial, ready/timed-out are terminal).
type State uint32

const (
	NotReady State = iota
	Ready
	TimedOut
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed-out"
	default:
		return "not-ready"
	}
}

// Awaiter is the shared wait abstraction. Await blocks the calling
// goroutine until Signal() is called or deadline passes, whichever is
// first, and returns true iff the terminal state is Ready. It is safe
// to call Await from any number of goroutines concurrently and to call
// it again after a terminal state is reached -- subsequent calls
// return immediately with the same answer (spec §8 property 5,
// "await monotonicity").
type Awaiter interface {
	Await(deadline time.Time) bool
	Signal()
	State() State
	IsReady() bool
	IsReadyOrTimeout() bool
}

// NewCond creates the condition-variable-backed implementation, the
// default for thread-parallel callers -- grounded on the teacher's
// sync.WaitGroup/sync.Mutex coordination idiom in
// internal/indexer/indexer.go.
func NewCond() Awaiter {
	a := &condAwaiter{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

type condAwaiter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
}

func (a *condAwaiter) Await(deadline time.Time) bool {
	a.mu.Lock()
	if a.state != NotReady {
		ready := a.state == Ready
		a.mu.Unlock()
		return ready
	}

	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		a.mu.Lock()
		if a.state == NotReady {
			a.state = TimedOut
			a.cond.Broadcast()
		}
		a.mu.Unlock()
		close(done)
	})
	defer timer.Stop()

	for a.state == NotReady {
		a.cond.Wait()
	}
	ready := a.state == Ready
	a.mu.Unlock()
	return ready
}

func (a *condAwaiter) Signal() {
	a.mu.Lock()
	if a.state == NotReady {
		a.state = Ready
	}
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *condAwaiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *condAwaiter) IsReady() bool { return a.State() == Ready }
func (a *condAwaiter) IsReadyOrTimeout() bool {
	s := a.State()
	return s == Ready || s == TimedOut
}

// NewAtomic creates the atomic-state-word implementation. resume, if
// non-nil, is invoked after every transition out of NotReady -- the
// hook a cooperative fragment-execution scheduler can use to
// re-enqueue a suspended task. Await itself always polls the state
// word with a short exponential-backoff spin (runtime.Gosched plus
// sleep), whether or not resume is set; nothing in this module ships
// a scheduler.
func NewAtomic(resume func()) Awaiter {
	return &atomicAwaiter{resume: resume}
}

type atomicAwaiter struct {
	state  atomic.Uint32
	resume func()
}

func (a *atomicAwaiter) Await(deadline time.Time) bool {
	if s := State(a.state.Load()); s != NotReady {
		return s == Ready
	}

	backoff := time.Microsecond
	const maxBackoff = 2 * time.Millisecond
	for {
		if s := State(a.state.Load()); s != NotReady {
			return s == Ready
		}
		if !time.Now().Before(deadline) {
			if a.state.CompareAndSwap(uint32(NotReady), uint32(TimedOut)) {
				if a.resume != nil {
					a.resume()
				}
			}
			return State(a.state.Load()) == Ready
		}
		runtime.Gosched()
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (a *atomicAwaiter) Signal() {
	if a.state.CompareAndSwap(uint32(NotReady), uint32(Ready)) {
		if a.resume != nil {
			a.resume()
		}
	}
}

func (a *atomicAwaiter) State() State { return State(a.state.Load()) }
func (a *atomicAwaiter) IsReady() bool { return a.State() == Ready }
func (a *atomicAwaiter) IsReadyOrTimeout() bool {
	s := a.State()
	return s == Ready || s == TimedOut
}
