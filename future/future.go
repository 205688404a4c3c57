// Package future implements the syscall future: the bridge between one
// in-flight kernel operation, submitted through the reactor, and one
// suspended task, polled by the executor.
//
// The lifecycle is a three-state handoff: Submitted, Waiting(waker),
// Completed(result). Go has no algebraic sum type, so the states are a
// small integer discriminator (state) plus whichever payload field that
// state uses, guarded by a mutex.
package future

import (
	"sync"
	"syscall"
)

// Waker is re-enqueued onto the executor's ready queue when Wake is
// called. Task implements this in the executor package.
type Waker interface {
	Wake()
}

type state uint8

const (
	stateSubmitted state = iota
	stateWaiting
	stateCompleted
)

// Syscall binds one kernel operation to one suspension point. It is
// created by a leaf operation before that operation is handed to the
// reactor, and is never reused across operations.
type Syscall struct {
	mu       sync.Mutex
	st       state
	waker    Waker
	ret      int32
	observed bool
}

// New creates a future in the Submitted state.
func New() *Syscall {
	return &Syscall{st: stateSubmitted}
}

// Callback returns the one-shot function the reactor's in-flight table
// invokes exactly once with the kernel completion's return code. Invoking
// it twice is a programming error and panics.
func (s *Syscall) Callback() func(int32) {
	return func(ret int32) {
		s.mu.Lock()
		prev := s.st
		if prev == stateCompleted {
			s.mu.Unlock()
			panic("future: completion callback fired twice")
		}
		s.st = stateCompleted
		s.ret = ret
		w := s.waker
		s.waker = nil
		s.mu.Unlock()

		// Submitted -> Completed needs no wake: the first poll observes
		// Completed directly. Waiting -> Completed wakes the stored waker.
		if prev == stateWaiting && w != nil {
			w.Wake()
		}
	}
}

// Poll implements the Submitted/Waiting/Completed transitions from the
// syscall future's contract. ready is true exactly once, on the poll that
// first observes Completed; polling again after that is a programming
// error and panics.
func (s *Syscall) Poll(w Waker) (value uint32, err error, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.st {
	case stateSubmitted:
		s.st = stateWaiting
		s.waker = w
		return 0, nil, false

	case stateWaiting:
		// Always install the most recently presented waker. A real
		// identity check ("will this waker wake the same task as the
		// stored one") is an optimization to skip a redundant store;
		// always replacing is simpler and still only ever invokes the
		// most recently installed waker, since the old one is discarded
		// before it can fire.
		s.waker = w
		return 0, nil, false

	case stateCompleted:
		if s.observed {
			panic("future: re-polled after completion already observed")
		}
		s.observed = true
		ret := s.ret
		if ret >= 0 {
			return uint32(ret), nil, true
		}
		return 0, syscall.Errno(-ret), true
	}

	panic("future: unreachable lifecycle state")
}
