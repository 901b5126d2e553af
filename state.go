package runloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the loop, as observed from any
// goroutine.
//
// State Machine:
//
//	StateAwake → StateRunning          [outermost Run / RunUntilIdle]
//	StateRunning → StateAwake          [outermost frame popped]
//	StateAwake → StateTerminating      [Close]
//	StateTerminating → StateTerminated [teardown complete]
//	StateTerminated → (terminal)
//
// Use TryTransition (CAS) for the reversible Awake/Running pair, Store for
// the irreversible states.
type LoopState uint64

const (
	// StateAwake indicates the loop exists but no Run frame is active.
	StateAwake LoopState = iota
	// StateRunning indicates at least one Run frame is on the stack.
	StateRunning
	// StateTerminating indicates Close is notifying observers and discarding
	// pending work.
	StateTerminating
	// StateTerminated indicates the loop has been torn down.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

const (
	// sizeOfCacheLine covers both 64 byte (x86-64) and 128 byte (Apple
	// Silicon) cache lines.
	sizeOfCacheLine    = 128
	sizeOfAtomicUint64 = 8
)

// fastState is a lock-free state cell with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      // Cache line padding //nolint:unused
	v atomic.Uint64                              // State value
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte // Pad to complete cache line //nolint:unused
}

// Load returns the current state atomically.
func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without validation.
func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal reports whether teardown has started or completed.
func (s *fastState) IsTerminal() bool {
	state := s.Load()
	return state == StateTerminating || state == StateTerminated
}
