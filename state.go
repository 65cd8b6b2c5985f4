package microtask

import (
	"sync/atomic"
)

// SchedulerState represents the current state of the scheduler.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (1)        [Run()]
//	StateRunning (1) → StateSleeping (2)     [park() via CAS]
//	StateRunning (1) → StateTerminating (3)  [Shutdown()]
//	StateSleeping (2) → StateRunning (1)     [wake via CAS]
//	StateSleeping (2) → StateTerminating (3) [Shutdown()]
//	StateTerminating (3) → StateTerminated (4) [shutdown complete]
//	StateTerminated (4) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for temporary states (Running, Sleeping)
//   - Use Store() for irreversible states (Terminated)
//   - Using Store(Running) or Store(Sleeping) is a BUG (breaks CAS logic)
type SchedulerState uint64

const (
	// StateAwake indicates the scheduler has been created but not started.
	StateAwake SchedulerState = 0
	// StateRunning indicates the scheduler is actively processing tasks.
	StateRunning SchedulerState = 1
	// StateSleeping indicates the scheduler is parked waiting for work.
	StateSleeping SchedulerState = 2
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating SchedulerState = 3
	// StateTerminated indicates the scheduler has fully shut down.
	StateTerminated SchedulerState = 4
)

// String returns a human-readable representation of the state.
func (s SchedulerState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
//
// Uses pure atomic CAS operations with no mutex. Cache-line padding
// prevents false sharing between cores.
type FastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() SchedulerState {
	return SchedulerState(s.v.Load())
}

// Store atomically stores a new state.
// No transition validation is performed.
func (s *FastState) Store(state SchedulerState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any valid source state to the
// target. Returns true if the transition was successful.
func (s *FastState) TransitionAny(validFrom []SchedulerState, to SchedulerState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if the scheduler is currently running or sleeping.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true if the scheduler can accept new work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
