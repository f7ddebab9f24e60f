package capture

import "sync/atomic"

// State is the lifecycle position of a device session.
type State uint32

const (
	StateClosed       State = iota // no native handle held
	StateInitializing              // opening the native handle
	StateReady                     // handle open, not streaming
	StateCapturing                 // streaming, acquisition eligible
	StateStopping                  // winding streaming down
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// legal maps each state to the states it may move to. Dispose may be
// called from anywhere, so every state lists Closed.
var legal = map[State][]State{
	StateClosed:       {StateInitializing},
	StateInitializing: {StateReady, StateClosed},
	StateReady:        {StateCapturing, StateClosed},
	StateCapturing:    {StateStopping, StateClosed},
	StateStopping:     {StateReady, StateClosed},
}

// Machine holds a session's state and enforces legal transitions.
// Transitions must be serialized by the owning session; reads are safe
// from any goroutine.
type Machine struct {
	v atomic.Uint32
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.v.Load())
}

// Transition moves to next if the step is legal, otherwise it returns
// an InvalidStateError naming the rejected operation.
func (m *Machine) Transition(op string, next State) error {
	cur := State(m.v.Load())
	for _, s := range legal[cur] {
		if s == next {
			m.v.Store(uint32(next))
			return nil
		}
	}
	return &InvalidStateError{Op: op, State: cur}
}
