package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCapturing is returned by pulls against a session that is not
	// streaming. The acquisition loop treats it as a clean exit.
	ErrNotCapturing = errors.New("session not capturing")

	// ErrCoordinatorClosed is returned by commands issued after shutdown
	// has begun. Callers can treat it as a benign refusal.
	ErrCoordinatorClosed = errors.New("coordinator closed")

	// ErrNoDevice is returned by commands that need a selected device
	// when none is.
	ErrNoDevice = errors.New("no device selected")
)

// InvalidStateError rejects an operation that is illegal in the
// session's current state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s invalid in state %s", e.Op, e.State)
}
