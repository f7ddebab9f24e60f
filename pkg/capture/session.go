package capture

import "context"

// Session binds one native device handle through its lifecycle. All
// methods that touch the handle must be routed through the Coordinator;
// implementations serialize their own internal state.
type Session interface {
	// Initialize opens the native handle: Closed -> Initializing -> Ready.
	Initialize(ctx context.Context) error

	// StartCapture begins streaming: Ready -> Capturing.
	StartCapture(ctx context.Context) error

	// StopCapture halts streaming but keeps the handle so capture can
	// resume cheaply: Capturing -> Stopping -> Ready.
	StopCapture(ctx context.Context) error

	// Dispose releases the handle from any state. It must be safe to
	// call repeatedly and must log, not return, secondary cleanup
	// failures once the handle is gone.
	Dispose(ctx context.Context) error

	// State reports the current lifecycle state.
	State() State

	// DeviceID identifies the underlying device.
	DeviceID() string
}

// DeviceInfo describes one selectable device.
type DeviceInfo struct {
	ID      string            `json:"id"`
	Label   string            `json:"label"`
	Default bool              `json:"default,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}
