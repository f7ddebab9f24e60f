// Package driver holds the native input sources a capture session can
// bind to. Sources split the lifecycle the same way sessions do: Open
// claims the hardware, Start and Stop toggle streaming, Close releases
// the handle.
package driver

import "context"

// SampleFunc receives mono samples in [-1, 1]. It is invoked from the
// source's delivery goroutine and must not block for long.
type SampleFunc func(samples []float64)

// AudioSource is one selectable audio input.
type AudioSource interface {
	Open(ctx context.Context) error
	Start(fn SampleFunc) error
	Stop() error
	Close() error

	// SampleRate is valid after Open.
	SampleRate() int

	// Err reports a sticky streaming failure, such as the device
	// disappearing mid-capture. Cleared by Start.
	Err() error
}

// Frame is one encoded camera image.
type Frame struct {
	Data   []byte
	Format string // "jpeg"
	Width  int
	Height int
}

// FrameSource is one selectable camera.
type FrameSource interface {
	Open(ctx context.Context) error
	Start() error

	// ReadFrame returns the newest available frame, discarding any
	// backlog, so callers always observe the freshest image. It blocks
	// until a frame arrives or ctx ends.
	ReadFrame(ctx context.Context) (Frame, error)

	Stop() error
	Close() error
}
