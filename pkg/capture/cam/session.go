// Package cam runs cameras through the frame pipeline: a reader
// goroutine pulls frames from the driver into a latest-frame slot, and
// consumers read that slot without ever waiting on the hardware.
package cam

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
	"github.com/probelab/devcheck/pkg/util"
)

const (
	// Warm-up: reads are discarded until warmupNeeded consecutive ones
	// succeed, so black or garbage start-up frames never reach a
	// consumer. The whole warm-up is bounded.
	warmupNeeded   = 2
	warmupAttempts = 10
	warmupTimeout  = 3 * time.Second

	// readRetryDelay paces the reader after a transient driver failure.
	readRetryDelay = 100 * time.Millisecond
)

// FrameSnapshot is the consumer view of the latest camera frame.
type FrameSnapshot struct {
	Frame driver.Frame
	Seq   uint64
	Taken time.Time
}

// Session binds one camera. The reader goroutine and command
// goroutines share the session mutex; LatestFrame never waits on the
// next hardware tick.
type Session struct {
	machine capture.Machine
	logger  zerolog.Logger
	metrics api.WriteAPI
	src     driver.FrameSource
	id      string

	mu      sync.Mutex
	latest  FrameSnapshot
	readErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ capture.Session = (*Session)(nil)

func NewSession(id string, src driver.FrameSource, logger zerolog.Logger, metrics api.WriteAPI) *Session {
	if metrics == nil {
		metrics = &util.NullWriteAPI{}
	}
	return &Session{
		id:      id,
		src:     src,
		logger:  logger.With().Str("device", id).Logger(),
		metrics: metrics,
	}
}

// Initialize opens the camera. On failure nothing is left open.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.machine.Transition("initialize", capture.StateInitializing); err != nil {
		return err
	}

	if err := s.src.Open(ctx); err != nil {
		s.machine.Transition("initialize", capture.StateClosed)
		return fmt.Errorf("opening camera: %w", err)
	}

	s.machine.Transition("initialize", capture.StateReady)
	s.logger.Info().Msg("camera session ready")
	return nil
}

// StartCapture starts streaming, warms the sensor up, and launches the
// reader goroutine. A failed warm-up stops streaming again and leaves
// the session Ready.
func (s *Session) StartCapture(ctx context.Context) error {
	if err := s.machine.Transition("start capture", capture.StateCapturing); err != nil {
		return err
	}

	if err := s.src.Start(); err != nil {
		s.rollbackToReady()
		return fmt.Errorf("starting camera stream: %w", err)
	}

	if err := s.warmup(ctx); err != nil {
		if serr := s.src.Stop(); serr != nil {
			s.logger.Warn().Err(serr).Msg("stopping stream after failed warm-up")
		}
		s.rollbackToReady()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.latest = FrameSnapshot{}
	s.readErr = nil
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.readFrames(readCtx, done)
	s.logger.Debug().Msg("camera capture started")
	return nil
}

func (s *Session) rollbackToReady() {
	s.machine.Transition("start capture", capture.StateStopping)
	s.machine.Transition("start capture", capture.StateReady)
}

// warmup discards frames until warmupNeeded consecutive reads succeed.
func (s *Session) warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	good := 0
	for attempt := 0; attempt < warmupAttempts; attempt++ {
		if _, err := s.src.ReadFrame(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("camera warm-up: %w", ctx.Err())
			}
			good = 0
			continue
		}
		good++
		if good >= warmupNeeded {
			s.logger.Debug().Int("discarded", attempt+1).Msg("camera warmed up")
			return nil
		}
	}
	return fmt.Errorf("camera produced no usable frames in %d reads", warmupAttempts)
}

// readFrames keeps the latest-frame slot fresh until cancelled.
// Transient read failures are remembered for the pull to escalate but
// never end the reader on their own.
func (s *Session) readFrames(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		frame, err := s.src.ReadFrame(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("frame read failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		s.mu.Lock()
		seq := s.latest.Seq + 1
		s.latest = FrameSnapshot{Frame: frame, Seq: seq, Taken: time.Now()}
		s.readErr = nil
		s.mu.Unlock()

		if seq%30 == 0 {
			go s.metrics.WritePoint(influxdb2.NewPoint("cam.frames",
				map[string]string{
					"device": s.id,
				},
				map[string]interface{}{
					"seq":   int64(seq),
					"bytes": len(frame.Data),
				},
				time.Now()))
		}
	}
}

// StopCapture winds the reader down and pauses streaming. The handle
// stays open. Stopping an already stopped session is a no-op.
func (s *Session) StopCapture(ctx context.Context) error {
	if s.machine.State() == capture.StateReady {
		// already stopped
		return nil
	}
	if err := s.machine.Transition("stop capture", capture.StateStopping); err != nil {
		return err
	}

	s.stopReader()
	err := s.src.Stop()

	s.mu.Lock()
	s.latest = FrameSnapshot{}
	s.readErr = nil
	s.mu.Unlock()

	s.machine.Transition("stop capture", capture.StateReady)

	if err != nil {
		return fmt.Errorf("stopping camera stream: %w", err)
	}
	s.logger.Debug().Msg("camera capture stopped")
	return nil
}

func (s *Session) stopReader() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Dispose releases the camera from any state. Repeated calls are
// no-ops.
func (s *Session) Dispose(ctx context.Context) error {
	if s.machine.State() == capture.StateClosed {
		return nil
	}

	if s.machine.State() == capture.StateCapturing {
		s.stopReader()
		if err := s.src.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("stopping stream during dispose")
		}
	}

	err := s.src.Close()
	s.machine.Transition("dispose", capture.StateClosed)
	s.logger.Info().Msg("camera session disposed")

	if err != nil {
		return fmt.Errorf("closing camera: %w", err)
	}
	return nil
}

func (s *Session) State() capture.State {
	return s.machine.State()
}

func (s *Session) DeviceID() string {
	return s.id
}

// StreamErr reports the most recent read failure, cleared by the next
// good frame.
func (s *Session) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// LatestFrame returns the newest frame without waiting. ok is false
// until the reader has captured one since the last (re)start.
func (s *Session) LatestFrame() (FrameSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest.Seq > 0
}
