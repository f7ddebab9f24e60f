package cam

import (
	"context"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
)

// Subscriber receives each new frame. It is invoked from the
// acquisition loop goroutine and must not block for long.
type Subscriber func(FrameSnapshot)

// CheckConfig wires the camera check to a driver backend.
type CheckConfig struct {
	OpenSource  func(ctx context.Context, deviceID string) (driver.FrameSource, error)
	ListDevices capture.ListFunc
	Loop        capture.LoopConfig
}

// Check is the camera diagnostic: commands go through its controller
// and each new frame reaches the single subscriber at the loop cadence.
type Check struct {
	logger zerolog.Logger
	coord  *capture.Coordinator
	ctrl   *capture.Controller

	mu      sync.Mutex
	sub     Subscriber
	lastSeq uint64
}

func NewCheck(cfg CheckConfig, logger zerolog.Logger, metrics api.WriteAPI) *Check {
	c := &Check{logger: logger.With().Str("feature", "cam").Logger()}
	c.coord = capture.NewCoordinator(c.logger)

	if cfg.Loop.Interval <= 0 {
		cfg.Loop.Interval = 33 * time.Millisecond
	}

	c.ctrl = capture.NewController(c.coord, capture.ControllerConfig{
		Feature: "cam",
		Loop:    cfg.Loop,
		OpenSession: func(ctx context.Context, deviceID string) (capture.Session, error) {
			src, err := cfg.OpenSource(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			s := NewSession(deviceID, src, logger, metrics)
			if err := s.Initialize(ctx); err != nil {
				return nil, err
			}
			return s, nil
		},
		ListDevices: cfg.ListDevices,
		Pull:        c.pull,
	}, logger, metrics)

	return c
}

// pull hands the newest frame to the subscriber, skipping frames the
// subscriber has already seen.
func (c *Check) pull(ctx context.Context, s capture.Session) (bool, error) {
	sess := s.(*Session)
	if sess.State() != capture.StateCapturing {
		return false, capture.ErrNotCapturing
	}
	if err := sess.StreamErr(); err != nil {
		return false, err
	}

	snap, ok := sess.LatestFrame()
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	sub := c.sub
	fresh := snap.Seq != c.lastSeq
	if fresh {
		c.lastSeq = snap.Seq
	}
	c.mu.Unlock()

	if !fresh {
		return false, nil
	}
	if sub != nil {
		sub(snap)
	}
	return true, nil
}

// Subscribe registers fn as the delivery target, replacing any previous
// subscriber. A nil fn unsubscribes.
func (c *Check) Subscribe(fn Subscriber) {
	c.mu.Lock()
	c.sub = fn
	c.mu.Unlock()
}

// Devices lists selectable cameras.
func (c *Check) Devices(ctx context.Context) ([]capture.DeviceInfo, error) {
	return c.ctrl.Devices(ctx)
}

// Select switches to the named camera, fully disposing the old session
// first.
func (c *Check) Select(ctx context.Context, deviceID string) error {
	return c.ctrl.Select(ctx, deviceID)
}

// Start begins capture and frame delivery on the selected camera.
func (c *Check) Start(ctx context.Context) error {
	c.mu.Lock()
	c.lastSeq = 0
	c.mu.Unlock()
	return c.ctrl.Start(ctx)
}

// Stop halts delivery and pauses the stream. Stopping an already
// stopped check succeeds.
func (c *Check) Stop(ctx context.Context) error {
	return c.ctrl.Stop(ctx)
}

// Status reports the current controller snapshot.
func (c *Check) Status() capture.Status {
	return c.ctrl.Status()
}

// Latest returns the most recent frame without waiting.
func (c *Check) Latest() (FrameSnapshot, bool) {
	s := c.session()
	if s == nil {
		return FrameSnapshot{}, false
	}
	return s.LatestFrame()
}

// Close tears the check down: loop stopped, session disposed,
// coordinator refusing further commands.
func (c *Check) Close(ctx context.Context) error {
	err := c.ctrl.Close(ctx)
	if cerr := c.coord.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Check) session() *Session {
	s := c.ctrl.Session()
	if s == nil {
		return nil
	}
	return s.(*Session)
}
