package mic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
)

// Subscriber receives each freshly analyzed band frame. It is invoked
// from the acquisition loop goroutine and must not block for long.
type Subscriber func(BandsSnapshot)

// CheckConfig wires the microphone check to a driver backend.
type CheckConfig struct {
	OpenSource  func(ctx context.Context, deviceID string) (driver.AudioSource, error)
	ListDevices capture.ListFunc
	Loop        capture.LoopConfig
}

// Check is the microphone diagnostic: commands go through its
// controller, audio flows through the session's spectrum pipeline, and
// each new band frame reaches the single subscriber. At most one
// subscriber is active at a time.
type Check struct {
	logger zerolog.Logger
	coord  *capture.Coordinator
	ctrl   *capture.Controller

	mu        sync.Mutex
	sub       Subscriber
	lastFrame uint64
}

func NewCheck(cfg CheckConfig, logger zerolog.Logger, metrics api.WriteAPI) *Check {
	c := &Check{logger: logger.With().Str("feature", "mic").Logger()}
	c.coord = capture.NewCoordinator(c.logger)

	if cfg.Loop.Interval <= 0 {
		cfg.Loop.Interval = 50 * time.Millisecond
	}

	c.ctrl = capture.NewController(c.coord, capture.ControllerConfig{
		Feature: "mic",
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

// pull delivers the latest band frame to the subscriber, once per
// analyzer frame. Stale frames are skipped so the subscriber never sees
// the same spectrum twice.
func (c *Check) pull(ctx context.Context, s capture.Session) (bool, error) {
	sess := s.(*Session)
	if sess.State() != capture.StateCapturing {
		return false, capture.ErrNotCapturing
	}
	if err := sess.StreamErr(); err != nil {
		return false, err
	}

	snap, ok := sess.LatestBands()
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	sub := c.sub
	fresh := snap.Frame != c.lastFrame
	if fresh {
		c.lastFrame = snap.Frame
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

// Devices lists selectable audio inputs.
func (c *Check) Devices(ctx context.Context) ([]capture.DeviceInfo, error) {
	return c.ctrl.Devices(ctx)
}

// Select switches to the named input, fully disposing the old session
// first.
func (c *Check) Select(ctx context.Context, deviceID string) error {
	return c.ctrl.Select(ctx, deviceID)
}

// Start begins capture and band delivery on the selected input.
func (c *Check) Start(ctx context.Context) error {
	c.mu.Lock()
	c.lastFrame = 0
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

// Latest returns the most recent band frame without waiting.
func (c *Check) Latest() (BandsSnapshot, bool) {
	s := c.session()
	if s == nil {
		return BandsSnapshot{}, false
	}
	return s.LatestBands()
}

// BandCenters returns the center frequency of each band for labeling,
// or nil when no device is selected.
func (c *Check) BandCenters() []float64 {
	s := c.session()
	if s == nil {
		return nil
	}
	return s.BandCenters()
}

// StartRecording begins writing the live capture to path.
func (c *Check) StartRecording(path string) error {
	s := c.session()
	if s == nil {
		return capture.ErrNoDevice
	}
	return s.StartRecording(path)
}

// StopRecording finalizes the active recording.
func (c *Check) StopRecording() (string, time.Duration, error) {
	s := c.session()
	if s == nil {
		return "", 0, fmt.Errorf("not recording")
	}
	return s.StopRecording()
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
