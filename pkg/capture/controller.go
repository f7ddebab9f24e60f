package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/util"
)

// SessionFactory opens a session for the named device and brings it to
// Ready. On error no session is returned and nothing is left open.
type SessionFactory func(ctx context.Context, deviceID string) (Session, error)

// ListFunc enumerates selectable devices.
type ListFunc func(ctx context.Context) ([]DeviceInfo, error)

// ControllerConfig wires one feature's controller.
type ControllerConfig struct {
	Feature     string // "mic", "cam"
	Loop        LoopConfig
	OpenSession SessionFactory
	ListDevices ListFunc

	// Pull fetches the latest unit from the current session. It is
	// invoked from the acquisition loop goroutine.
	Pull func(ctx context.Context, s Session) (bool, error)
}

// Controller owns one feature's session, runs its acquisition loop, and
// routes every command through the shared coordinator. Commands are
// cheap to issue from HTTP handlers; the loop outlives the command that
// started it.
type Controller struct {
	feature string
	logger  zerolog.Logger
	metrics api.WriteAPI
	coord   *Coordinator
	loop    *Loop
	cfg     ControllerConfig

	runCtx    context.Context
	runCancel context.CancelFunc

	mu         sync.Mutex
	session    Session
	lastAction string
}

// Status is a point-in-time controller snapshot.
type Status struct {
	Feature     string `json:"feature"`
	DeviceID    string `json:"device_id,omitempty"`
	State       string `json:"state"`
	LoopRunning bool   `json:"loop_running"`
	LastAction  string `json:"last_action,omitempty"`
}

func NewController(coord *Coordinator, cfg ControllerConfig, logger zerolog.Logger, metrics api.WriteAPI) *Controller {
	if metrics == nil {
		metrics = &util.NullWriteAPI{}
	}
	logger = logger.With().Str("feature", cfg.Feature).Logger()
	runCtx, runCancel := context.WithCancel(context.Background())

	return &Controller{
		feature:   cfg.Feature,
		logger:    logger,
		metrics:   metrics,
		coord:     coord,
		loop:      NewLoop(logger, cfg.Loop),
		cfg:       cfg,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Session returns the current session, or nil when no device is
// selected.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Status reports the feature, selected device, session state, and loop
// liveness.
func (c *Controller) Status() Status {
	st := Status{Feature: c.feature, State: StateClosed.String(), LoopRunning: c.loop.Running()}
	c.mu.Lock()
	st.LastAction = c.lastAction
	s := c.session
	c.mu.Unlock()
	if s != nil {
		st.DeviceID = s.DeviceID()
		st.State = s.State().String()
	}
	return st
}

// Devices lists selectable devices for this feature.
func (c *Controller) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	err := c.exec(ctx, "list", func(opCtx context.Context) error {
		var err error
		out, err = c.cfg.ListDevices(opCtx)
		return err
	})
	return out, err
}

// Select switches to the named device. The old session is always fully
// disposed first, even when opening the new device fails; a failed
// select leaves the feature with no device.
func (c *Controller) Select(ctx context.Context, deviceID string) error {
	return c.exec(ctx, "select", func(opCtx context.Context) error {
		if err := c.loop.Stop(opCtx); err != nil {
			c.logger.Warn().Err(err).Msg("loop did not stop cleanly before select")
		}

		c.mu.Lock()
		old := c.session
		c.session = nil
		c.mu.Unlock()

		if old != nil {
			if err := old.Dispose(opCtx); err != nil {
				c.logger.Warn().Err(err).Str("device", old.DeviceID()).Msg("dispose failed during select")
			}
		}

		s, err := c.cfg.OpenSession(opCtx, deviceID)
		if err != nil {
			return fmt.Errorf("opening device %s: %w", deviceID, err)
		}

		c.mu.Lock()
		c.session = s
		c.mu.Unlock()

		c.logger.Info().Str("device", deviceID).Msg("device selected")
		return nil
	})
}

// Start begins capturing on the selected device and launches the
// acquisition loop.
func (c *Controller) Start(ctx context.Context) error {
	return c.exec(ctx, "start", func(opCtx context.Context) error {
		s := c.Session()
		if s == nil {
			return ErrNoDevice
		}
		if err := s.StartCapture(opCtx); err != nil {
			return err
		}

		// The loop runs under the controller's own context so it
		// survives the command that started it.
		c.loop.Start(c.runCtx, func(pullCtx context.Context) (bool, error) {
			return c.cfg.Pull(pullCtx, s)
		})
		return nil
	})
}

// Stop halts the acquisition loop, then stops capture. The handle stays
// open so a later Start is cheap.
func (c *Controller) Stop(ctx context.Context) error {
	return c.exec(ctx, "stop", func(opCtx context.Context) error {
		if err := c.loop.Stop(opCtx); err != nil {
			c.logger.Warn().Err(err).Msg("loop did not stop cleanly")
		}
		s := c.Session()
		if s == nil {
			return ErrNoDevice
		}
		return s.StopCapture(opCtx)
	})
}

// Close tears the feature down: loop stopped, session disposed. The
// shared coordinator is left to its owner.
func (c *Controller) Close(ctx context.Context) error {
	err := c.exec(ctx, "close", func(opCtx context.Context) error {
		if err := c.loop.Stop(opCtx); err != nil {
			c.logger.Warn().Err(err).Msg("loop did not stop cleanly during close")
		}
		c.mu.Lock()
		s := c.session
		c.session = nil
		c.mu.Unlock()
		if s == nil {
			return nil
		}
		return s.Dispose(opCtx)
	})
	c.runCancel()
	return err
}

func (c *Controller) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	start := time.Now()
	dur := util.TimeOperationMicroseconds(func() {
		err = c.coord.Execute(ctx, c.feature+"."+op, fn)
	})

	c.noteAction(op, err)

	go c.metrics.WritePoint(influxdb2.NewPoint("capture.op",
		map[string]string{
			"feature": c.feature,
			"op":      op,
		},
		map[string]interface{}{
			"duration": dur,
			"success":  err == nil,
		},
		start))

	return err
}

// noteAction keeps the short human-readable trail the status surface
// shows next to the feature.
func (c *Controller) noteAction(op string, err error) {
	var action string
	switch {
	case err == nil:
		action = op + " ok"
	case errors.Is(err, context.Canceled):
		action = op + " superseded"
	case errors.Is(err, ErrCoordinatorClosed):
		action = op + " refused: shutting down"
	default:
		action = op + " failed: " + err.Error()
	}
	c.mu.Lock()
	c.lastAction = action
	c.mu.Unlock()
}
