// Package devcheck assembles the diagnostic daemon: one microphone
// check, one camera check, and the HTTP surface a local UI consumes.
package devcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/cam"
	"github.com/probelab/devcheck/pkg/capture/driver"
	"github.com/probelab/devcheck/pkg/capture/mic"
	"github.com/probelab/devcheck/pkg/devcheck/config"
	"github.com/probelab/devcheck/pkg/devcheck/server"
	"github.com/probelab/devcheck/pkg/util"
)

// stopTimeout bounds how long Stop waits for in-flight work to unwind
// before releasing resources regardless.
const stopTimeout = 5 * time.Second

// Rig owns the two checks and their server for one daemon run.
type Rig struct {
	cfg      config.Config
	logger   zerolog.Logger
	metrics  api.WriteAPI
	registry *driver.Registry

	mic    *mic.Check
	cam    *cam.Check
	server *server.Server

	cancel context.CancelFunc
}

type Option func(r *Rig) error

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Rig) error {
		r.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(r *Rig) error {
		r.metrics = writeAPI
		return nil
	}
}

func WithRegistry(reg *driver.Registry) Option {
	return func(r *Rig) error {
		r.registry = reg
		return nil
	}
}

func New(cfg config.Config, opts ...Option) (*Rig, error) {
	r := &Rig{
		cfg:     cfg,
		logger:  log.Logger,
		metrics: &util.NullWriteAPI{}, // overwritten with option
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.registry == nil {
		r.registry = NewRegistry(cfg, r.logger)
	}

	audio, err := r.registry.Audio(cfg.Mic.Backend)
	if err != nil {
		return nil, fmt.Errorf("mic backend: %w", err)
	}
	frame, err := r.registry.Frame(cfg.Cam.Backend)
	if err != nil {
		return nil, fmt.Errorf("cam backend: %w", err)
	}

	r.mic = mic.NewCheck(mic.CheckConfig{
		OpenSource: func(ctx context.Context, deviceID string) (driver.AudioSource, error) {
			return audio.New(deviceID)
		},
		ListDevices: audio.List,
	}, r.logger, r.metrics)

	r.cam = cam.NewCheck(cam.CheckConfig{
		OpenSource: func(ctx context.Context, deviceID string) (driver.FrameSource, error) {
			return frame.New(deviceID)
		},
		ListDevices: frame.List,
	}, r.logger, r.metrics)

	r.server = server.New(server.Config{
		Addr:      cfg.Listen,
		RecordDir: cfg.RecordDir,
	}, r.mic, r.cam, r.logger)

	return r, nil
}

// Mic exposes the microphone check.
func (r *Rig) Mic() *mic.Check { return r.mic }

// Cam exposes the camera check.
func (r *Rig) Cam() *cam.Check { return r.cam }

// Start runs the daemon until ctx ends or Stop is called. Configured
// device preselection happens in the background so a missing device
// never keeps the server from coming up.
func (r *Rig) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	ctx, r.cancel = context.WithCancel(ctx)

	eg.Go(func() error {
		return r.server.Run(ctx)
	})
	eg.Go(func() error {
		r.autostart(ctx)
		return nil
	})

	r.logger.Info().
		Str("listen", r.cfg.Listen).
		Str("mic_backend", r.cfg.Mic.Backend).
		Str("cam_backend", r.cfg.Cam.Backend).
		Msg("devcheck started")

	return eg.Wait()
}

// Stop tears the daemon down: checks closed, server shut down.
func (r *Rig) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var first error
	if err := r.mic.Close(ctx); err != nil {
		first = err
	}
	if err := r.cam.Close(ctx); err != nil && first == nil {
		first = err
	}
	if err := r.server.Stop(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// autostart applies the configured device selections. Failures are
// logged and left for the operator to retry through the API.
func (r *Rig) autostart(ctx context.Context) {
	r.preselect(ctx, "mic", r.cfg.Mic.Device, r.cfg.Mic.AutoStart,
		r.mic.Devices, r.mic.Select, r.mic.Start)
	r.preselect(ctx, "cam", r.cfg.Cam.Device, r.cfg.Cam.AutoStart,
		r.cam.Devices, r.cam.Select, r.cam.Start)
}

func (r *Rig) preselect(ctx context.Context, feature, deviceID string, autoStart bool,
	list func(context.Context) ([]capture.DeviceInfo, error),
	sel func(context.Context, string) error,
	start func(context.Context) error) {

	if deviceID == "" && !autoStart {
		return
	}

	if deviceID == "" {
		devs, err := list(ctx)
		if err != nil || len(devs) == 0 {
			r.logger.Warn().Err(err).Str("feature", feature).Msg("no device to auto-start")
			return
		}
		deviceID = devs[0].ID
		for _, d := range devs {
			if d.Default {
				deviceID = d.ID
				break
			}
		}
	}

	if err := sel(ctx, deviceID); err != nil {
		r.logger.Warn().Err(err).Str("feature", feature).Str("device", deviceID).
			Msg("preselect failed")
		return
	}
	if autoStart {
		if err := start(ctx); err != nil {
			r.logger.Warn().Err(err).Str("feature", feature).Msg("auto-start failed")
		}
	}
}
