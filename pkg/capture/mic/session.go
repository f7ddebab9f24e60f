// Package mic runs audio inputs through the spectrum pipeline: driver
// callbacks feed the sample ring, analysis fires on a sample-count
// cadence, and the freshest band frame is what consumers read.
package mic

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
	"github.com/probelab/devcheck/pkg/dsp/level"
	"github.com/probelab/devcheck/pkg/dsp/spectrum"
	"github.com/probelab/devcheck/pkg/record"
	"github.com/probelab/devcheck/pkg/util"
)

// analysisStride is how many fresh samples accumulate between spectrum
// passes: half a window, so successive windows overlap by half.
const analysisStride = spectrum.WindowSize / 2

// BandsSnapshot is the consumer view of the latest spectrum frame.
type BandsSnapshot struct {
	Bands      []float64 `json:"bands"`
	Frame      uint64    `json:"frame"`
	SampleRate int       `json:"sample_rate"`
	RMS        float64   `json:"rms"`
	Peak       float64   `json:"peak"`
	DB         float64   `json:"db"`
	Taken      time.Time `json:"taken"`
}

// Session binds one audio source. The driver delivery goroutine and
// command goroutines share the session mutex; LatestBands never waits
// on new data.
type Session struct {
	machine capture.Machine
	logger  zerolog.Logger
	metrics api.WriteAPI
	src     driver.AudioSource
	id      string

	mu           sync.Mutex
	ring         spectrum.Ring
	analyzer     *spectrum.Analyzer
	meter        *level.Meter
	rec          *record.Recorder
	scratch      []float64
	lastAnalyzed uint64
}

var _ capture.Session = (*Session)(nil)

func NewSession(id string, src driver.AudioSource, logger zerolog.Logger, metrics api.WriteAPI) *Session {
	if metrics == nil {
		metrics = &util.NullWriteAPI{}
	}
	return &Session{
		id:      id,
		src:     src,
		logger:  logger.With().Str("device", id).Logger(),
		metrics: metrics,
		meter:   level.NewMeter(0.05),
		scratch: make([]float64, spectrum.WindowSize),
	}
}

// Initialize opens the audio source and builds the analyzer for the
// negotiated sample rate. Band edges are fixed here for the session's
// lifetime.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.machine.Transition("initialize", capture.StateInitializing); err != nil {
		return err
	}

	if err := s.src.Open(ctx); err != nil {
		s.machine.Transition("initialize", capture.StateClosed)
		return fmt.Errorf("opening audio source: %w", err)
	}

	analyzer, err := spectrum.NewAnalyzer(s.src.SampleRate())
	if err != nil {
		if cerr := s.src.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("closing source after failed init")
		}
		s.machine.Transition("initialize", capture.StateClosed)
		return err
	}

	s.mu.Lock()
	s.analyzer = analyzer
	s.mu.Unlock()

	s.machine.Transition("initialize", capture.StateReady)
	s.logger.Info().Int("sample_rate", s.src.SampleRate()).
		Str("rate", util.FormatHz(float64(s.src.SampleRate()))).Msg("audio session ready")
	return nil
}

// StartCapture clears any previous capture's state and begins
// streaming.
func (s *Session) StartCapture(ctx context.Context) error {
	if err := s.machine.Transition("start capture", capture.StateCapturing); err != nil {
		return err
	}

	s.mu.Lock()
	s.ring.Reset()
	s.analyzer.Reset()
	s.meter.Reset()
	s.lastAnalyzed = 0
	s.mu.Unlock()

	if err := s.src.Start(s.onSamples); err != nil {
		s.machine.Transition("start capture", capture.StateStopping)
		s.machine.Transition("start capture", capture.StateReady)
		return fmt.Errorf("starting audio stream: %w", err)
	}

	s.logger.Debug().Msg("audio capture started")
	return nil
}

// StopCapture pauses streaming, finalizes any active recording, and
// zeroes the band state so stale spectra cannot be served. The handle
// stays open.
func (s *Session) StopCapture(ctx context.Context) error {
	if s.machine.State() == capture.StateReady {
		// already stopped
		return nil
	}
	if err := s.machine.Transition("stop capture", capture.StateStopping); err != nil {
		return err
	}

	err := s.src.Stop()

	s.mu.Lock()
	s.analyzer.Reset()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	if rec != nil {
		if rerr := rec.Close(); rerr != nil {
			s.logger.Warn().Err(rerr).Str("path", rec.Path()).Msg("finalizing recording failed")
		} else {
			s.logger.Info().Str("path", rec.Path()).Dur("length", rec.Duration()).Msg("recording finalized")
		}
	}

	s.machine.Transition("stop capture", capture.StateReady)

	if err != nil {
		return fmt.Errorf("stopping audio stream: %w", err)
	}
	s.logger.Debug().Msg("audio capture stopped")
	return nil
}

// Dispose releases the source from any state. Repeated calls are
// no-ops.
func (s *Session) Dispose(ctx context.Context) error {
	if s.machine.State() == capture.StateClosed {
		return nil
	}

	if s.machine.State() == capture.StateCapturing {
		if err := s.src.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("stopping stream during dispose")
		}
	}

	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.logger.Warn().Err(err).Str("path", rec.Path()).Msg("finalizing recording during dispose")
		}
	}

	err := s.src.Close()
	s.machine.Transition("dispose", capture.StateClosed)
	s.logger.Info().Msg("audio session disposed")

	if err != nil {
		return fmt.Errorf("closing audio source: %w", err)
	}
	return nil
}

func (s *Session) State() capture.State {
	return s.machine.State()
}

// StreamErr reports a sticky driver failure, such as the device
// disappearing mid-capture. The acquisition pull escalates it.
func (s *Session) StreamErr() error {
	return s.src.Err()
}

func (s *Session) DeviceID() string {
	return s.id
}

// onSamples is the driver delivery callback. It appends to the ring and
// runs the analyzer each time half a window of new samples has arrived;
// nothing is analyzed until the ring has filled once.
func (s *Session) onSamples(samples []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() != capture.StateCapturing {
		// late delivery after stop
		return
	}

	s.ring.Write(samples)
	s.meter.Feed(samples)
	if s.rec != nil {
		s.rec.Write(samples)
	}

	for s.ring.Total()-s.lastAnalyzed >= analysisStride {
		s.lastAnalyzed += analysisStride
		if !s.ring.Snapshot(s.scratch) {
			continue
		}
		dur := util.TimeOperationMicroseconds(func() {
			s.analyzer.Process(s.scratch)
		})

		go s.metrics.WritePoint(influxdb2.NewPoint("mic.analysis",
			map[string]string{
				"device": s.id,
			},
			map[string]interface{}{
				"duration": dur,
				"frame":    int64(s.analyzer.Frames()),
			},
			time.Now()))
	}
}

// LatestBands returns the most recent smoothed spectrum without
// waiting. ok is false until the first analysis after a (re)start.
func (s *Session) LatestBands() (BandsSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.analyzer == nil {
		return BandsSnapshot{}, false
	}
	bands := make([]float64, spectrum.NumBands)
	if !s.analyzer.Bands(bands) {
		return BandsSnapshot{}, false
	}

	return BandsSnapshot{
		Bands:      bands,
		Frame:      s.analyzer.Frames(),
		SampleRate: s.analyzer.SampleRate(),
		RMS:        s.meter.RMS(),
		Peak:       s.meter.Peak(),
		DB:         s.meter.DB(),
		Taken:      time.Now(),
	}, true
}

// BandCenters exposes the analyzer's band center frequencies for
// labeling.
func (s *Session) BandCenters() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analyzer == nil {
		return nil
	}
	return s.analyzer.Centers()
}

// StartRecording begins writing captured audio to path. Only valid
// while capturing.
func (s *Session) StartRecording(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.machine.State(); st != capture.StateCapturing {
		return &capture.InvalidStateError{Op: "start recording", State: st}
	}
	if s.rec != nil {
		return fmt.Errorf("already recording to %s", s.rec.Path())
	}

	rec, err := record.New(path, s.analyzer.SampleRate())
	if err != nil {
		return err
	}
	s.rec = rec
	s.logger.Info().Str("path", path).Msg("recording started")
	return nil
}

// StopRecording finalizes the active recording and reports where it
// went and how long it is.
func (s *Session) StopRecording() (string, time.Duration, error) {
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	if rec == nil {
		return "", 0, fmt.Errorf("not recording")
	}

	path, length := rec.Path(), rec.Duration()
	if err := rec.Close(); err != nil {
		return path, length, err
	}
	s.logger.Info().Str("path", path).Dur("length", length).Msg("recording finalized")
	return path, length, nil
}
