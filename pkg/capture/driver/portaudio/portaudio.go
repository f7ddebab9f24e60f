// Package portaudio adapts PortAudio input devices to the capture
// driver interface.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
)

const framesPerBuffer = 512

// Source is a PortAudio input stream. The zero device name selects the
// host default.
type Source struct {
	deviceName string
	wantRate   int
	logger     zerolog.Logger

	mu         sync.Mutex
	stream     *pa.Stream
	buf        []float32
	sampleRate int
	quit       chan struct{}
	done       chan struct{}
	lastErr    error
}

func NewSource(deviceName string, sampleRate int, logger zerolog.Logger) *Source {
	return &Source{deviceName: deviceName, wantRate: sampleRate, logger: logger}
}

// Open initializes PortAudio, resolves the device, and opens a mono
// input stream without starting it.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}

	dev, err := s.resolveDevice()
	if err != nil {
		pa.Terminate()
		return err
	}

	rate := s.wantRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: len(buf),
	}, buf)
	if err != nil {
		pa.Terminate()
		return fmt.Errorf("opening stream on %q: %w", dev.Name, err)
	}

	s.stream = stream
	s.buf = buf
	s.sampleRate = rate
	s.logger.Debug().Str("device", dev.Name).Int("sample_rate", rate).Msg("audio stream opened")
	return nil
}

func (s *Source) resolveDevice() (*pa.DeviceInfo, error) {
	if s.deviceName == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == s.deviceName && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", s.deviceName)
}

// Start begins the blocking-read delivery goroutine.
func (s *Source) Start(fn driver.SampleFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return fmt.Errorf("stream not open")
	}
	if s.quit != nil {
		return fmt.Errorf("stream already started")
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	s.lastErr = nil
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.readLoop(fn, s.quit, s.done)
	return nil
}

func (s *Source) readLoop(fn driver.SampleFunc, quit, done chan struct{}) {
	defer close(done)
	out := make([]float64, len(s.buf))

	for {
		select {
		case <-quit:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case <-quit:
				// stream torn down under us, expected
			default:
				s.mu.Lock()
				s.lastErr = fmt.Errorf("reading stream: %w", err)
				s.mu.Unlock()
				s.logger.Warn().Err(err).Msg("audio read failed, delivery stopped")
			}
			return
		}

		for i, v := range s.buf {
			out[i] = float64(v)
		}
		fn(out)
	}
}

// Stop halts delivery and the stream but keeps the handle open.
func (s *Source) Stop() error {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	stream := s.stream
	s.mu.Unlock()

	if quit == nil {
		return nil
	}
	close(quit)

	var err error
	if stream != nil {
		// unblocks the pending Read
		err = stream.Stop()
	}
	<-done

	if err != nil {
		return fmt.Errorf("stopping stream: %w", err)
	}
	return nil
}

// Close releases the stream and the PortAudio host.
func (s *Source) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	pa.Terminate()
	if err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}
	return nil
}

func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Devices lists PortAudio inputs. The host is initialized just for the
// scan and released again.
func Devices(ctx context.Context) ([]capture.DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	out := make([]capture.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		out = append(out, capture.DeviceInfo{
			ID:      d.Name,
			Label:   d.Name,
			Default: d == def,
			Meta: map[string]string{
				"channels":    fmt.Sprintf("%d", d.MaxInputChannels),
				"sample_rate": fmt.Sprintf("%.0f", d.DefaultSampleRate),
				"host_api":    d.HostApi.Name,
			},
		})
	}
	return out, nil
}
