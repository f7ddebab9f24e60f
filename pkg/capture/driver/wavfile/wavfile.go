// Package wavfile plays a WAV file back as if it were a live audio
// input, paced in real time. It stands in for a microphone when
// diagnosing without hardware or when replaying a reported capture.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture/driver"
)

const chunkInterval = 50 * time.Millisecond

// Source decodes the whole file at Open and loops it forever while
// started, delivering one chunk per tick.
type Source struct {
	path   string
	logger zerolog.Logger

	mu         sync.Mutex
	samples    []float64
	sampleRate int
	pos        int
	quit       chan struct{}
	done       chan struct{}
}

func NewSource(path string, logger zerolog.Logger) *Source {
	return &Source{path: path, logger: logger}
}

// Open decodes the file into memory, mixing multi-channel audio down to
// mono.
func (s *Source) Open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", s.path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decoding %s: %w", s.path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 || len(buf.Data) == 0 {
		return fmt.Errorf("%s contains no audio", s.path)
	}

	channels := buf.Format.NumChannels
	scale := float64(int64(1) << (dec.BitDepth - 1))
	frames := len(buf.Data) / channels

	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch])
		}
		samples[i] = sum / float64(channels) / scale
	}

	s.mu.Lock()
	s.samples = samples
	s.sampleRate = buf.Format.SampleRate
	s.pos = 0
	s.mu.Unlock()

	s.logger.Debug().Str("path", s.path).Int("frames", frames).
		Int("sample_rate", buf.Format.SampleRate).Msg("wav file loaded")
	return nil
}

// Start begins ticker-paced playback. Position carries over from a
// previous Stop so stop/start behaves like pause/resume.
func (s *Source) Start(fn driver.SampleFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.samples == nil {
		return fmt.Errorf("file not open")
	}
	if s.quit != nil {
		return fmt.Errorf("already playing")
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.play(fn, s.quit, s.done)
	return nil
}

func (s *Source) play(fn driver.SampleFunc, quit, done chan struct{}) {
	defer close(done)

	chunk := s.sampleRate / int(time.Second/chunkInterval)
	tick := time.NewTicker(chunkInterval)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			out := make([]float64, chunk)
			s.mu.Lock()
			for i := range out {
				out[i] = s.samples[s.pos]
				s.pos = (s.pos + 1) % len(s.samples)
			}
			s.mu.Unlock()
			fn(out)
		}
	}
}

// Stop pauses playback.
func (s *Source) Stop() error {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.mu.Unlock()

	if quit == nil {
		return nil
	}
	close(quit)
	<-done
	return nil
}

// Close drops the decoded audio.
func (s *Source) Close() error {
	s.Stop()
	s.mu.Lock()
	s.samples = nil
	s.pos = 0
	s.mu.Unlock()
	return nil
}

func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// Err never reports: file playback has no failure mode after Open.
func (s *Source) Err() error { return nil }
