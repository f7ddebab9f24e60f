// Package record persists captured microphone audio as 16-bit WAV so a
// diagnostic run can be listened to afterwards.
package record

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Recorder streams mono samples into a WAV file. Write is safe to call
// from the capture delivery goroutine; write failures are sticky and
// reported by Close.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	path   string
	rate   int
	frames int
	err    error
	closed bool
}

func New(path string, sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	return &Recorder{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, 1, 1),
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		},
		path: path,
		rate: sampleRate,
	}, nil
}

// Write appends samples, clipping anything outside [-1, 1].
func (r *Recorder) Write(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}

	if cap(r.buf.Data) < len(samples) {
		r.buf.Data = make([]int, len(samples))
	}
	r.buf.Data = r.buf.Data[:len(samples)]
	for i, v := range samples {
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		r.buf.Data[i] = int(v * 32767)
	}

	if err := r.enc.Write(r.buf); err != nil {
		r.err = fmt.Errorf("writing %s: %w", r.path, err)
		return
	}
	r.frames += len(samples)
}

// Close finalizes the WAV header and reports any failure seen along the
// way.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fileErr := r.file.Close()

	if r.err != nil {
		return r.err
	}
	if encErr != nil {
		return fmt.Errorf("finalizing %s: %w", r.path, encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("closing %s: %w", r.path, fileErr)
	}
	return nil
}

func (r *Recorder) Path() string {
	return r.path
}

// Frames reports how many samples have been written so far.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Duration reports the recorded length.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.frames) * time.Second / time.Duration(r.rate)
}
