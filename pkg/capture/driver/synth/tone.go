// Package synth provides deterministic software devices: a sine tone
// audio source and a moving test-pattern camera. They exist so the
// whole capture path can be exercised, and diagnosed, without any
// hardware attached.
package synth

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/probelab/devcheck/pkg/capture/driver"
)

const (
	tau = math.Pi * 2

	toneSampleRate = 48000
	toneInterval   = 50 * time.Millisecond
)

// Tone generates a fixed-frequency sine with a phase accumulator so
// chunks join without discontinuities.
type Tone struct {
	frequency      float64
	amplitude      float64
	phase          float64
	phaseIncrement float64

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func NewTone(frequency, amplitude float64) *Tone {
	return &Tone{
		frequency:      frequency,
		amplitude:      amplitude,
		phaseIncrement: frequency * tau / toneSampleRate,
	}
}

func (t *Tone) Open(ctx context.Context) error { return nil }

func (t *Tone) Start(fn driver.SampleFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quit != nil {
		return nil
	}

	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	go t.generate(fn, t.quit, t.done)
	return nil
}

func (t *Tone) generate(fn driver.SampleFunc, quit, done chan struct{}) {
	defer close(done)

	chunk := toneSampleRate / int(time.Second/toneInterval)
	tick := time.NewTicker(toneInterval)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			out := make([]float64, chunk)
			for i := range out {
				out[i] = t.amplitude * math.Sin(t.phase)
				t.phase += t.phaseIncrement
				if t.phase > tau {
					t.phase -= tau
				}
			}
			fn(out)
		}
	}
}

func (t *Tone) Stop() error {
	t.mu.Lock()
	quit, done := t.quit, t.done
	t.quit, t.done = nil, nil
	t.mu.Unlock()

	if quit == nil {
		return nil
	}
	close(quit)
	<-done
	return nil
}

func (t *Tone) Close() error { return t.Stop() }

func (t *Tone) SampleRate() int { return toneSampleRate }

func (t *Tone) Err() error { return nil }
