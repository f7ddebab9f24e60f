package synth

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/probelab/devcheck/pkg/capture/driver"
)

const (
	patternWidth    = 640
	patternHeight   = 480
	patternInterval = 33 * time.Millisecond
)

var barColors = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

// Pattern renders shifting color bars so consecutive frames differ and
// motion through the pipeline is visible.
type Pattern struct {
	mu      sync.Mutex
	started bool
	frame   uint64
	last    time.Time
}

func NewPattern() *Pattern {
	return &Pattern{}
}

func (p *Pattern) Open(ctx context.Context) error { return nil }

func (p *Pattern) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.last = time.Time{}
	return nil
}

// ReadFrame paces itself to the pattern frame interval, then renders
// and encodes the next frame.
func (p *Pattern) ReadFrame(ctx context.Context) (driver.Frame, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return driver.Frame{}, fmt.Errorf("pattern source not started")
	}
	wait := patternInterval - time.Since(p.last)
	p.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return driver.Frame{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	p.mu.Lock()
	p.frame++
	n := p.frame
	p.last = time.Now()
	p.mu.Unlock()

	img := renderBars(n)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return driver.Frame{}, fmt.Errorf("encoding pattern frame: %w", err)
	}

	return driver.Frame{
		Data:   buf.Bytes(),
		Format: "jpeg",
		Width:  patternWidth,
		Height: patternHeight,
	}, nil
}

func renderBars(frame uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, patternWidth, patternHeight))
	barWidth := patternWidth / len(barColors)
	shift := int(frame*4) % patternWidth

	for y := 0; y < patternHeight; y++ {
		for x := 0; x < patternWidth; x++ {
			bar := ((x + shift) % patternWidth) / barWidth
			if bar >= len(barColors) {
				bar = len(barColors) - 1
			}
			img.SetRGBA(x, y, barColors[bar])
		}
	}

	// frame counter strip along the bottom
	for x := 0; x < patternWidth; x++ {
		c := color.RGBA{A: 0xff}
		if uint64(x) < frame%uint64(patternWidth) {
			c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		}
		for y := patternHeight - 8; y < patternHeight; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	return img
}

func (p *Pattern) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *Pattern) Close() error { return p.Stop() }
