// Package v4l2 adapts Video4Linux cameras to the capture driver
// interface via the pure-syscall webcam library.
package v4l2

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
)

// V4L2 fourcc codes for the formats we can serve.
const (
	fmtMJPEG = webcam.PixelFormat(0x47504A4D) // 'MJPG'
	fmtYUYV  = webcam.PixelFormat(0x56595559) // 'YUYV'
)

const (
	wantWidth  = 640
	wantHeight = 480
)

// Source is one V4L2 camera node.
type Source struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
}

func NewSource(path string, logger zerolog.Logger) *Source {
	return &Source{path: path, logger: logger}
}

// Open claims the device node and negotiates a pixel format, preferring
// MJPEG so most frames need no conversion.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, err := webcam.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}

	supported := cam.GetSupportedFormats()
	var pick webcam.PixelFormat
	switch {
	case hasFormat(supported, fmtMJPEG):
		pick = fmtMJPEG
	case hasFormat(supported, fmtYUYV):
		pick = fmtYUYV
	default:
		cam.Close()
		return fmt.Errorf("%s offers no MJPEG or YUYV format", s.path)
	}

	w, h := pickSize(cam.GetSupportedFrameSizes(pick))
	format, fw, fh, err := cam.SetImageFormat(pick, w, h)
	if err != nil {
		cam.Close()
		return fmt.Errorf("negotiating %dx%d on %s: %w", w, h, s.path, err)
	}

	s.cam = cam
	s.format = format
	s.width = int(fw)
	s.height = int(fh)
	s.logger.Debug().Str("path", s.path).Str("format", supported[format]).
		Int("width", s.width).Int("height", s.height).Msg("camera opened")
	return nil
}

func hasFormat(m map[webcam.PixelFormat]string, f webcam.PixelFormat) bool {
	_, ok := m[f]
	return ok
}

// pickSize chooses the supported size closest to 640x480. Stepwise
// ranges are walked on the width axis.
func pickSize(sizes []webcam.FrameSize) (uint32, uint32) {
	bestW, bestH := uint32(wantWidth), uint32(wantHeight)
	bestDiff := -1

	consider := func(w, h uint32) {
		diff := absInt(int(w)-wantWidth) + absInt(int(h)-wantHeight)
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			bestW, bestH = w, h
		}
	}

	for _, fs := range sizes {
		if fs.StepWidth == 0 || fs.StepHeight == 0 {
			consider(fs.MaxWidth, fs.MaxHeight)
			continue
		}
		for w := fs.MinWidth; w <= fs.MaxWidth; w += fs.StepWidth {
			h := fs.MinHeight + (w-fs.MinWidth)/fs.StepWidth*fs.StepHeight
			if h > fs.MaxHeight {
				h = fs.MaxHeight
			}
			consider(w, h)
		}
	}
	return bestW, bestH
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Start begins streaming into the kernel's buffer ring.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return fmt.Errorf("camera not open")
	}
	if err := s.cam.StartStreaming(); err != nil {
		return fmt.Errorf("starting stream on %s: %w", s.path, err)
	}
	return nil
}

// ReadFrame blocks for the next frame, then drains any backlog so the
// caller gets the newest one.
func (s *Source) ReadFrame(ctx context.Context) (driver.Frame, error) {
	s.mu.Lock()
	cam := s.cam
	s.mu.Unlock()
	if cam == nil {
		return driver.Frame{}, fmt.Errorf("camera not open")
	}

	var raw []byte
	for raw == nil {
		if err := ctx.Err(); err != nil {
			return driver.Frame{}, err
		}

		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return driver.Frame{}, fmt.Errorf("waiting for frame: %w", err)
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return driver.Frame{}, fmt.Errorf("reading frame: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		raw = frame
	}

	// drop anything that queued up behind the frame we just took
	for {
		newer, err := cam.ReadFrame()
		if err != nil || len(newer) == 0 {
			break
		}
		raw = newer
	}

	return s.encode(raw)
}

func (s *Source) encode(raw []byte) (driver.Frame, error) {
	s.mu.Lock()
	format, w, h := s.format, s.width, s.height
	s.mu.Unlock()

	switch format {
	case fmtMJPEG:
		data := make([]byte, len(raw))
		copy(data, raw)
		return driver.Frame{Data: data, Format: "jpeg", Width: w, Height: h}, nil
	case fmtYUYV:
		data, err := yuyvToJPEG(raw, w, h)
		if err != nil {
			return driver.Frame{}, err
		}
		return driver.Frame{Data: data, Format: "jpeg", Width: w, Height: h}, nil
	default:
		return driver.Frame{}, fmt.Errorf("unsupported pixel format %v", format)
	}
}

// yuyvToJPEG converts packed 4:2:2 YUYV into a JPEG.
func yuyvToJPEG(raw []byte, w, h int) ([]byte, error) {
	if len(raw) < w*h*2 {
		return nil, fmt.Errorf("short yuyv frame: %d bytes for %dx%d", len(raw), w, h)
	}

	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := raw[y*w*2:]
		for x := 0; x < w; x += 2 {
			base := x * 2
			yi := y*img.YStride + x
			ci := y*img.CStride + x/2
			img.Y[yi] = row[base]
			img.Cb[ci] = row[base+1]
			img.Y[yi+1] = row[base+2]
			img.Cr[ci] = row[base+3]
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encoding yuyv frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Stop halts streaming but keeps the device node open.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil
	}
	if err := s.cam.StopStreaming(); err != nil {
		return fmt.Errorf("stopping stream on %s: %w", s.path, err)
	}
	return nil
}

// Close releases the device node.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil
	}
	err := s.cam.Close()
	s.cam = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}
	return nil
}

func (s *Source) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Devices lists /dev/video* nodes, labeling each with the kernel's card
// name when sysfs exposes it.
func Devices(ctx context.Context) ([]capture.DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("scanning video devices: %w", err)
	}

	out := make([]capture.DeviceInfo, 0, len(paths))
	for i, path := range paths {
		label := path
		if name, err := os.ReadFile("/sys/class/video4linux/" + filepath.Base(path) + "/name"); err == nil {
			label = strings.TrimSpace(string(name))
		}
		out = append(out, capture.DeviceInfo{
			ID:      path,
			Label:   label,
			Default: i == 0,
			Meta:    map[string]string{"path": path},
		})
	}
	return out, nil
}
