package devcheck

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
	"github.com/probelab/devcheck/pkg/capture/driver/portaudio"
	"github.com/probelab/devcheck/pkg/capture/driver/synth"
	"github.com/probelab/devcheck/pkg/capture/driver/v4l2"
	"github.com/probelab/devcheck/pkg/capture/driver/wavfile"
	"github.com/probelab/devcheck/pkg/devcheck/config"
	"github.com/probelab/devcheck/pkg/util"
)

// NewRegistry wires every built-in driver backend: real hardware
// (portaudio, v4l2), file playback, and the synthetic sources used for
// hardware-less runs.
func NewRegistry(cfg config.Config, logger zerolog.Logger) *driver.Registry {
	reg := driver.NewRegistry()

	reg.RegisterAudio("portaudio", driver.AudioBackend{
		New: func(deviceID string) (driver.AudioSource, error) {
			return portaudio.NewSource(deviceID, cfg.Mic.SampleRate, logger), nil
		},
		List: portaudio.Devices,
	})

	reg.RegisterAudio("wavfile", driver.AudioBackend{
		New: func(deviceID string) (driver.AudioSource, error) {
			path := deviceID
			if path == "" {
				path = cfg.Mic.WavPath
			}
			if path == "" {
				return nil, fmt.Errorf("wavfile backend needs mic.wav_path or a device path")
			}
			return wavfile.NewSource(path, logger), nil
		},
		List: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			if cfg.Mic.WavPath == "" {
				return nil, nil
			}
			return []capture.DeviceInfo{{
				ID:      cfg.Mic.WavPath,
				Label:   "WAV playback: " + filepath.Base(cfg.Mic.WavPath),
				Default: true,
			}}, nil
		},
	})

	reg.RegisterAudio("synth", driver.AudioBackend{
		New: func(deviceID string) (driver.AudioSource, error) {
			return synth.NewTone(cfg.Mic.ToneFreq, cfg.Mic.ToneAmp), nil
		},
		List: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			return []capture.DeviceInfo{{
				ID:      "tone",
				Label:   fmt.Sprintf("Synthetic %s tone", util.FormatHz(cfg.Mic.ToneFreq)),
				Default: true,
			}}, nil
		},
	})

	reg.RegisterFrame("v4l2", driver.FrameBackend{
		New: func(deviceID string) (driver.FrameSource, error) {
			return v4l2.NewSource(deviceID, logger), nil
		},
		List: v4l2.Devices,
	})

	reg.RegisterFrame("synth", driver.FrameBackend{
		New: func(deviceID string) (driver.FrameSource, error) {
			return synth.NewPattern(), nil
		},
		List: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			return []capture.DeviceInfo{{
				ID:      "pattern",
				Label:   "Synthetic test pattern",
				Default: true,
			}}, nil
		},
	})

	return reg
}
