// Package config loads the devcheck daemon configuration: defaults,
// then the YAML file, then environment overrides, strongest last.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen    string `yaml:"listen" env:"DEVCHECK_LISTEN"`
	LogLevel  string `yaml:"log_level" env:"DEVCHECK_LOG_LEVEL"`
	RecordDir string `yaml:"record_dir" env:"DEVCHECK_RECORD_DIR"`

	Mic MicConfig `yaml:"mic"`
	Cam CamConfig `yaml:"cam"`

	InfluxDB InfluxConfig `yaml:"influxdb"`
}

type MicConfig struct {
	Backend    string `yaml:"backend" env:"DEVCHECK_MIC_BACKEND"`
	Device     string `yaml:"device" env:"DEVCHECK_MIC_DEVICE"`
	SampleRate int    `yaml:"sample_rate" env:"DEVCHECK_MIC_SAMPLE_RATE"`

	// WavPath feeds the wavfile backend; ToneFreq and ToneAmp shape
	// the synth backend.
	WavPath   string  `yaml:"wav_path" env:"DEVCHECK_MIC_WAV_PATH"`
	ToneFreq  float64 `yaml:"tone_freq" env:"DEVCHECK_MIC_TONE_FREQ"`
	ToneAmp   float64 `yaml:"tone_amp" env:"DEVCHECK_MIC_TONE_AMP"`
	AutoStart bool    `yaml:"auto_start" env:"DEVCHECK_MIC_AUTO_START"`
}

type CamConfig struct {
	Backend   string `yaml:"backend" env:"DEVCHECK_CAM_BACKEND"`
	Device    string `yaml:"device" env:"DEVCHECK_CAM_DEVICE"`
	AutoStart bool   `yaml:"auto_start" env:"DEVCHECK_CAM_AUTO_START"`
}

type InfluxConfig struct {
	Host         string `yaml:"host" env:"DEVCHECK_INFLUXDB_HOST"`
	Organization string `yaml:"organization" env:"DEVCHECK_INFLUXDB_ORG"`
	Bucket       string `yaml:"bucket" env:"DEVCHECK_INFLUXDB_BUCKET"`
}

// Default is the configuration the daemon runs with when nothing else
// is specified: real hardware backends, local listen address.
func Default() Config {
	return Config{
		Listen:    ":8090",
		LogLevel:  "info",
		RecordDir: ".",
		Mic: MicConfig{
			Backend:  "portaudio",
			ToneFreq: 1000,
			ToneAmp:  0.5,
		},
		Cam: CamConfig{
			Backend: "v4l2",
		},
	}
}

// Load builds the effective configuration. A missing file is an error
// only when the path was given explicitly.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	contents, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(contents, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("applying environment overrides: %w", err)
	}
	return cfg, nil
}
