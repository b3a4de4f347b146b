package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete camera-server configuration
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Camera     CameraConfig    `yaml:"camera"`
	Preview    PreviewConfig   `yaml:"preview"`
	Timelapse  TimelapseConfig `yaml:"timelapse"`
	Recorder   RecorderConfig  `yaml:"recorder"`
	Log        LogConfig       `yaml:"log"`
}

// CameraConfig contains device session settings
type CameraConfig struct {
	Device          string `yaml:"device"`            // device path, e.g. /dev/video0
	Backend         string `yaml:"backend"`           // capture backend: v4l2 | gstreamer
	MaxReadFailures int    `yaml:"max_read_failures"` // consecutive read failures before reinitialize (default: 10)
	ReadTimeoutS    int    `yaml:"read_timeout_s"`    // per-frame read timeout in seconds (default: 5)
}

// PreviewConfig contains live preview encoder settings
type PreviewConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"` // JPEG quality for the live feed (default: 70)
	WaitMS      int `yaml:"wait_ms"`      // poll cadence for the HTTP feed in milliseconds (default: 33)
}

// TimelapseConfig contains timelapse sampler settings
type TimelapseConfig struct {
	OutputDir string `yaml:"output_dir"` // directory for stills (default: timelapse)

	// Optional capture override applied for the duration of a run.
	// Zero values mean "keep the session's current settings".
	Width    int              `yaml:"width,omitempty"`
	Height   int              `yaml:"height,omitempty"`
	Format   string           `yaml:"format,omitempty"`
	Controls map[string]int32 `yaml:"controls,omitempty"`
}

// RecorderConfig contains video recorder settings
type RecorderConfig struct {
	OutputDir string `yaml:"output_dir"` // directory for recordings (default: videos)
	FPS       int    `yaml:"fps"`        // container frame rate (default: 15)
}

// LogConfig contains logger settings
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // human-readable console output
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Camera: CameraConfig{
			Device:          "/dev/video0",
			Backend:         "v4l2",
			MaxReadFailures: 10,
			ReadTimeoutS:    5,
		},
		Preview: PreviewConfig{
			JPEGQuality: 70,
			WaitMS:      33,
		},
		Timelapse: TimelapseConfig{
			OutputDir: "timelapse",
		},
		Recorder: RecorderConfig{
			OutputDir: "videos",
			FPS:       15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads and validates a YAML configuration file.
// Missing fields fall back to Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
