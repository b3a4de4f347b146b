package config

import (
	"fmt"
	"strings"
)

// Validate checks if the configuration is valid
func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if cfg.Camera.Device == "" {
		return fmt.Errorf("camera.device is required")
	}
	switch cfg.Camera.Backend {
	case "v4l2", "gstreamer":
	case "":
		cfg.Camera.Backend = "v4l2"
	default:
		return fmt.Errorf("camera.backend must be 'v4l2' or 'gstreamer', got %q", cfg.Camera.Backend)
	}
	if cfg.Camera.MaxReadFailures <= 0 {
		cfg.Camera.MaxReadFailures = 10
	}
	if cfg.Camera.ReadTimeoutS <= 0 {
		cfg.Camera.ReadTimeoutS = 5
	}

	if cfg.Preview.JPEGQuality < 1 || cfg.Preview.JPEGQuality > 100 {
		return fmt.Errorf("preview.jpeg_quality must be in [1,100], got %d", cfg.Preview.JPEGQuality)
	}
	if cfg.Preview.WaitMS <= 0 {
		cfg.Preview.WaitMS = 33
	}

	if cfg.Timelapse.OutputDir == "" {
		cfg.Timelapse.OutputDir = "timelapse"
	}
	// Width and height overrides come as a pair or not at all.
	if (cfg.Timelapse.Width == 0) != (cfg.Timelapse.Height == 0) {
		return fmt.Errorf("timelapse.width and timelapse.height must be set together")
	}

	if cfg.Recorder.OutputDir == "" {
		cfg.Recorder.OutputDir = "videos"
	}
	if cfg.Recorder.FPS <= 0 {
		return fmt.Errorf("recorder.fps must be > 0, got %d", cfg.Recorder.FPS)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", cfg.Log.Level)
	}

	return nil
}
