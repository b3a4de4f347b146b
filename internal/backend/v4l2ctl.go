package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const commandTimeout = 10 * time.Second

// runFunc executes an external command and returns its stdout.
// Swappable for tests.
type runFunc func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return "", fmt.Errorf("%s: %s: %w", name, msg, err)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

// V4L2Ctl is a Backend that shells out to the v4l2-ctl utility.
type V4L2Ctl struct {
	logger *zap.Logger
	run    runFunc
}

// NewV4L2Ctl returns a v4l2-ctl backed Backend.
func NewV4L2Ctl(logger *zap.Logger) *V4L2Ctl {
	return &V4L2Ctl{
		logger: logger.With(zap.String("backend", "v4l2-ctl")),
		run:    runCommand,
	}
}

// ListDevices implements Backend.
func (b *V4L2Ctl) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := b.run(ctx, "v4l2-ctl", "--list-devices")
	if err != nil {
		return nil, fmt.Errorf("backend: list devices: %w", err)
	}
	devices := parseDevices(out)
	b.logger.Debug("enumerated devices", zap.Int("count", len(devices)))
	return devices, nil
}

// ListControls implements Backend.
func (b *V4L2Ctl) ListControls(ctx context.Context, devicePath string) (map[string]Control, error) {
	out, err := b.run(ctx, "v4l2-ctl", "--device="+devicePath, "--list-ctrls")
	if err != nil {
		return nil, fmt.Errorf("backend: list controls %s: %w", devicePath, err)
	}
	controls := parseControls(out)
	b.logger.Debug("enumerated controls",
		zap.String("device", devicePath),
		zap.Int("count", len(controls)),
	)
	return controls, nil
}

// ApplyControl implements Backend.
func (b *V4L2Ctl) ApplyControl(ctx context.Context, devicePath, name string, value int32) error {
	_, err := b.run(ctx, "v4l2-ctl",
		"--device="+devicePath,
		fmt.Sprintf("--set-ctrl=%s=%d", name, value),
	)
	if err != nil {
		return fmt.Errorf("backend: set %s=%d on %s: %w", name, value, devicePath, err)
	}
	b.logger.Debug("control applied",
		zap.String("device", devicePath),
		zap.String("control", name),
		zap.Int32("value", value),
	)
	return nil
}
