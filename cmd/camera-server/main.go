package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/EliBukin/camera-server/internal/backend"
	"github.com/EliBukin/camera-server/internal/config"
	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/preview"
	"github.com/EliBukin/camera-server/internal/recorder"
	"github.com/EliBukin/camera-server/internal/server"
	"github.com/EliBukin/camera-server/internal/session"
	"github.com/EliBukin/camera-server/internal/timelapse"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	device := flag.String("device", "", "camera device path (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func buildLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := backend.NewV4L2Ctl(logger)

	devicePath, err := pickDevice(ctx, cfg, b, logger)
	if err != nil {
		return err
	}

	h := hub.New(logger)
	h.Start(ctx)
	defer h.Stop()

	deps := server.Deps{
		Logger:        logger,
		Backend:       b,
		FrameInterval: time.Duration(cfg.Preview.WaitMS) * time.Millisecond,
	}

	// A missing camera is not fatal: the API still serves device discovery
	// and answers 503 on camera routes.
	if devicePath != "" {
		sess, err := session.Open(ctx, session.Config{
			DevicePath:      devicePath,
			SourceKind:      cfg.Camera.Backend,
			MaxReadFailures: cfg.Camera.MaxReadFailures,
			ReadTimeout:     time.Duration(cfg.Camera.ReadTimeoutS) * time.Second,
		}, b, h, logger)
		if err != nil {
			logger.Warn("camera session not started", zap.String("device", devicePath), zap.Error(err))
		} else {
			defer sess.Close()

			enc := preview.New(h, cfg.Preview.JPEGQuality, logger)
			enc.Start()
			defer enc.Stop()

			sampler := timelapse.New(sess, h, cfg.Timelapse.OutputDir, cfg.Timelapse.Format, logger)
			sampler.SetRunDefaults(uint32(cfg.Timelapse.Width), uint32(cfg.Timelapse.Height), cfg.Timelapse.Controls)
			rec := recorder.New(sess, h, cfg.Recorder.OutputDir, cfg.Recorder.FPS, logger)

			// Shutdown order: end the timelapse first so its settings are
			// restored, then finalize any recording, then the deferred
			// preview/session/hub teardown runs.
			defer func() {
				if err := sampler.Stop(); err != nil {
					logger.Warn("stopping timelapse", zap.Error(err))
				}
				if path, err := rec.Stop(); err != nil {
					logger.Warn("stopping recording", zap.Error(err))
				} else if path != "" {
					logger.Info("recording finalized on shutdown", zap.String("path", path))
				}
			}()

			deps.Session = sess
			deps.Preview = enc
			deps.Sampler = sampler
			deps.Recorder = rec
		}
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(deps).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("camera server stopped")
	return nil
}

// pickDevice resolves the device path: the configured one, else the first
// device the backend can find.
func pickDevice(ctx context.Context, cfg *config.Config, b backend.Backend, logger *zap.Logger) (string, error) {
	if cfg.Camera.Device != "" {
		return cfg.Camera.Device, nil
	}
	devices, err := b.ListDevices(ctx)
	if err != nil {
		logger.Warn("device enumeration failed", zap.Error(err))
		return "", nil
	}
	if len(devices) == 0 {
		logger.Warn("no camera devices found")
		return "", nil
	}
	logger.Info("auto-selected camera",
		zap.String("name", devices[0].Name),
		zap.String("device", devices[0].Path),
	)
	return devices[0].Path, nil
}
