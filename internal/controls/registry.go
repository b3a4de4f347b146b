// Package controls maintains the authoritative map of hardware control
// descriptors and the policy for computing safe default values, independent
// of the (sometimes nonsensical) defaults the hardware reports.
package controls

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/backend"
)

var (
	// ErrNoControls means introspection yielded nothing usable.
	ErrNoControls = errors.New("controls: no controls found")
	// ErrUnknownControl means the named control is not in the registry.
	ErrUnknownControl = errors.New("controls: unknown control")
	// ErrOutOfRange means a write was rejected locally, before reaching hardware.
	ErrOutOfRange = errors.New("controls: value out of range")
	// ErrApplyFailed means the hardware rejected or errored on a control write.
	ErrApplyFailed = errors.New("controls: apply failed")
)

// Controls with an apply-order dependency: exposure_time_absolute only takes
// effect once auto_exposure is in manual mode.
const (
	autoExposureCtrl = "auto_exposure"
	exposureTimeCtrl = "exposure_time_absolute"

	manualExposureMode = 1
)

// Registry owns the control descriptor map for one device session.
//
// Two default sets persist across Reload (device reinitialization):
// originalDefaults holds the hardware-reported defaults captured on the
// first load only; storedDefaults holds the calculated working defaults,
// computed once, with individual entries overwritten when a different value
// is known to be required (the manual-exposure override).
type Registry struct {
	mu      sync.Mutex
	logger  *zap.Logger
	backend backend.Backend
	device  string

	info             map[string]backend.Control
	originalDefaults map[string]int32
	storedDefaults   map[string]int32
}

// NewRegistry creates an empty registry bound to a device path.
// Call Reload before anything else.
func NewRegistry(b backend.Backend, devicePath string, logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.With(zap.String("component", "controls")),
		backend: b,
		device:  devicePath,
	}
}

// Reload re-queries the device's control set.
//
// The first successful load captures originalDefaults and computes
// storedDefaults; later reloads (after reinitialization) refresh only the
// descriptor map.
func (r *Registry) Reload(ctx context.Context) error {
	info, err := r.backend.ListControls(ctx, r.device)
	if err != nil {
		return err
	}
	if len(info) == 0 {
		return ErrNoControls
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info

	if r.originalDefaults == nil {
		r.originalDefaults = make(map[string]int32, len(info))
		for name, c := range info {
			r.originalDefaults[name] = c.Default
		}
		r.logger.Info("captured original hardware defaults", zap.Int("count", len(r.originalDefaults)))
	}
	if r.storedDefaults == nil {
		r.storedDefaults = r.calculateLocked()
		r.logger.Info("stored calculated defaults", zap.Int("count", len(r.storedDefaults)))
	}
	return nil
}

// CalculateDefaults computes working default values from the current
// descriptor set:
//
//   - integer-range: floor((min+max)/2)
//   - boolean: min (off)
//   - menu: min, except auto_exposure, which prefers manual mode (1) when
//     the control's maximum permits it; many devices report an auto
//     default that leaves exposure-time controls inert.
func (r *Registry) CalculateDefaults() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calculateLocked()
}

func (r *Registry) calculateLocked() map[string]int32 {
	defaults := make(map[string]int32, len(r.info))
	for name, c := range r.info {
		switch c.Kind {
		case backend.KindInt:
			defaults[name] = midpoint(c.Min, c.Max)
		case backend.KindBool:
			defaults[name] = c.Min
		case backend.KindMenu:
			if name == autoExposureCtrl && c.Max >= manualExposureMode {
				defaults[name] = manualExposureMode
			} else {
				defaults[name] = c.Min
			}
		}
	}
	return defaults
}

// midpoint halves min+max rounding toward negative infinity, so controls
// with negative ranges (pan, tilt, some brightness scales) still land on a
// stable in-range value. The sum is taken in int64: two large int32 bounds
// can overflow their own type.
func midpoint(min, max int32) int32 {
	sum := int64(min) + int64(max)
	if sum < 0 && sum%2 != 0 {
		return int32(sum/2 - 1)
	}
	return int32(sum / 2)
}

// SetValue validates value against the recorded bounds and, if in range,
// writes it to the hardware. The recorded current value changes only on a
// successful write; failed writes are never retried here.
func (r *Registry) SetValue(ctx context.Context, name string, value int32) error {
	r.mu.Lock()
	c, ok := r.info[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownControl, name)
	}
	if value < c.Min || value > c.Max {
		return fmt.Errorf("%w: %s=%d outside [%d,%d]", ErrOutOfRange, name, value, c.Min, c.Max)
	}

	if err := r.backend.ApplyControl(ctx, r.device, name, value); err != nil {
		r.logger.Warn("control write rejected by hardware",
			zap.String("control", name),
			zap.Int32("value", value),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s=%d: %v", ErrApplyFailed, name, value, err)
	}

	r.mu.Lock()
	c = r.info[name]
	c.Current = value
	r.info[name] = c
	r.mu.Unlock()
	return nil
}

// ApplyDefaults drives every control to its calculated default, honoring the
// exposure dependency: non-exposure controls first, then the exposure mode,
// and the dependent exposure time only if the mode write succeeded.
//
// Partial failure does not abort; the names that failed are returned. Any
// control whose working default ends up differing from the calculated one
// (the manual-exposure override) has its storedDefaults entry updated.
func (r *Registry) ApplyDefaults(ctx context.Context) []string {
	defaults := r.CalculateDefaults()
	var failed []string

	for name, value := range defaults {
		if name == autoExposureCtrl || name == exposureTimeCtrl {
			continue
		}
		if err := r.SetValue(ctx, name, value); err != nil {
			failed = append(failed, name)
		}
	}

	if _, ok := defaults[autoExposureCtrl]; ok {
		if err := r.SetValue(ctx, autoExposureCtrl, manualExposureMode); err != nil {
			failed = append(failed, autoExposureCtrl)
		} else {
			r.mu.Lock()
			r.storedDefaults[autoExposureCtrl] = manualExposureMode
			r.mu.Unlock()
			if value, ok := defaults[exposureTimeCtrl]; ok {
				if err := r.SetValue(ctx, exposureTimeCtrl, value); err != nil {
					failed = append(failed, exposureTimeCtrl)
				}
			}
		}
	}

	// Replace the broken hardware defaults in the descriptor map with the
	// working ones, so the registry's view is what resets actually use.
	r.mu.Lock()
	for name, calculated := range defaults {
		c, ok := r.info[name]
		if !ok {
			continue
		}
		working := calculated
		if stored, ok := r.storedDefaults[name]; ok {
			working = stored
		}
		c.Default = working
		r.info[name] = c
	}
	r.mu.Unlock()

	if len(failed) > 0 {
		r.logger.Warn("some controls did not accept defaults",
			zap.Int("failed", len(failed)),
			zap.Strings("controls", failed),
		)
	}
	r.logger.Info("applied control defaults",
		zap.Int("applied", len(defaults)-len(failed)),
		zap.Int("total", len(defaults)),
	)
	return failed
}

// ResetToStored writes every stored default back to the hardware. Individual
// failures are logged and skipped.
func (r *Registry) ResetToStored(ctx context.Context) {
	r.mu.Lock()
	stored := make(map[string]int32, len(r.storedDefaults))
	for k, v := range r.storedDefaults {
		stored[k] = v
	}
	r.mu.Unlock()

	for name, value := range stored {
		if err := r.SetValue(ctx, name, value); err != nil {
			r.logger.Warn("reset skipped control", zap.String("control", name), zap.Error(err))
		}
	}
}

// Controls returns a copy of the descriptor map.
func (r *Registry) Controls() map[string]backend.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]backend.Control, len(r.info))
	for k, v := range r.info {
		out[k] = v
	}
	return out
}

// CurrentValues returns name → current value for every known control.
func (r *Registry) CurrentValues() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int32, len(r.info))
	for k, v := range r.info {
		out[k] = v.Current
	}
	return out
}

// OriginalDefaults returns the hardware defaults captured at first load.
func (r *Registry) OriginalDefaults() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int32, len(r.originalDefaults))
	for k, v := range r.originalDefaults {
		out[k] = v
	}
	return out
}

// StoredDefaults returns the calculated working defaults.
func (r *Registry) StoredDefaults() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int32, len(r.storedDefaults))
	for k, v := range r.storedDefaults {
		out[k] = v
	}
	return out
}
