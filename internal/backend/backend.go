// Package backend abstracts device introspection and control writes behind
// a pluggable interface, so the session core stays agnostic of how the
// hardware is reached (v4l2-ctl today, native ioctls as a drop-in later).
package backend

import "context"

// Kind classifies a hardware control.
type Kind int

const (
	// KindInt is an integer-range control (brightness, exposure time, ...).
	KindInt Kind = iota
	// KindBool is an on/off control.
	KindBool
	// KindMenu is an enumerated-menu control (auto_exposure modes, ...).
	KindMenu
)

// String returns the v4l2 spelling of the control kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindMenu:
		return "menu"
	default:
		return "unknown"
	}
}

// Control describes one hardware-adjustable camera parameter.
type Control struct {
	Name    string
	Kind    Kind
	Min     int32
	Max     int32
	Step    int32 // always 1 for bool and menu controls
	Default int32 // hardware-reported default, may be nonsensical
	Current int32
}

// Device is one enumerated capture device.
type Device struct {
	Name string // human-readable card name
	Path string // device node, e.g. /dev/video0
}

// Backend is the device introspection and control-write collaborator.
//
// Implementations must be safe for concurrent use; every operation is a
// single short round-trip to the device (no streaming state is held here).
type Backend interface {
	// ListDevices enumerates capture devices, ordered by the numeric
	// index embedded in the device path.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListControls returns the device's control set keyed by name.
	// Controls whose required numeric fields cannot be determined are
	// omitted, not errored.
	ListControls(ctx context.Context, devicePath string) (map[string]Control, error)

	// ApplyControl writes one control value to the hardware.
	// Range validation is the caller's job; the hardware may still
	// reject the write.
	ApplyControl(ctx context.Context, devicePath, name string, value int32) error
}
