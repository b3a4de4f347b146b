package backend

import (
	"context"
	"fmt"
	"sync"
)

// Mock simulates the hardware backend for local development and tests.
type Mock struct {
	mu       sync.Mutex
	Devices  []Device
	Controls map[string]Control

	// FailApply lists control names whose writes should be rejected.
	FailApply map[string]bool

	// Applied records every successful write in order.
	Applied []Apply
}

// Apply is one recorded control write.
type Apply struct {
	Name  string
	Value int32
}

// NewMock returns a Mock preloaded with a typical UVC control set.
func NewMock() *Mock {
	return &Mock{
		Devices: []Device{
			{Name: "Mock Camera", Path: "/dev/video0"},
		},
		Controls: map[string]Control{
			"brightness":             {Name: "brightness", Kind: KindInt, Min: 0, Max: 255, Step: 1, Default: 128, Current: 128},
			"contrast":               {Name: "contrast", Kind: KindInt, Min: 0, Max: 95, Step: 1, Default: 32, Current: 32},
			"white_balance_automatic": {Name: "white_balance_automatic", Kind: KindBool, Min: 0, Max: 1, Step: 1, Default: 1, Current: 1},
			"auto_exposure":          {Name: "auto_exposure", Kind: KindMenu, Min: 0, Max: 3, Step: 1, Default: 3, Current: 3},
			"exposure_time_absolute": {Name: "exposure_time_absolute", Kind: KindInt, Min: 3, Max: 2047, Step: 1, Default: -8193, Current: 250},
		},
		FailApply: map[string]bool{},
	}
}

// ListDevices implements Backend.
func (m *Mock) ListDevices(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, len(m.Devices))
	copy(out, m.Devices)
	return out, nil
}

// ListControls implements Backend.
func (m *Mock) ListControls(ctx context.Context, devicePath string) (map[string]Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Control, len(m.Controls))
	for k, v := range m.Controls {
		out[k] = v
	}
	return out, nil
}

// ApplyControl implements Backend.
func (m *Mock) ApplyControl(ctx context.Context, devicePath, name string, value int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply[name] {
		return fmt.Errorf("backend: set %s=%d on %s: mock rejection", name, value, devicePath)
	}
	c, ok := m.Controls[name]
	if !ok {
		return fmt.Errorf("backend: set %s on %s: unknown control", name, devicePath)
	}
	c.Current = value
	m.Controls[name] = c
	m.Applied = append(m.Applied, Apply{Name: name, Value: value})
	return nil
}
