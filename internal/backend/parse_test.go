package backend

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

const listCtrlsOutput = `
User Controls

                     brightness 0x00980900 (int)    : min=0 max=255 step=1 default=128 value=140
                       contrast 0x00980901 (int)    : min=0 max=95 step=1 default=32 value=32
        white_balance_automatic 0x0098090c (bool)   : default=1 value=1
           power_line_frequency 0x00980918 (menu)   : min=0 max=2 default=2 value=2
                up_down_flip    0x00980999 (unknown): default=0 value=0

Camera Controls

                  auto_exposure 0x009a0901 (menu)   : min=0 max=3 default=3 value=3
         exposure_time_absolute 0x009a0902 (int)    : min=3 max=2047 step=1 default=-8193 value=250
                 broken_control 0x009a0999 (int)    : min=0 max=10 default=5 value=5
`

// Parsing keeps int/bool/menu controls with all required fields and drops
// everything else (unknown kinds, missing step on an int control).
func TestParseControls(t *testing.T) {
	controls := parseControls(listCtrlsOutput)

	if len(controls) != 6 {
		t.Fatalf("expected 6 controls, got %d: %v", len(controls), controls)
	}

	b, ok := controls["brightness"]
	if !ok {
		t.Fatal("brightness missing")
	}
	if b.Kind != KindInt || b.Min != 0 || b.Max != 255 || b.Step != 1 || b.Default != 128 || b.Current != 140 {
		t.Errorf("brightness parsed wrong: %+v", b)
	}

	wb, ok := controls["white_balance_automatic"]
	if !ok {
		t.Fatal("white_balance_automatic missing")
	}
	if wb.Kind != KindBool || wb.Min != 0 || wb.Max != 1 || wb.Step != 1 {
		t.Errorf("bool control bounds not normalized: %+v", wb)
	}

	ae, ok := controls["auto_exposure"]
	if !ok {
		t.Fatal("auto_exposure missing")
	}
	if ae.Kind != KindMenu || ae.Step != 1 || ae.Max != 3 {
		t.Errorf("menu control parsed wrong: %+v", ae)
	}

	// Negative hardware defaults survive parsing untouched.
	if exp := controls["exposure_time_absolute"]; exp.Default != -8193 {
		t.Errorf("expected raw default -8193, got %d", exp.Default)
	}

	// broken_control has no step, unknown kind is skipped.
	if _, ok := controls["broken_control"]; ok {
		t.Error("int control without step should be dropped")
	}
	if _, ok := controls["up_down_flip"]; ok {
		t.Error("unknown control kind should be dropped")
	}
}

const listDevicesOutput = `USB 2.0 Camera (usb-0000:00:14.0-2):
	/dev/video2
	/dev/video3

HD Webcam C525 (usb-0000:00:14.0-1):
	/dev/video0
	/dev/video1
`

func TestParseDevicesOrder(t *testing.T) {
	devices := parseDevices(listDevicesOutput)
	if len(devices) != 4 {
		t.Fatalf("expected 4 devices, got %d", len(devices))
	}
	// Sorted by numeric index embedded in the path, not by card grouping.
	want := []string{"/dev/video0", "/dev/video1", "/dev/video2", "/dev/video3"}
	for i, w := range want {
		if devices[i].Path != w {
			t.Errorf("device %d: got %s, want %s", i, devices[i].Path, w)
		}
	}
	if devices[0].Name != "HD Webcam C525 (usb-0000:00:14.0-1)" {
		t.Errorf("card name lost: %q", devices[0].Name)
	}
}

// The run seam lets ListControls be exercised without v4l2-ctl present.
func TestV4L2CtlListControls(t *testing.T) {
	b := NewV4L2Ctl(zap.NewNop())
	var gotArgs []string
	b.run = func(ctx context.Context, name string, args ...string) (string, error) {
		gotArgs = append([]string{name}, args...)
		return listCtrlsOutput, nil
	}

	controls, err := b.ListControls(context.Background(), "/dev/video1")
	if err != nil {
		t.Fatalf("ListControls: %v", err)
	}
	if len(controls) == 0 {
		t.Fatal("no controls parsed")
	}
	joined := strings.Join(gotArgs, " ")
	if joined != "v4l2-ctl --device=/dev/video1 --list-ctrls" {
		t.Errorf("unexpected command: %s", joined)
	}
}
