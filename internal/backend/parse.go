package backend

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ctrlLineRe  = regexp.MustCompile(`^\s*([a-z0-9_]+)\s+0x[0-9a-f]+\s+\((int|bool|menu)\)\s*:(.*)$`)
	ctrlFieldRe = regexp.MustCompile(`(min|max|step|default|value)=(-?\d+)`)
	devIndexRe  = regexp.MustCompile(`(\d+)$`)
)

// parseControls turns `v4l2-ctl --list-ctrls` output into typed descriptors.
//
// Classification rules:
//   - int controls need min, max, step, default and value
//   - bool controls need default and value; bounds are fixed to [0,1], step 1
//   - menu controls need min, max, default and value; step is fixed to 1
//
// Lines for other control types, and lines missing a required field, are
// dropped rather than guessed at.
func parseControls(out string) map[string]Control {
	controls := make(map[string]Control)

	for _, line := range strings.Split(out, "\n") {
		m := ctrlLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, kind, rest := m[1], m[2], m[3]

		fields := make(map[string]int32)
		for _, f := range ctrlFieldRe.FindAllStringSubmatch(rest, -1) {
			v, err := strconv.ParseInt(f[2], 10, 32)
			if err != nil {
				continue
			}
			fields[f[1]] = int32(v)
		}

		def, okDef := fields["default"]
		cur, okCur := fields["value"]
		if !okDef || !okCur {
			continue
		}

		switch kind {
		case "int":
			min, okMin := fields["min"]
			max, okMax := fields["max"]
			step, okStep := fields["step"]
			if !okMin || !okMax || !okStep {
				continue
			}
			controls[name] = Control{
				Name: name, Kind: KindInt,
				Min: min, Max: max, Step: step,
				Default: def, Current: cur,
			}
		case "bool":
			controls[name] = Control{
				Name: name, Kind: KindBool,
				Min: 0, Max: 1, Step: 1,
				Default: def, Current: cur,
			}
		case "menu":
			min, okMin := fields["min"]
			max, okMax := fields["max"]
			if !okMin || !okMax {
				continue
			}
			controls[name] = Control{
				Name: name, Kind: KindMenu,
				Min: min, Max: max, Step: 1,
				Default: def, Current: cur,
			}
		}
	}

	return controls
}

// parseDevices turns `v4l2-ctl --list-devices` output into an ordered device
// list. The output groups device nodes under an unindented card name:
//
//	HD Webcam C525 (usb-0000:00:14.0-1):
//	        /dev/video0
//	        /dev/video1
//
// Devices are ordered by the numeric index embedded in the path.
func parseDevices(out string) []Device {
	var devices []Device
	var card string

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			card = strings.TrimSuffix(strings.TrimSpace(line), ":")
			continue
		}
		path := strings.TrimSpace(line)
		if !strings.HasPrefix(path, "/dev/video") {
			continue
		}
		devices = append(devices, Device{Name: card, Path: path})
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devIndex(devices[i].Path) < devIndex(devices[j].Path)
	})
	return devices
}

func devIndex(path string) int {
	m := devIndexRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
