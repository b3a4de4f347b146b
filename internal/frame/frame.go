// Package frame defines the immutable captured-frame type and the raw
// format conversions needed by the preview, timelapse and recorder paths.
package frame

import (
	"fmt"
	"time"
)

// FourCC is the four character pixel format tag, e.g. "MJPG" or "YUYV".
type FourCC string

const (
	FormatMJPG FourCC = "MJPG"
	FormatYUYV FourCC = "YUYV"
)

// Frame is a single captured frame.
//
// Immutability contract: Data must not be modified after the frame leaves
// the capture source. The hub shares frames by reference across consumers;
// a consumer that needs a mutable buffer must copy first.
type Frame struct {
	// Data contains the raw frame bytes as produced by the device
	// (JPEG-compressed for MJPG, packed YUYV 4:2:2 for YUYV).
	Data []byte

	// Width and Height in pixels at capture time.
	Width  int
	Height int

	// Format is the pixel format the device produced.
	Format FourCC

	// Seq is a monotonic sequence number assigned by the capture loop.
	Seq uint64

	// Timestamp is when the frame was read from the device.
	Timestamp time.Time
}

// PixelFormatToFourCC converts a v4l2 pixel format code to a FourCC tag.
func PixelFormatToFourCC(pf uint32) FourCC {
	b := make([]byte, 4)
	b[0] = byte(pf)
	b[1] = byte(pf >> 8)
	b[2] = byte(pf >> 16)
	b[3] = byte(pf >> 24)
	return FourCC(b)
}

// FourCCToPixelFormat converts the four character tag back to the v4l2 code.
func FourCCToPixelFormat(f FourCC) (uint32, error) {
	if len(f) != 4 {
		return 0, fmt.Errorf("frame: %q: illegal FourCC", string(f))
	}
	return uint32(f[0]) | uint32(f[1])<<8 | uint32(f[2])<<16 | uint32(f[3])<<24, nil
}
