package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

var (
	dhtMarker = []byte{255, 196}
	sosMarker = []byte{255, 218}
	dht       = []byte{1, 162, 0, 0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 1, 0, 3, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 16, 0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 125, 1, 2, 3, 0, 4, 17, 5, 18, 33, 49, 65, 6, 19, 81, 97, 7, 34, 113, 20, 50, 129, 145, 161, 8, 35, 66, 177, 193, 21, 82, 209, 240, 36, 51, 98, 114, 130, 9, 10, 22, 23, 24, 25, 26, 37, 38, 39, 40, 41, 42, 52, 53, 54, 55, 56, 57, 58, 67, 68, 69, 70, 71, 72, 73, 74, 83, 84, 85, 86, 87, 88, 89, 90, 99, 100, 101, 102, 103, 104, 105, 106, 115, 116, 117, 118, 119, 120, 121, 122, 131, 132, 133, 134, 135, 136, 137, 138, 146, 147, 148, 149, 150, 151, 152, 153, 154, 162, 163, 164, 165, 166, 167, 168, 169, 170, 178, 179, 180, 181, 182, 183, 184, 185, 186, 194, 195, 196, 197, 198, 199, 200, 201, 202, 210, 211, 212, 213, 214, 215, 216, 217, 218, 225, 226, 227, 228, 229, 230, 231, 232, 233, 234, 241, 242, 243, 244, 245, 246, 247, 248, 249, 250, 17, 0, 2, 1, 2, 4, 4, 3, 4, 7, 5, 4, 4, 0, 1, 2, 119, 0, 1, 2, 3, 17, 4, 5, 33, 49, 6, 18, 65, 81, 7, 97, 113, 19, 34, 50, 129, 8, 20, 66, 145, 161, 177, 193, 9, 35, 51, 82, 240, 21, 98, 114, 209, 10, 22, 36, 52, 225, 37, 241, 23, 24, 25, 26, 38, 39, 40, 41, 42, 53, 54, 55, 56, 57, 58, 67, 68, 69, 70, 71, 72, 73, 74, 83, 84, 85, 86, 87, 88, 89, 90, 99, 100, 101, 102, 103, 104, 105, 106, 115, 116, 117, 118, 119, 120, 121, 122, 130, 131, 132, 133, 134, 135, 136, 137, 138, 146, 147, 148, 149, 150, 151, 152, 153, 154, 162, 163, 164, 165, 166, 167, 168, 169, 170, 178, 179, 180, 181, 182, 183, 184, 185, 186, 194, 195, 196, 197, 198, 199, 200, 201, 202, 210, 211, 212, 213, 214, 215, 216, 217, 218, 226, 227, 228, 229, 230, 231, 232, 233, 234, 242, 243, 244, 245, 246, 247, 248, 249, 250}
)

// addMotionDHT re-inserts the Huffman tables that motion-jpeg frames omit,
// so stdlib image/jpeg can decode them.
func addMotionDHT(data []byte) []byte {
	parts := bytes.SplitN(data, sosMarker, 2)
	if len(parts) != 2 || bytes.Contains(parts[0], dhtMarker) {
		return data
	}
	out := make([]byte, 0, len(data)+len(dhtMarker)+len(dht))
	out = append(out, parts[0]...)
	out = append(out, dhtMarker...)
	out = append(out, dht...)
	out = append(out, sosMarker...)
	out = append(out, parts[1]...)
	return out
}

// Image decodes the frame into an image.Image.
func (f *Frame) Image() (image.Image, error) {
	switch f.Format {
	case FormatYUYV:
		return yuyvToImage(f.Data, f.Width, f.Height)
	case FormatMJPG:
		img, err := jpeg.Decode(bytes.NewReader(addMotionDHT(f.Data)))
		if err != nil {
			return nil, fmt.Errorf("frame: decode mjpeg: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("frame: unknown format %q", string(f.Format))
	}
}

// EncodeJPEG returns the frame as JPEG bytes at the given quality.
// MJPG frames pass through unchanged; raw formats are converted.
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	switch f.Format {
	case FormatMJPG:
		return f.Data, nil
	case FormatYUYV:
		img, err := yuyvToImage(f.Data, f.Width, f.Height)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("frame: encode jpeg: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("frame: unknown format %q", string(f.Format))
	}
}

func yuyvToImage(data []byte, w, h int) (*image.YCbCr, error) {
	if len(data) < 2*w*h {
		return nil, fmt.Errorf("frame: short YUYV buffer (want %d, got %d)", 2*w*h, len(data))
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for i := range img.Cb {
		ii := i * 4
		img.Y[i*2] = data[ii]
		img.Y[i*2+1] = data[ii+2]
		img.Cb[i] = data[ii+1]
		img.Cr[i] = data[ii+3]
	}
	return img, nil
}
