// Package imaging validates inbound frames and prepares them for the classifier.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"golang.org/x/image/draw"

	_ "image/gif" // Register GIF decoder
	_ "image/png" // Register PNG decoder

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrDecode marks a frame that could not be decoded. It is always recoverable.
var ErrDecode = errors.New("frame decode failed")

// DefaultQuality is the JPEG quality used when a frame has to be re-encoded.
const DefaultQuality = 85

// MaxPixels caps the declared size of an inbound image. Decoders allocate the
// full canvas from the header, before reading any pixel data.
const MaxPixels = 36_000_000

// Frame is a decoded, classifier-ready image.
type Frame struct {
	Data   []byte // JPEG or PNG bytes
	Format string
	Width  int
	Height int
	// Resized reports whether Data differs from the input bytes.
	Resized bool
}

// Prepare decodes data and returns bytes the classifier can read. Images wider or
// taller than maxDim are downscaled preserving aspect ratio; formats other than
// JPEG and PNG are re-encoded as JPEG. maxDim <= 0 disables downscaling.
func Prepare(data []byte, maxDim int) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: image is %dx%d, limit is %d pixels", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxDim)
	if w == b.Dx() && h == b.Dy() && (format == "jpeg" || format == "png") {
		return &Frame{Data: data, Format: format, Width: w, Height: h}, nil
	}

	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: DefaultQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return &Frame{Data: buf.Bytes(), Format: "jpeg", Width: w, Height: h, Resized: true}, nil
}

// fitWithin scales (w, h) down so neither side exceeds maxDim.
func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := h * maxDim / w
		return maxDim, max(nh, 1)
	}
	nw := w * maxDim / h
	return max(nw, 1), maxDim
}

// DecodeText extracts frame bytes from a text message: plain base64, or a data URL
// such as "data:image/jpeg;base64,...".
func DecodeText(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 || !strings.Contains(s[:i], ";base64") {
			return nil, fmt.Errorf("%w: data URL is not base64", ErrDecode)
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some browsers strip padding.
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
		}
	}
	return data, nil
}
