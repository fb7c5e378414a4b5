package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"time"
)

// ErrUnavailable is returned when the source could not produce a frame.
var ErrUnavailable = errors.New("screen frame unavailable")

// Frame is one captured screen image in RGBA layout (4 bytes per pixel).
// Frames are consumed within a single monitoring tick and never retained.
type Frame struct {
	Pixels     []byte
	Width      int
	Height     int
	Stride     int
	CapturedAt time.Time
}

// Source produces screen frames on demand.
type Source interface {
	CaptureFrame(ctx context.Context) (Frame, error)
}

// FromImage converts img into a Frame, copying pixels only when img is not
// already an *image.RGBA anchored at the origin.
func FromImage(img image.Image, capturedAt time.Time) Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return Frame{
		Pixels:     rgba.Pix,
		Width:      rgba.Rect.Dx(),
		Height:     rgba.Rect.Dy(),
		Stride:     rgba.Stride,
		CapturedAt: capturedAt,
	}
}

// Validate reports whether the pixel buffer covers the declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	stride := f.stride()
	if stride < f.Width*4 {
		return fmt.Errorf("invalid frame stride %d for width %d", stride, f.Width)
	}
	if need := stride*(f.Height-1) + f.Width*4; len(f.Pixels) < need {
		return fmt.Errorf("frame buffer too short: have %d bytes, need %d", len(f.Pixels), need)
	}
	return nil
}

// Image wraps the frame pixels without copying.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pixels,
		Stride: f.stride(),
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

func (f Frame) stride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * 4
}

// EncodePNG encodes the full frame as PNG for upload.
func EncodePNG(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, f.Image()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes PNG bytes into a Frame.
func DecodePNG(data []byte, capturedAt time.Time) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrUnavailable
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode png: %w", err)
	}
	return FromImage(img, capturedAt), nil
}
