// Package changedetect reduces screen frames to compact fingerprints so the
// monitoring loop can skip uploads when nothing on screen has changed.
package changedetect

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/image/draw"

	"github.com/ent0n29/screenpilot/internal/screen"
)

// ErrInvalidFrame is returned for frames whose buffer does not match their size.
var ErrInvalidFrame = errors.New("invalid frame")

const (
	DefaultCropTop = 80
	DefaultWidth   = 32
	DefaultHeight  = 64
)

// Fingerprint is a BLAKE3 digest of a cropped, downscaled frame. The zero
// value means "no baseline yet".
type Fingerprint [32]byte

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) String() string {
	if f.IsZero() {
		return ""
	}
	return hex.EncodeToString(f[:8])
}

// Changed reports whether next should be treated as a new screen relative to
// prev. A missing baseline always counts as changed.
func Changed(prev, next Fingerprint) bool {
	return prev.IsZero() || prev != next
}

// fingerprintKey separates frame fingerprints from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	's', 'c', 'r', 'e', 'e', 'n', 'p', 'i', 'l', 'o', 't', '.',
	'f', 'r', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

type Config struct {
	// CropTop is the number of rows removed from the top of each frame
	// (status bar and similar OS chrome).
	CropTop int
	Width   int
	Height  int
	// Scaler is one of nearest, approx_bilinear, bilinear, catmullrom.
	Scaler string
}

type Detector struct {
	cropTop int
	width   int
	height  int
	scaler  draw.Scaler
}

func New(cfg Config) (*Detector, error) {
	if cfg.CropTop < 0 {
		return nil, fmt.Errorf("crop top must be >= 0, got %d", cfg.CropTop)
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	scaler, err := ParseScaler(cfg.Scaler)
	if err != nil {
		return nil, err
	}
	return &Detector{
		cropTop: cfg.CropTop,
		width:   cfg.Width,
		height:  cfg.Height,
		scaler:  scaler,
	}, nil
}

// ParseScaler maps a config name to an x/image/draw interpolator.
func ParseScaler(name string) (draw.Scaler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nearest":
		return draw.NearestNeighbor, nil
	case "approx_bilinear":
		return draw.ApproxBiLinear, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown scaler %q (expected nearest|approx_bilinear|bilinear|catmullrom)", name)
	}
}

// Fingerprint crops, downscales and hashes the frame. When the crop would
// consume the whole frame the crop is skipped and the full frame is hashed.
func (d *Detector) Fingerprint(f screen.Frame) (Fingerprint, error) {
	if err := f.Validate(); err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	src := f.Image()
	region := src.Bounds()
	if d.cropTop > 0 && d.cropTop < f.Height {
		region.Min.Y = d.cropTop
	}

	dst := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	d.scaler.Scale(dst, dst.Bounds(), src, region, draw.Src, nil)

	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("init hasher: %w", err)
	}
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], uint32(d.width))
	binary.LittleEndian.PutUint32(dims[4:8], uint32(d.height))
	_, _ = h.Write(dims[:])
	_, _ = h.Write(dst.Pix)

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out, nil
}
