package normalize

import (
	"bytes"
	"fmt"
	stdimage "image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/types"
)

// Config configures a Normalizer.
type Config struct {
	MaxBytes    int64       `json:"max_bytes" yaml:"max_bytes"`
	MaxPixels   int64       `json:"max_pixels" yaml:"max_pixels"`
	Background  color.NRGBA `json:"-" yaml:"-"`
	JPEGQuality int         `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// DefaultConfig is 100 MiB, 64 MP, a white background and JPEG quality 90.
func DefaultConfig() Config {
	return Config{
		MaxBytes:    100 << 20,
		MaxPixels:   64_000_000,
		Background:  color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		JPEGQuality: 90,
	}
}

// ParseBackground parses a #rrggbb or #rgb color.
func ParseBackground(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Normalizer converts provider bytes to the target format and size. It is safe for concurrent use.
type Normalizer struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a Normalizer. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector) *Normalizer {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}
	if cfg.Background.A == 0 {
		cfg.Background = def.Background
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{cfg: cfg, logger: logger.With(zap.String("component", "normalizer")), metrics: collector}
}

// Normalize decodes, resizes when asked and re-encodes. A zero width or height leaves
// that side unspecified: both given resizes exactly, one given keeps the aspect ratio,
// none keeps the original size. The input slice is never modified.
func (n *Normalizer) Normalize(data []byte, format image.Format, width, height int) (*image.Binary, error) {
	start := time.Now()
	if format == "" {
		format = image.FormatPNG
	}
	out, err := n.normalize(data, format, width, height)
	outcome, size := "success", 0
	if err != nil {
		outcome = string(types.GetErrorCode(err))
		n.logger.Debug("normalize rejected input", zap.String("format", string(format)), zap.Error(err))
	} else {
		size = len(out.Data)
	}
	n.metrics.RecordNormalize(string(format), outcome, time.Since(start), size)
	return out, err
}

func (n *Normalizer) normalize(data []byte, format image.Format, width, height int) (*image.Binary, error) {
	if int64(len(data)) > n.cfg.MaxBytes {
		return nil, types.Errorf(types.ErrInvalidInput, "image is %d bytes, limit is %d", len(data), n.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "image is empty")
	}
	if mt := mimetype.Detect(data).String(); !strings.HasPrefix(mt, "image/") {
		return nil, types.Errorf(types.ErrInvalidInput, "payload is %s, not an image", mt)
	}
	if width < 0 || height < 0 {
		return nil, types.NewError(types.ErrInvalidInput, "target dimensions must be positive")
	}
	if int64(width)*int64(height) > n.cfg.MaxPixels {
		return nil, types.Errorf(types.ErrInvalidInput, "target %dx%d exceeds %d pixels", width, height, n.cfg.MaxPixels)
	}

	// Check header dimensions before decoding so oversized images are never allocated.
	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "image header cannot be decoded").WithCause(err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > n.cfg.MaxPixels {
		return nil, types.Errorf(types.ErrInvalidInput, "image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, n.cfg.MaxPixels)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "image cannot be decoded").WithCause(err)
	}
	b := src.Bounds()
	if int64(b.Dx())*int64(b.Dy()) > n.cfg.MaxPixels || b.Empty() {
		return nil, types.Errorf(types.ErrInvalidInput, "decoded image is %dx%d", b.Dx(), b.Dy())
	}

	img := imaging.Clone(src)
	switch {
	case width > 0 && height > 0:
		if b.Dx() != width || b.Dy() != height {
			img = imaging.Resize(img, width, height, imaging.Lanczos)
		}
	case width > 0 || height > 0:
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	switch format {
	case image.FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case image.FormatJPEG:
		if !img.Opaque() {
			img = n.flatten(img)
		}
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.cfg.JPEGQuality))
	case image.FormatWebP:
		err = nativewebp.Encode(&buf, img, nil)
	default:
		return nil, types.Errorf(types.ErrInvalidInput, "unsupported format %q", format)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "image cannot be encoded").WithCause(err)
	}

	ob := img.Bounds()
	return &image.Binary{
		Data:     buf.Bytes(),
		MimeType: format.MimeType(),
		Width:    ob.Dx(),
		Height:   ob.Dy(),
	}, nil
}

// flatten composites an image with alpha onto the background color.
func (n *Normalizer) flatten(img *stdimage.NRGBA) *stdimage.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), n.cfg.Background)
	return imaging.Overlay(bg, img, stdimage.Pt(0, 0), 1.0)
}
