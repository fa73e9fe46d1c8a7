package normalize

import (
	"bytes"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
	"pgregory.net/rapid"

	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/types"
)

func encodePNG(t testing.TB, img stdimage.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.NRGBA) *stdimage.NRGBA {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestNormalize_ExactDimensions(t *testing.T) {
	n := New(DefaultConfig(), nil, nil)
	src := encodePNG(t, solid(40, 30, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))

	out, err := n.Normalize(src, image.FormatPNG, 64, 16)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 16, out.Height)
	assert.Equal(t, "image/png", out.MimeType)

	cfg, err := png.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 16, cfg.Height)
}

func TestNormalize_PreservesDimensionsWhenUnset(t *testing.T) {
	n := New(DefaultConfig(), nil, nil)
	src := encodePNG(t, solid(33, 21, color.NRGBA{A: 255}))

	out, err := n.Normalize(src, image.FormatPNG, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 33, out.Width)
	assert.Equal(t, 21, out.Height)

	half, err := n.Normalize(src, image.FormatPNG, 66, 0)
	require.NoError(t, err)
	assert.Equal(t, 66, half.Width)
	assert.Equal(t, 42, half.Height)
}

func TestNormalize_TransparentToJPEGIsFlattened(t *testing.T) {
	n := New(DefaultConfig(), nil, nil)
	src := encodePNG(t, solid(8, 8, color.NRGBA{}))
	original := bytes.Clone(src)

	out, err := n.Normalize(src, image.FormatJPEG, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.MimeType)
	assert.Equal(t, original, src, "input must not be mutated")

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, a := img.At(4, 4).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestNormalize_CustomBackground(t *testing.T) {
	bg, err := ParseBackground("#000")
	require.NoError(t, err)
	n := New(Config{Background: bg}, nil, nil)

	out, err := n.Normalize(encodePNG(t, solid(4, 4, color.NRGBA{})), image.FormatJPEG, 0, 0)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, _, _, _ := img.At(1, 1).RGBA()
	assert.Less(t, r, uint32(0x1000))
}

func TestNormalize_WebP(t *testing.T) {
	n := New(DefaultConfig(), nil, nil)
	out, err := n.Normalize(encodePNG(t, solid(12, 9, color.NRGBA{R: 200, A: 128})), image.FormatWebP, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", out.MimeType)

	cfg, err := webp.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Width)
	assert.Equal(t, 9, cfg.Height)
}

func TestNormalize_Limits(t *testing.T) {
	src := encodePNG(t, solid(20, 20, color.NRGBA{A: 255}))

	tooBig := New(Config{MaxBytes: int64(len(src) - 1)}, nil, nil)
	_, err := tooBig.Normalize(src, image.FormatPNG, 0, 0)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	tooMany := New(Config{MaxPixels: 399}, nil, nil)
	_, err = tooMany.Normalize(src, image.FormatPNG, 0, 0)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	_, err = New(Config{MaxPixels: 500}, nil, nil).Normalize(src, image.FormatPNG, 100, 100)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	_, err = New(DefaultConfig(), nil, nil).Normalize([]byte("%PDF-1.4 not an image"), image.FormatPNG, 0, 0)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
}

func TestParseBackground(t *testing.T) {
	c, err := ParseBackground("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 128, B: 0, A: 255}, c)

	_, err = ParseBackground("white")
	assert.Error(t, err)
}

func TestNormalize_DimensionRoundTripProperty(t *testing.T) {
	n := New(DefaultConfig(), nil, nil)
	src := encodePNG(t, solid(16, 16, color.NRGBA{G: 255, A: 255}))

	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 96).Draw(t, "width")
		h := rapid.IntRange(1, 96).Draw(t, "height")
		format := rapid.SampledFrom([]image.Format{image.FormatPNG, image.FormatJPEG, image.FormatWebP}).Draw(t, "format")

		out, err := n.Normalize(src, format, w, h)
		if err != nil {
			t.Fatalf("normalize %dx%d %s: %v", w, h, format, err)
		}
		cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(out.Data))
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if cfg.Width != w || cfg.Height != h {
			t.Fatalf("got %dx%d, want %dx%d", cfg.Width, cfg.Height, w, h)
		}
	})
}
