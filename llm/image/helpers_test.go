package image

import (
	"bytes"
	stdimage "image"
	"image/color"
	"image/png"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

// testCaps is a small catalog for tests.
type testCaps struct {
	models map[Purpose]map[Provider][]string
	multi  map[string]bool
	custom map[string]bool
}

func newTestCaps() *testCaps {
	return &testCaps{
		models: map[Purpose]map[Provider][]string{
			PurposeGenerate: {
				ProviderOpenAI: {"gpt-image-1", "dall-e-3"},
				ProviderGemini: {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
				ProviderFlux:   {"flux-2-pro", "flux-pro-1.1", "flux-kontext-pro"},
			},
			PurposeEdit: {
				ProviderOpenAI: {"gpt-image-1", "dall-e-2"},
				ProviderGemini: {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
				ProviderFlux:   {"flux-kontext-pro", "flux-2-pro"},
			},
		},
		multi: map[string]bool{
			"gpt-image-1": true, "gemini-2.5-flash-image": true, "gemini-3-pro-image-preview": true, "flux-2-pro": true,
		},
		custom: map[string]bool{
			"gemini-3-pro-image-preview": true, "flux-2-pro": true, "flux-pro-1.1": true,
		},
	}
}

func (c *testCaps) Models(purpose Purpose, provider Provider) []string {
	return slices.Clone(c.models[purpose][provider])
}

func (c *testCaps) Supports(purpose Purpose, provider Provider, model string) bool {
	return slices.Contains(c.models[purpose][provider], model)
}

func (c *testCaps) MultiReference(_ Provider, model string) bool   { return c.multi[model] }
func (c *testCaps) CustomResolution(_ Provider, model string) bool { return c.custom[model] }

// pngBytes encodes a solid-color PNG.
func pngBytes(t testing.TB, w, h int) []byte {
	t.Helper()
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testRefs(t testing.TB, n int) []Reference {
	t.Helper()
	refs := make([]Reference, 0, n)
	for i := 0; i < n; i++ {
		ref, err := NewReference(pngBytes(t, 4, 4), "")
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	return refs
}
