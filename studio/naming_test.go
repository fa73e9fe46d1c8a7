package studio

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/imageflow/llm/image"
)

func TestDeriveName_RedBicycle(t *testing.T) {
	n := DeriveName("a red bicycle leaning against a blue wall", image.FormatPNG)

	assert.True(t, strings.HasPrefix(n.Filename, "a-red-bicycle-leaning-against-a-blue-wall-"), n.Filename)
	assert.Regexp(t, `^a-red-bicycle-leaning-against-a-blue-wall-[a-z0-9]{6}\.png$`, n.Filename)
	assert.Equal(t, "A red bicycle leaning against a blue wall", n.Title)
}

func TestDeriveName_Cases(t *testing.T) {
	tests := []struct {
		prompt string
		format image.Format
		file   string
		title  string
	}{
		{"Café crème brûlée", image.FormatJPEG, "cafe-creme-brulee-abc123.jpg", "Café crème brûlée"},
		{"one two three four five six seven eight nine ten eleven twelve", image.FormatWebP,
			"one-two-three-four-five-six-seven-eight-nine-ten-abc123.webp",
			"One two three four five six seven eight nine ten"},
		{"  ¡¡¡  ", image.FormatPNG, "ai-image-abc123.png", "¡¡¡"},
		{"", "", "ai-image-abc123.png", "AI image"},
		{"Hello,   World!! 2024", image.FormatPNG, "hello-world-2024-abc123.png", "Hello, World!! 2024"},
		{"émigré's journey", image.FormatPNG, "emigre-s-journey-abc123.png", "Émigré's journey"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			n := deriveName(tt.prompt, tt.format, "abc123")
			assert.Equal(t, tt.file, n.Filename)
			assert.Equal(t, tt.title, n.Title)
		})
	}
}

func TestDeriveName_SuffixVaries(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		seen[DeriveName("same prompt", image.FormatPNG).Filename] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRenameExt(t *testing.T) {
	assert.Equal(t, "photo.webp", renameExt("photo.png", image.FormatWebP))
	assert.Equal(t, "photo.jpg", renameExt("photo", image.FormatJPEG))
	assert.Equal(t, "ai-image.png", renameExt(".png", image.FormatPNG))
}

var filenamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*-[a-z0-9]{6}\.(png|webp|jpg)$`)

func TestDeriveName_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prompt := rapid.String().Draw(t, "prompt")
		format := rapid.SampledFrom([]image.Format{image.FormatPNG, image.FormatWebP, image.FormatJPEG}).Draw(t, "format")

		n := DeriveName(prompt, format)
		if !filenamePattern.MatchString(n.Filename) {
			t.Fatalf("filename %q does not match", n.Filename)
		}
		if len(n.Slug) > slugMaxLength {
			t.Fatalf("slug too long: %d", len(n.Slug))
		}
		if n.Title == "" {
			t.Fatalf("empty title for %q", prompt)
		}
		if got := len(strings.Fields(n.Title)); got > nameWords {
			t.Fatalf("title has %d words", got)
		}
	})
}
