package studio

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BaSui01/imageflow/llm/image"
)

const (
	nameWords     = 10
	slugMaxLength = 80
	suffixLength  = 6
	fallbackSlug  = "ai-image"
	fallbackTitle = "AI image"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Name 是由 prompt 派生的文件名与标题。
type Name struct {
	Slug     string
	Filename string
	Title    string
}

// DeriveName 取 prompt 前十个词生成 slug 与标题，并追加随机后缀。
func DeriveName(prompt string, format image.Format) Name {
	return deriveName(prompt, format, randomSuffix())
}

func deriveName(prompt string, format image.Format, suffix string) Name {
	words := strings.Fields(prompt)
	if len(words) > nameWords {
		words = words[:nameWords]
	}
	slug := slugify(strings.Join(words, " "))
	if slug == "" {
		slug = fallbackSlug
	}
	if format == "" {
		format = image.FormatPNG
	}
	return Name{
		Slug:     slug,
		Filename: slug + "-" + suffix + "." + format.Extension(),
		Title:    titleOf(words),
	}
}

var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// slugify 小写、去除变音符号，非字母数字折叠为单个连字符。
func slugify(s string) string {
	folded, _, err := transform.String(foldDiacritics, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > slugMaxLength {
		out = strings.TrimRight(out[:slugMaxLength], "-")
	}
	return out
}

func titleOf(words []string) string {
	title := strings.Join(words, " ")
	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	if title == "" {
		return fallbackTitle
	}
	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}

func randomSuffix() string {
	b := make([]byte, suffixLength)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		b[i] = suffixAlphabet[n.Int64()]
	}
	return string(b)
}

// renameExt 替换文件名扩展名以匹配新格式。
func renameExt(filename string, format image.Format) string {
	base := filename
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		base = filename[:i]
	}
	if base == "" {
		base = fallbackSlug
	}
	return base + "." + format.Extension()
}
