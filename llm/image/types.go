package image

import (
	"bytes"
	"context"
	stdimage "image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/BaSui01/imageflow/types"
)

// Provider 标识一个图像服务商。集合封闭，按字符串键选择。
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderFlux   Provider = "flux"
)

// Providers 返回全部已建模的服务商，顺序稳定。
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderGemini, ProviderFlux}
}

// ParseProvider 解析服务商名称，未知名称返回 invalid-input。
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderOpenAI, ProviderGemini, ProviderFlux:
		return p, nil
	}
	return "", types.Errorf(types.ErrInvalidInput, "unknown provider %q", s)
}

// Purpose 区分生成与编辑两类模型目录。
type Purpose string

const (
	PurposeGenerate Purpose = "generate"
	PurposeEdit     Purpose = "edit"
)

// ParsePurpose 解析用途，空串视为 generate。
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(strings.ToLower(strings.TrimSpace(s))) {
	case PurposeGenerate, "":
		return PurposeGenerate, nil
	case PurposeEdit:
		return PurposeEdit, nil
	}
	return "", types.Errorf(types.ErrInvalidInput, "unknown purpose %q", s)
}

// Format 是规范化后的输出格式。
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

// ParseFormat 解析输出格式，jpg 视为 jpeg，空串视为 png。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return "", types.Errorf(types.ErrInvalidInput, "unsupported format %q", s)
}

// MimeType 返回格式对应的 MIME 类型。
func (f Format) MimeType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// Extension 返回不带点的文件扩展名。
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	if f == "" {
		return "png"
	}
	return string(f)
}

// MaxReferences 单次请求允许的参考图上限。
const MaxReferences = 4

// Reference 是一张参考图。创建后不可变。
type Reference struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Filename string
}

// NewReference 嗅探 MIME 并解码尺寸；无法解码的字节返回 invalid-input。
func NewReference(data []byte, filename string) (Reference, error) {
	if len(data) == 0 {
		return Reference{}, types.NewError(types.ErrInvalidInput, "reference image is empty")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Reference{}, types.Errorf(types.ErrInvalidInput, "reference %q is not an image (%s)", filename, mt.String())
	}
	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Reference{}, types.Errorf(types.ErrInvalidInput, "reference %q cannot be decoded", filename).WithCause(err)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return Reference{
		Data:     cp,
		MimeType: mt.String(),
		Width:    cfg.Width,
		Height:   cfg.Height,
		Filename: filename,
	}, nil
}

// sniffMime 返回字节内容的 MIME 类型。
func sniffMime(data []byte) string {
	return mimetype.Detect(data).String()
}

// Binary 是服务商返回或规范化后的图像字节。不可变。
type Binary struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// GenerateRequest 描述一次文生图请求。
type GenerateRequest struct {
	Prompt      string      `json:"prompt"`
	Provider    Provider    `json:"provider"`
	Model       string      `json:"model"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	AspectRatio string      `json:"aspect_ratio,omitempty"`
	Resolution  string      `json:"resolution,omitempty"` // 1K | 2K | 4K
	Format      Format      `json:"format,omitempty"`
	References  []Reference `json:"-"`
}

// HasPixelSize 请求是否给出了显式像素尺寸。
func (r *GenerateRequest) HasPixelSize() bool {
	return r.Width > 0 && r.Height > 0
}

// SaveMode 编辑结果的落盘方式。
type SaveMode string

const (
	SaveAsNew       SaveMode = "save_as"
	ReplaceOriginal SaveMode = "replace"
	BufferOnly      SaveMode = "buffer"
)

// ParseSaveMode 解析保存模式，空串视为 save_as。
func ParseSaveMode(s string) (SaveMode, error) {
	switch SaveMode(strings.ToLower(strings.TrimSpace(s))) {
	case SaveAsNew, "":
		return SaveAsNew, nil
	case ReplaceOriginal:
		return ReplaceOriginal, nil
	case BufferOnly:
		return BufferOnly, nil
	}
	return "", types.Errorf(types.ErrInvalidInput, "unknown save mode %q", s)
}

// EditRequest 描述一次图像编辑请求。
type EditRequest struct {
	AttachmentID  uint        `json:"attachment_id"`
	Prompt        string      `json:"prompt"`
	Provider      Provider    `json:"provider"`
	Model         string      `json:"model"`
	Format        Format      `json:"format,omitempty"`
	SaveMode      SaveMode    `json:"save_mode,omitempty"`
	BaseBufferKey string      `json:"base_buffer_key,omitempty"`
	AspectRatio   string      `json:"aspect_ratio,omitempty"`
	Resolution    string      `json:"resolution,omitempty"`
	References    []Reference `json:"-"`
}

// Adapter 把一个服务商的协议映射到统一的领域模型。
// 实现必须在任何网络调用前完成校验，且内部不重试。
type Adapter interface {
	Name() Provider
	Generate(ctx context.Context, req *GenerateRequest) (*Binary, error)
	Edit(ctx context.Context, req *EditRequest, source []byte) (*Binary, error)
	ListModels(ctx context.Context, purpose Purpose) ([]string, error)
}

// Capabilities 是模型目录的只读视图。
type Capabilities interface {
	Models(purpose Purpose, provider Provider) []string
	Supports(purpose Purpose, provider Provider, model string) bool
	MultiReference(provider Provider, model string) bool
	CustomResolution(provider Provider, model string) bool
}
