package handlers

import (
	"context"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/studio"
	"github.com/BaSui01/imageflow/types"
)

// =============================================================================
// 🎨 图像生成与编辑 Handler
// =============================================================================

// Studio 是 handler 依赖的编排能力，由 *studio.Service 实现
type Studio interface {
	Generate(ctx context.Context, req *image.GenerateRequest) (*studio.GenerateResult, error)
	Edit(ctx context.Context, req *image.EditRequest) (*studio.EditResult, error)
	ReadBuffer(ctx context.Context, token string) (*studio.BufferView, error)
	CommitBuffer(ctx context.Context, token string, mode image.SaveMode) (*studio.EditResult, error)
	DiscardBuffer(ctx context.Context, token string) error
	ListModels(ctx context.Context, provider, purpose string) (*studio.ModelList, error)
	InvalidateModels(provider string) (int, error)
	History(ctx context.Context, id uint) ([]ledger.Event, error)
	Metadata(ctx context.Context, id uint) (*attachment.AIMetadata, error)
}

var _ Studio = (*studio.Service)(nil)

// StudioHandler 图像相关端点
type StudioHandler struct {
	studio  Studio
	maxBody int64
	logger  *zap.Logger
}

// NewStudioHandler 创建处理器，maxBody <= 0 时使用 DefaultMaxBodyBytes
func NewStudioHandler(s Studio, maxBody int64, logger *zap.Logger) *StudioHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &StudioHandler{studio: s, maxBody: maxBody, logger: logger.With(zap.String("handler", "studio"))}
}

// ReferenceBody 内联参考图，Data 为标准 base64
type ReferenceBody struct {
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// GenerateBody 生成请求体
type GenerateBody struct {
	Prompt      string          `json:"prompt"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	AspectRatio string          `json:"aspect_ratio,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
	Format      string          `json:"format,omitempty"`
	References  []ReferenceBody `json:"references,omitempty"`
}

// EditBody 编辑请求体
type EditBody struct {
	AttachmentID  uint            `json:"attachment_id"`
	Prompt        string          `json:"prompt"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model,omitempty"`
	Format        string          `json:"format,omitempty"`
	SaveMode      string          `json:"save_mode,omitempty"`
	BaseBufferKey string          `json:"base_buffer_key,omitempty"`
	AspectRatio   string          `json:"aspect_ratio,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	References    []ReferenceBody `json:"references,omitempty"`
}

// HandleGenerate 生成图像并保存为附件
// @Summary Generate image
// @Description Generate an image from a prompt and save it as an attachment
// @Tags images
// @Accept json
// @Produce json
// @Param request body GenerateBody true "Generate request"
// @Success 200 {object} Response{data=studio.GenerateResult} "Saved attachment"
// @Failure 400 {object} Response "Invalid input"
// @Failure 503 {object} Response "Provider not connected"
// @Security ApiKeyAuth
// @Router /api/v1/images/generate [post]
func (h *StudioHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body GenerateBody
	if err := DecodeJSONBody(w, r, &body, h.maxBody); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	refs, err := decodeReferences(body.References)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	res, err := h.studio.Generate(r.Context(), &image.GenerateRequest{
		Prompt:      body.Prompt,
		Provider:    image.Provider(body.Provider),
		Model:       body.Model,
		Width:       body.Width,
		Height:      body.Height,
		AspectRatio: body.AspectRatio,
		Resolution:  body.Resolution,
		Format:      image.Format(body.Format),
		References:  refs,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

// HandleEdit 编辑已有附件或缓冲结果
// @Summary Edit image
// @Description Edit an attachment; save_mode is save_as, replace or buffer
// @Tags images
// @Accept json
// @Produce json
// @Param request body EditBody true "Edit request"
// @Success 200 {object} Response{data=studio.EditResult} "Edit result"
// @Failure 400 {object} Response "Invalid input"
// @Failure 403 {object} Response "Forbidden"
// @Failure 404 {object} Response "Source not found"
// @Security ApiKeyAuth
// @Router /api/v1/images/edit [post]
func (h *StudioHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	var body EditBody
	if err := DecodeJSONBody(w, r, &body, h.maxBody); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	refs, err := decodeReferences(body.References)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	res, err := h.studio.Edit(r.Context(), &image.EditRequest{
		AttachmentID:  body.AttachmentID,
		Prompt:        body.Prompt,
		Provider:      image.Provider(body.Provider),
		Model:         body.Model,
		Format:        image.Format(body.Format),
		SaveMode:      image.SaveMode(body.SaveMode),
		BaseBufferKey: body.BaseBufferKey,
		AspectRatio:   body.AspectRatio,
		Resolution:    body.Resolution,
		References:    refs,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

// decodeReferences 在解码前先检查数量，超限直接拒绝
func decodeReferences(in []ReferenceBody) ([]image.Reference, error) {
	if len(in) > image.MaxReferences {
		return nil, types.Errorf(types.ErrInvalidInput, "at most %d reference images are allowed, got %d", image.MaxReferences, len(in))
	}
	if len(in) == 0 {
		return nil, nil
	}
	refs := make([]image.Reference, 0, len(in))
	for i, rb := range in {
		data, err := base64.StdEncoding.DecodeString(rb.Data)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "reference %d is not valid base64", i).WithCause(err)
		}
		ref, err := image.NewReference(data, rb.Filename)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
