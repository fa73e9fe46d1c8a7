package handlers

import (
	"net/http"
	"slices"

	"github.com/BaSui01/imageflow/internal/permission"
	"github.com/BaSui01/imageflow/types"
)

// =============================================================================
// 📚 模型目录与附件溯源 Handler
// =============================================================================

// HandleListModels 列出服务商在某用途下可用的模型
// @Summary List models
// @Tags models
// @Produce json
// @Param provider query string true "openai | gemini | flux"
// @Param purpose query string false "generate | edit"
// @Success 200 {object} Response{data=studio.ModelList} "Models"
// @Failure 400 {object} Response "Unknown provider"
// @Security ApiKeyAuth
// @Router /api/v1/models [get]
func (h *StudioHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.studio.ListModels(r.Context(), q.Get("provider"), q.Get("purpose"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, list)
}

// HandleInvalidateModels 清除服务商的模型缓存，仅管理员
// @Summary Invalidate model cache
// @Tags models
// @Produce json
// @Param provider query string true "Provider"
// @Success 200 {object} Response "Invalidated entries"
// @Failure 403 {object} Response "Forbidden"
// @Security ApiKeyAuth
// @Router /api/v1/models/invalidate [post]
func (h *StudioHandler) HandleInvalidateModels(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	provider := r.URL.Query().Get("provider")
	n, err := h.studio.InvalidateModels(provider)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, map[string]any{"provider": provider, "invalidated": n})
}

// HandleHistory 返回附件的生成/编辑历史（旧到新）
// @Summary Attachment history
// @Tags attachments
// @Produce json
// @Param id path int true "Attachment ID"
// @Success 200 {object} Response{data=[]ledger.Event} "History"
// @Failure 404 {object} Response "Attachment not found"
// @Security ApiKeyAuth
// @Router /api/v1/attachments/{id}/history [get]
func (h *StudioHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	events, err := h.studio.History(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, events)
}

// HandleMetadata 返回附件的 AI 元数据
// @Summary Attachment AI metadata
// @Tags attachments
// @Produce json
// @Param id path int true "Attachment ID"
// @Success 200 {object} Response{data=attachment.AIMetadata} "Metadata"
// @Failure 404 {object} Response "Attachment not found"
// @Security ApiKeyAuth
// @Router /api/v1/attachments/{id}/metadata [get]
func (h *StudioHandler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	meta, err := h.studio.Metadata(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, meta)
}

func requireAdmin(r *http.Request) error {
	if slices.Contains(types.Roles(r.Context()), permission.RoleAdmin) {
		return nil
	}
	return types.NewError(types.ErrForbidden, "admin role required")
}
