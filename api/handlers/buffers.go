package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/studio"
)

// =============================================================================
// 🧾 编辑缓冲区 Handler
// =============================================================================

// BufferBody GET /v1/buffers/{token} 的响应，Data 为 base64
type BufferBody struct {
	studio.BufferInfo
	Data string `json:"data"`
}

// CommitBody 提交请求体，Mode 为 save_as 或 replace
type CommitBody struct {
	Mode string `json:"mode"`
}

// HandleGetBuffer 读取缓冲条目（刷新过期时间）
// @Summary Get buffer
// @Tags buffers
// @Produce json
// @Param token path string true "Buffer token"
// @Success 200 {object} Response{data=BufferBody} "Buffered image"
// @Failure 404 {object} Response "Buffer not found or expired"
// @Security ApiKeyAuth
// @Router /api/v1/buffers/{token} [get]
func (h *StudioHandler) HandleGetBuffer(w http.ResponseWriter, r *http.Request) {
	view, err := h.studio.ReadBuffer(r.Context(), r.PathValue("token"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, BufferBody{BufferInfo: view.BufferInfo, Data: base64.StdEncoding.EncodeToString(view.Data)})
}

// HandleBufferContent 以原始字节返回缓冲图像
// @Summary Get buffer content
// @Tags buffers
// @Produce image/png
// @Param token path string true "Buffer token"
// @Success 200 {file} binary "Image bytes"
// @Failure 404 {object} Response "Buffer not found or expired"
// @Security ApiKeyAuth
// @Router /api/v1/buffers/{token}/content [get]
func (h *StudioHandler) HandleBufferContent(w http.ResponseWriter, r *http.Request) {
	view, err := h.studio.ReadBuffer(r.Context(), r.PathValue("token"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", view.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(view.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(view.Data)
}

// HandleCommitBuffer 把缓冲结果落盘
// @Summary Commit buffer
// @Tags buffers
// @Accept json
// @Produce json
// @Param token path string true "Buffer token"
// @Param request body CommitBody true "Commit mode"
// @Success 200 {object} Response{data=studio.EditResult} "Saved attachment"
// @Failure 404 {object} Response "Buffer not found or already consumed"
// @Security ApiKeyAuth
// @Router /api/v1/buffers/{token}/commit [post]
func (h *StudioHandler) HandleCommitBuffer(w http.ResponseWriter, r *http.Request) {
	var body CommitBody
	if err := DecodeJSONBody(w, r, &body, 4<<10); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	res, err := h.studio.CommitBuffer(r.Context(), r.PathValue("token"), image.SaveMode(body.Mode))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

// HandleDiscardBuffer 丢弃缓冲条目
// @Summary Discard buffer
// @Tags buffers
// @Produce json
// @Param token path string true "Buffer token"
// @Success 200 {object} Response "Discarded"
// @Failure 404 {object} Response "Buffer not found or already consumed"
// @Security ApiKeyAuth
// @Router /api/v1/buffers/{token} [delete]
func (h *StudioHandler) HandleDiscardBuffer(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := h.studio.DiscardBuffer(r.Context(), token); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, map[string]string{"token": token, "status": "discarded"})
}
