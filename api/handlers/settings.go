package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/settings"
	"github.com/BaSui01/imageflow/llm/image"
)

// =============================================================================
// 🔑 服务商凭据 Handler
// =============================================================================

// Credentials 是凭据存储能力，由 *settings.Store 实现
type Credentials interface {
	Status(ctx context.Context) ([]settings.ProviderStatus, error)
	SetCredential(ctx context.Context, provider image.Provider, value string) error
	DeleteCredential(ctx context.Context, provider image.Provider) error
}

var _ Credentials = (*settings.Store)(nil)

// SettingsHandler 凭据管理端点，全部要求管理员
type SettingsHandler struct {
	creds Credentials
	// 凭据变化后清除该服务商的模型缓存
	invalidate func(provider string) (int, error)
	logger     *zap.Logger
}

// CredentialBody 凭据写入请求体
type CredentialBody struct {
	APIKey string `json:"api_key"`
}

// NewSettingsHandler 创建处理器，invalidate 可为 nil
func NewSettingsHandler(creds Credentials, invalidate func(provider string) (int, error), logger *zap.Logger) *SettingsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsHandler{creds: creds, invalidate: invalidate, logger: logger.With(zap.String("handler", "settings"))}
}

// HandleStatus 列出各服务商的连接状态（凭据已脱敏）
// @Summary Provider connection status
// @Tags settings
// @Produce json
// @Success 200 {object} Response{data=[]settings.ProviderStatus} "Status"
// @Failure 403 {object} Response "Forbidden"
// @Security ApiKeyAuth
// @Router /api/v1/settings/providers [get]
func (h *SettingsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	status, err := h.creds.Status(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, status)
}

// HandleSetCredential 保存服务商 API key
// @Summary Store provider credential
// @Tags settings
// @Accept json
// @Produce json
// @Param provider path string true "Provider"
// @Param request body CredentialBody true "Credential"
// @Success 200 {object} Response "Stored"
// @Failure 400 {object} Response "Invalid input"
// @Failure 403 {object} Response "Forbidden"
// @Security ApiKeyAuth
// @Router /api/v1/settings/providers/{provider}/credential [put]
func (h *SettingsHandler) HandleSetCredential(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	provider, err := image.ParseProvider(r.PathValue("provider"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var body CredentialBody
	if err := DecodeJSONBody(w, r, &body, 16<<10); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.creds.SetCredential(r.Context(), provider, body.APIKey); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.changed(provider)
	WriteSuccess(w, r, map[string]string{"provider": string(provider), "status": "stored"})
}

// HandleDeleteCredential 删除已保存的 API key
// @Summary Delete provider credential
// @Tags settings
// @Produce json
// @Param provider path string true "Provider"
// @Success 200 {object} Response "Deleted"
// @Failure 403 {object} Response "Forbidden"
// @Security ApiKeyAuth
// @Router /api/v1/settings/providers/{provider}/credential [delete]
func (h *SettingsHandler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	provider, err := image.ParseProvider(r.PathValue("provider"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.creds.DeleteCredential(r.Context(), provider); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.changed(provider)
	WriteSuccess(w, r, map[string]string{"provider": string(provider), "status": "deleted"})
}

func (h *SettingsHandler) changed(provider image.Provider) {
	if h.invalidate == nil {
		return
	}
	if _, err := h.invalidate(string(provider)); err != nil {
		h.logger.Warn("model cache invalidation failed", zap.String("provider", string(provider)), zap.Error(err))
	}
}
