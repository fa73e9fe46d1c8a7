package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构，Code 为稳定的错误类别字符串
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// DefaultMaxBodyBytes 默认请求体上限，参考图以 base64 内联
const DefaultMaxBodyBytes int64 = 64 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应。非 *types.Error 按 internal-error 处理，不向客户端暴露细节。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	e, ok := types.AsError(err)
	if !ok {
		e = types.NewError(types.ErrInternal, "internal server error").WithCause(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = StatusFor(e.Code)
	}
	if e.Code == types.ErrRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}

	if logger != nil {
		level := logger.Info
		if status >= http.StatusInternalServerError {
			level = logger.Error
		}
		level("api error",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.Int("status", status),
			zap.Int("upstream_status", e.UpstreamStatus),
			zap.String("request_id", requestID(r)),
			zap.Error(e.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(e.Code),
			Message:   e.Message,
			Provider:  e.Provider,
			Retryable: e.Retryable,
		},
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := types.RequestID(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// =============================================================================
// 🔄 错误类别到 HTTP 状态码映射
// =============================================================================

// StatusFor 返回错误类别对应的 HTTP 状态码
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidInput:
		return http.StatusBadRequest
	case types.ErrUnauthenticated:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrModelUnsupported:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrProviderError, types.ErrMalformedResponse:
		return http.StatusBadGateway
	case types.ErrNotConnected:
		return http.StatusServiceUnavailable
	case types.ErrProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求解析
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体，拒绝未知字段与超限请求体。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewError(types.ErrInvalidInput, "request body is empty")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.Errorf(types.ErrInvalidInput, "request body exceeds %d bytes", tooLarge.Limit).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		return types.NewError(types.ErrInvalidInput, "invalid JSON body").WithCause(err)
	}
	return nil
}

// pathID 解析路径中的正整数 id。
func pathID(r *http.Request, name string) (uint, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || v == 0 {
		return 0, types.Errorf(types.ErrInvalidInput, "invalid %s %q", name, r.PathValue(name))
	}
	return uint(v), nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
