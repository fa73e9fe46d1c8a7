package image

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

const (
	maxErrorMessageRunes = 300
	maxErrorBodyBytes    = 64 << 10
)

var stripPolicy = bluemonday.StrictPolicy()

// messagePaths are the conventional error fields, tried in order.
var messagePaths = []string{"error.message", "error", "message", "detail", "detail.0.msg"}

// extractMessage returns a readable message from a conventional JSON error field.
// Anything else collapses to "HTTP <status>"; raw bodies are never relayed.
func extractMessage(body []byte, status int) string {
	var msg string
	if gjson.ValidBytes(body) {
		for _, path := range messagePaths {
			r := gjson.GetBytes(body, path)
			if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
				msg = r.Str
				break
			}
		}
	}
	msg = cleanMessage(msg)
	if msg == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return msg
}

const maxStripRounds = 8

// cleanMessage strips markup, folds whitespace and truncates.
func cleanMessage(msg string) string {
	msg = stripMarkup(msg)
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) > maxErrorMessageRunes {
		r := []rune(msg)
		msg = string(r[:maxErrorMessageRunes])
	}
	return msg
}

// stripMarkup sanitizes and unescapes until the value stops changing, so
// entity-encoded tags cannot come back to life. Leftover angle brackets are
// dropped if the rounds run out.
func stripMarkup(s string) string {
	for i := 0; i < maxStripRounds; i++ {
		next := html.UnescapeString(stripPolicy.Sanitize(s))
		if next == s {
			return s
		}
		s = next
	}
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

// mapStatus maps an upstream HTTP status onto a stable failure kind.
// The upstream status is kept for logs only; the API boundary picks its own
// status from the kind.
func mapStatus(provider Provider, status int, msg string) *types.Error {
	var code types.ErrorCode
	retryable := false
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = types.ErrNotConnected
	case status == http.StatusNotFound:
		code = types.ErrModelUnsupported
	case status == http.StatusBadRequest && mentionsModel(msg):
		code = types.ErrModelUnsupported
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity:
		code = types.ErrInvalidInput
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = types.ErrProviderTimeout
		retryable = true
	case status == http.StatusTooManyRequests:
		code = types.ErrRateLimited
		retryable = true
	default:
		code = types.ErrProviderError
		retryable = status >= 500
	}
	return types.NewError(code, msg).
		WithUpstreamStatus(status).
		WithRetryable(retryable).
		WithProvider(string(provider))
}

func mentionsModel(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "model")
}

// statusError reads a non-2xx response and maps it to a domain error.
// The body only reaches the debug log.
func statusError(provider Provider, resp *http.Response, logger *zap.Logger) *types.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if logger != nil {
		logger.Debug("provider error response",
			zap.String("provider", string(provider)),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
	}
	return mapStatus(provider, resp.StatusCode, extractMessage(body, resp.StatusCode))
}

// transportError maps transport failures to domain errors. Every timeout becomes provider-timeout.
func transportError(ctx context.Context, provider Provider, err error) *types.Error {
	if e, ok := types.AsError(err); ok {
		return e
	}
	if isTimeout(ctx, err) {
		return types.NewError(types.ErrProviderTimeout, "provider did not answer in time").
			WithCause(err).
			WithRetryable(true).
			WithProvider(string(provider))
	}
	return types.NewError(types.ErrProviderError, "provider request failed").
		WithCause(err).
		WithRetryable(true).
		WithProvider(string(provider))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func malformed(provider Provider, format string, args ...any) *types.Error {
	return types.Errorf(types.ErrMalformedResponse, format, args...).WithProvider(string(provider))
}

func notConnected(provider Provider) *types.Error {
	return types.Errorf(types.ErrNotConnected, "%s is not connected", provider).WithProvider(string(provider))
}
