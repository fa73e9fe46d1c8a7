package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/telemetry"
	"github.com/BaSui01/imageflow/internal/tlsutil"
	"github.com/BaSui01/imageflow/types"
)

// Transport sends HTTP requests. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultTransport returns the production transport with hardened TLS.
func DefaultTransport(timeout time.Duration) Transport {
	return tlsutil.SecureHTTPClient(timeout)
}

// maxDownloadBytes caps result downloads, slightly above the normalizer byte ceiling.
const maxDownloadBytes = 128 << 20

// download fetches a result URL returned by the provider.
func download(ctx context.Context, d Deps, provider Provider, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", malformed(provider, "invalid result url").WithCause(err)
	}
	resp, err := d.Transport.Do(req)
	if err != nil {
		return nil, "", transportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", statusError(provider, resp, d.Logger)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", transportError(ctx, provider, err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", types.Errorf(types.ErrInvalidInput, "result image exceeds %d bytes", maxDownloadBytes).
			WithProvider(string(provider))
	}
	if len(data) == 0 {
		return nil, "", malformed(provider, "result download was empty")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// invoke wraps one adapter call with a timeout, a span, metrics and logging.
func invoke(ctx context.Context, d Deps, provider Provider, operation, model string, timeout time.Duration,
	fn func(ctx context.Context) (*Binary, error)) (*Binary, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, fmt.Sprintf("image.%s.%s", provider, operation),
		attribute.String("imageflow.provider", string(provider)),
		attribute.String("imageflow.model", model),
	)

	start := time.Now()
	out, err := fn(ctx)
	if err != nil {
		err = transportError(ctx, provider, err)
	}
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = string(types.GetErrorCode(err))
		d.Logger.Warn("provider call failed",
			zap.String("provider", string(provider)),
			zap.String("operation", operation),
			zap.String("model", model),
			zap.String("kind", outcome),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
	} else {
		d.Logger.Debug("provider call completed",
			zap.String("provider", string(provider)),
			zap.String("operation", operation),
			zap.String("model", model),
			zap.Int("bytes", len(out.Data)),
			zap.Duration("duration", elapsed),
		)
	}
	d.Metrics.RecordProviderRequest(string(provider), operation, outcome, elapsed)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}
