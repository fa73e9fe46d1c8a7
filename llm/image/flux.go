package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// FluxAdapter implements image generation using Black Forest Labs Flux.
// Tasks are submitted and the result is polled asynchronously.
// API Docs: https://docs.bfl.ai/quick_start/generating_images
type FluxAdapter struct {
	cfg  AdapterConfig
	deps Deps
}

// NewFluxAdapter creates a new Flux image adapter.
func NewFluxAdapter(cfg AdapterConfig, deps Deps) *FluxAdapter {
	cfg = cfg.withDefaults(DefaultFluxConfig())
	return &FluxAdapter{cfg: cfg, deps: deps.withDefaults(cfg.Timeout)}
}

func (a *FluxAdapter) Name() Provider { return ProviderFlux }

type fluxRequest struct {
	Prompt       string `json:"prompt"`
	AspectRatio  string `json:"aspect_ratio,omitempty"` // e.g., "1:1", "16:9", "9:16"
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	InputImage   string `json:"input_image,omitempty"`
	InputImage2  string `json:"input_image_2,omitempty"`
	InputImage3  string `json:"input_image_3,omitempty"`
	InputImage4  string `json:"input_image_4,omitempty"`
	InputImage5  string `json:"input_image_5,omitempty"`
}

// setInputs fills input_image, input_image_2, ... in order.
func (r *fluxRequest) setInputs(images [][]byte) {
	slots := []*string{&r.InputImage, &r.InputImage2, &r.InputImage3, &r.InputImage4, &r.InputImage5}
	for i, img := range images {
		if i >= len(slots) {
			break
		}
		*slots[i] = base64.StdEncoding.EncodeToString(img)
	}
}

type fluxSubmitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url,omitempty"`
}

type fluxResultResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result struct {
		Sample string `json:"sample"` // Signed URL, valid for 10 minutes
	} `json:"result"`
}

const (
	fluxStatusReady = "Ready"
)

// errPending means the task is still queued or running.
var errPending = errors.New("flux task pending")

// Generate submits a generation task and waits for the result.
func (a *FluxAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Binary, error) {
	if err := ValidateGenerate(a.deps.Catalog, ProviderFlux, req); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderFlux)
	if err != nil {
		return nil, err
	}

	body := fluxRequest{Prompt: req.Prompt, OutputFormat: "png"}
	applyFluxSize(&body, a.deps.Catalog.CustomResolution(ProviderFlux, req.Model), req.Width, req.Height, req.AspectRatio, req.Resolution)
	inputs := make([][]byte, 0, len(req.References))
	for _, ref := range req.References {
		inputs = append(inputs, ref.Data)
	}
	body.setInputs(inputs)

	return invoke(ctx, a.deps, ProviderFlux, "generate", req.Model, a.budget(), func(ctx context.Context) (*Binary, error) {
		return a.run(ctx, key, req.Model, body)
	})
}

// Edit submits an edit task with the source image as input_image.
func (a *FluxAdapter) Edit(ctx context.Context, req *EditRequest, source []byte) (*Binary, error) {
	if err := ValidateEdit(a.deps.Catalog, ProviderFlux, req, source); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderFlux)
	if err != nil {
		return nil, err
	}

	body := fluxRequest{Prompt: req.Prompt, OutputFormat: "png"}
	applyFluxSize(&body, a.deps.Catalog.CustomResolution(ProviderFlux, req.Model), 0, 0, req.AspectRatio, req.Resolution)
	inputs := make([][]byte, 0, len(req.References)+1)
	inputs = append(inputs, source)
	for _, ref := range req.References {
		inputs = append(inputs, ref.Data)
	}
	body.setInputs(inputs)

	return invoke(ctx, a.deps, ProviderFlux, "edit", req.Model, a.budget(), func(ctx context.Context) (*Binary, error) {
		return a.run(ctx, key, req.Model, body)
	})
}

// ListModels returns the static catalog. Flux has no listing endpoint.
func (a *FluxAdapter) ListModels(_ context.Context, purpose Purpose) ([]string, error) {
	if a.deps.Catalog == nil {
		return nil, nil
	}
	return a.deps.Catalog.Models(purpose, ProviderFlux), nil
}

// budget is the total time allowed for one call: submit timeout plus the poll window.
func (a *FluxAdapter) budget() time.Duration {
	return a.cfg.Timeout + time.Duration(a.cfg.PollAttempts)*a.cfg.PollInterval
}

func (a *FluxAdapter) run(ctx context.Context, key, model string, body fluxRequest) (*Binary, error) {
	submitted, err := a.submit(ctx, key, model, body)
	if err != nil {
		return nil, err
	}

	pollingURL := submitted.PollingURL
	if pollingURL == "" {
		// legacy endpoint fallback
		pollingURL = fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(a.cfg.BaseURL, "/"), url.QueryEscape(submitted.ID))
	}
	result, err := a.poll(ctx, key, pollingURL)
	if err != nil {
		return nil, err
	}

	data, _, err := download(ctx, a.deps, ProviderFlux, result.Result.Sample)
	if err != nil {
		return nil, err
	}
	return &Binary{Data: data, MimeType: sniffMime(data)}, nil
}

// submit posts the task.
// Endpoint: POST /v1/{model} (e.g., /v1/flux-kontext-pro)
// Auth: x-key header
func (a *FluxAdapter) submit(ctx context.Context, key, model string, body fluxRequest) (*fluxSubmitResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-key", key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("accept", "application/json")

	resp, err := a.deps.Transport.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, ProviderFlux, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError(ProviderFlux, resp, a.deps.Logger)
	}
	var out fluxSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(ProviderFlux, "submit response is not valid JSON").WithCause(err)
	}
	if out.ID == "" && out.PollingURL == "" {
		return nil, malformed(ProviderFlux, "submit response carries no task id")
	}
	return &out, nil
}

// poll checks the polling URL at a fixed interval, at most PollAttempts times.
func (a *FluxAdapter) poll(ctx context.Context, key, pollingURL string) (*fluxResultResponse, error) {
	attempts := 0
	op := func() (*fluxResultResponse, error) {
		attempts++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
		if err != nil {
			return nil, backoff.Permanent(malformed(ProviderFlux, "invalid polling url").WithCause(err))
		}
		httpReq.Header.Set("x-key", key)
		httpReq.Header.Set("accept", "application/json")

		resp, err := a.deps.Transport.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(transportError(ctx, ProviderFlux, err))
			}
			// a failed poll does not end the task
			return nil, errPending
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, errPending
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(statusError(ProviderFlux, resp, a.deps.Logger))
		}

		var out fluxResultResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, backoff.Permanent(malformed(ProviderFlux, "poll response is not valid JSON").WithCause(err))
		}
		switch {
		case out.Status == fluxStatusReady:
			if out.Result.Sample == "" {
				return nil, backoff.Permanent(malformed(ProviderFlux, "ready task has no result sample"))
			}
			return &out, nil
		case isFluxFailure(out.Status):
			return nil, backoff.Permanent(types.Errorf(types.ErrProviderError, "flux task ended with status %q", out.Status).
				WithProvider(string(ProviderFlux)))
		}
		return nil, errPending
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(a.cfg.PollInterval)),
		backoff.WithMaxTries(uint(a.cfg.PollAttempts)),
		backoff.WithMaxElapsedTime(a.budget()),
	)
	a.deps.Metrics.RecordPollAttempts(string(ProviderFlux), attempts)
	if err != nil {
		if errors.Is(err, errPending) {
			a.deps.Logger.Warn("flux task did not finish within poll bounds",
				zap.Int("attempts", attempts),
				zap.Duration("interval", a.cfg.PollInterval))
			return nil, types.Errorf(types.ErrProviderTimeout, "flux task not ready after %d polls", attempts).
				WithRetryable(true).
				WithProvider(string(ProviderFlux))
		}
		return nil, transportError(ctx, ProviderFlux, err)
	}
	return result, nil
}

func isFluxFailure(status string) bool {
	switch status {
	case "Error", "Failed", "Content Moderated", "Request Moderated", "Task not found":
		return true
	}
	return false
}

// applyFluxSize sets the size fields. Only custom-resolution models accept pixel width and height.
func applyFluxSize(body *fluxRequest, custom bool, width, height int, aspect, resolution string) {
	switch {
	case custom && width > 0 && height > 0:
		body.Width, body.Height = roundTo16(width), roundTo16(height)
	case custom && resolution != "":
		body.Width, body.Height = ResolutionDimensions(resolution, aspect)
	case aspect != "":
		body.AspectRatio = aspect
	case width > 0 && height > 0:
		body.AspectRatio = nearestAspect(width, height)
	}
}

func roundTo16(v int) int {
	r := (v + 8) / 16 * 16
	if r < 16 {
		return 16
	}
	return r
}

// ResolutionDimensions converts a 1K/2K/4K tier and an aspect ratio into pixels.
// The long edge equals the tier.
func ResolutionDimensions(token, aspect string) (int, int) {
	long := 1024
	switch strings.ToUpper(token) {
	case "2K":
		long = 2048
	case "4K":
		long = 4096
	}
	w, h, ok := ParseAspectRatio(aspect)
	if !ok || w == h {
		return long, long
	}
	if w > h {
		return long, roundTo16(long * h / w)
	}
	return roundTo16(long * w / h), long
}

// nearestAspect picks the closest aspect ratio Flux accepts.
func nearestAspect(width, height int) string {
	candidates := []struct {
		token string
		ratio float64
	}{
		{"1:1", 1}, {"4:3", 4.0 / 3}, {"3:4", 3.0 / 4}, {"16:9", 16.0 / 9}, {"9:16", 9.0 / 16}, {"3:2", 1.5}, {"2:3", 2.0 / 3},
	}
	want := float64(width) / float64(height)
	best, bestDiff := "1:1", -1.0
	for _, c := range candidates {
		d := c.ratio - want
		if d < 0 {
			d = -d
		}
		if bestDiff < 0 || d < bestDiff {
			best, bestDiff = c.token, d
		}
	}
	return best
}
