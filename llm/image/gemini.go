package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/BaSui01/imageflow/types"
)

// GeminiModels is the subset of genai.Models the adapter uses.
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	List(ctx context.Context, config *genai.ListModelsConfig) (genai.Page[genai.Model], error)
}

// GeminiClientFactory builds GeminiModels for an API key.
type GeminiClientFactory func(ctx context.Context, apiKey string) (GeminiModels, error)

// GeminiAdapter implements image generation and edits using Gemini native multimodal output.
type GeminiAdapter struct {
	cfg     AdapterConfig
	deps    Deps
	factory GeminiClientFactory

	mu        sync.Mutex
	clientKey string
	client    GeminiModels
}

// GeminiOption customizes a GeminiAdapter.
type GeminiOption func(*GeminiAdapter)

// WithGeminiClientFactory replaces how genai clients are built.
func WithGeminiClientFactory(f GeminiClientFactory) GeminiOption {
	return func(a *GeminiAdapter) { a.factory = f }
}

// NewGeminiAdapter creates a new Gemini image adapter.
func NewGeminiAdapter(cfg AdapterConfig, deps Deps, opts ...GeminiOption) *GeminiAdapter {
	cfg = cfg.withDefaults(DefaultGeminiConfig())
	a := &GeminiAdapter{cfg: cfg, deps: deps.withDefaults(cfg.Timeout)}
	a.factory = a.sdkFactory
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *GeminiAdapter) Name() Provider { return ProviderGemini }

// roundTripper lets a Transport back an http.Client.
type roundTripper struct{ t Transport }

func (r roundTripper) RoundTrip(req *http.Request) (*http.Response, error) { return r.t.Do(req) }

func (a *GeminiAdapter) sdkFactory(ctx context.Context, apiKey string) (GeminiModels, error) {
	hc, ok := a.deps.Transport.(*http.Client)
	if !ok {
		hc = &http.Client{Transport: roundTripper{t: a.deps.Transport}}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  hc,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.cfg.BaseURL},
	})
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// models returns a client for the current credential, rebuilding it when the key changes.
func (a *GeminiAdapter) models(ctx context.Context, key string) (GeminiModels, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil && a.clientKey == key {
		return a.client, nil
	}
	m, err := a.factory(ctx, key)
	if err != nil {
		return nil, types.NewError(types.ErrNotConnected, "gemini client could not be created").
			WithCause(err).
			WithProvider(string(ProviderGemini))
	}
	a.client, a.clientKey = m, key
	return m, nil
}

// Generate creates an image from text and optional references.
func (a *GeminiAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Binary, error) {
	if err := ValidateGenerate(a.deps.Catalog, ProviderGemini, req); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderGemini)
	if err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(req.References)+1)
	for _, ref := range req.References {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: ref.MimeType, Data: ref.Data}})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})

	aspect := req.AspectRatio
	if aspect == "" && req.HasPixelSize() {
		aspect = nearestGeminiAspect(req.Width, req.Height)
	}
	config := a.contentConfig(req.Model, aspect, req.Resolution)

	return invoke(ctx, a.deps, ProviderGemini, "generate", req.Model, a.cfg.Timeout, func(ctx context.Context) (*Binary, error) {
		return a.generate(ctx, key, req.Model, parts, config)
	})
}

// Edit modifies the source image, sent as the first inline part.
func (a *GeminiAdapter) Edit(ctx context.Context, req *EditRequest, source []byte) (*Binary, error) {
	if err := ValidateEdit(a.deps.Catalog, ProviderGemini, req, source); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderGemini)
	if err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(req.References)+2)
	parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: sniffMime(source), Data: source}})
	for _, ref := range req.References {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: ref.MimeType, Data: ref.Data}})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})
	config := a.contentConfig(req.Model, req.AspectRatio, req.Resolution)

	return invoke(ctx, a.deps, ProviderGemini, "edit", req.Model, a.cfg.Timeout, func(ctx context.Context) (*Binary, error) {
		return a.generate(ctx, key, req.Model, parts, config)
	})
}

func (a *GeminiAdapter) contentConfig(model, aspect, resolution string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	ic := &genai.ImageConfig{AspectRatio: aspect}
	if resolution != "" && a.deps.Catalog.CustomResolution(ProviderGemini, model) {
		ic.ImageSize = strings.ToUpper(resolution)
	}
	if ic.AspectRatio != "" || ic.ImageSize != "" {
		config.ImageConfig = ic
	}
	return config
}

func (a *GeminiAdapter) generate(ctx context.Context, key, model string, parts []*genai.Part, config *genai.GenerateContentConfig) (*Binary, error) {
	m, err := a.models(ctx, key)
	if err != nil {
		return nil, err
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := m.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, geminiError(ctx, err)
	}
	return firstInlineImage(resp)
}

// firstInlineImage returns the first inline image of any candidate.
func firstInlineImage(resp *genai.GenerateContentResponse) (*Binary, error) {
	if resp == nil {
		return nil, malformed(ProviderGemini, "empty response")
	}
	var reasons []string
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					data := part.InlineData.Data
					mime := part.InlineData.MIMEType
					if mime == "" {
						mime = sniffMime(data)
					}
					return &Binary{Data: data, MimeType: mime}, nil
				}
			}
		}
		if cand.FinishReason != "" {
			reasons = append(reasons, string(cand.FinishReason))
		}
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		reasons = append(reasons, "blocked: "+string(resp.PromptFeedback.BlockReason))
	}
	if len(reasons) > 0 {
		return nil, malformed(ProviderGemini, "response contains no image (finish reason %s)", strings.Join(reasons, ", "))
	}
	return nil, malformed(ProviderGemini, "response contains no image")
}

// geminiError maps SDK errors onto the shared status table.
func geminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(ProviderGemini, apiErr.Code, geminiMessage(apiErr))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return mapStatus(ProviderGemini, apiErrPtr.Code, geminiMessage(*apiErrPtr))
	}
	return transportError(ctx, ProviderGemini, err)
}

func geminiMessage(e genai.APIError) string {
	msg := cleanMessage(e.Message)
	if msg == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return msg
}

// ListModels pages through models, keeping image models without the models/ prefix.
func (a *GeminiAdapter) ListModels(ctx context.Context, _ Purpose) ([]string, error) {
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderGemini)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	m, err := a.models(ctx, key)
	if err != nil {
		return nil, err
	}
	var ids []string
	token := ""
	for {
		page, err := m.List(ctx, &genai.ListModelsConfig{PageSize: 100, PageToken: token})
		if err != nil {
			return nil, geminiError(ctx, err)
		}
		for _, model := range page.Items {
			if model == nil {
				continue
			}
			name := strings.TrimPrefix(model.Name, "models/")
			if strings.Contains(name, "image") {
				ids = append(ids, name)
			}
		}
		if page.NextPageToken == "" || page.NextPageToken == token {
			break
		}
		token = page.NextPageToken
	}
	return ids, nil
}

// nearestGeminiAspect picks the closest aspect ratio Gemini accepts.
func nearestGeminiAspect(width, height int) string {
	tokens := []string{"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9", "21:9"}
	want := float64(width) / float64(height)
	best, bestDiff := "1:1", -1.0
	for _, t := range tokens {
		w, h, _ := ParseAspectRatio(t)
		d := float64(w)/float64(h) - want
		if d < 0 {
			d = -d
		}
		if bestDiff < 0 || d < bestDiff {
			best, bestDiff = t, d
		}
	}
	return best
}
