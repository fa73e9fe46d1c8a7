package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/tidwall/gjson"
)

// OpenAIAdapter implements image generation and edits using the OpenAI Images API.
type OpenAIAdapter struct {
	cfg  AdapterConfig
	deps Deps
}

// NewOpenAIAdapter creates a new OpenAI image adapter.
func NewOpenAIAdapter(cfg AdapterConfig, deps Deps) *OpenAIAdapter {
	cfg = cfg.withDefaults(DefaultOpenAIConfig())
	return &OpenAIAdapter{cfg: cfg, deps: deps.withDefaults(cfg.Timeout)}
}

func (a *OpenAIAdapter) Name() Provider { return ProviderOpenAI }

type openAIGenerateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type openAIImageResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// Generate creates an image from text. Requests with references go to the edits endpoint.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Binary, error) {
	if err := ValidateGenerate(a.deps.Catalog, ProviderOpenAI, req); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderOpenAI)
	if err != nil {
		return nil, err
	}
	size := openAISize(req.Model, req.Width, req.Height, req.AspectRatio)

	return invoke(ctx, a.deps, ProviderOpenAI, "generate", req.Model, a.cfg.Timeout, func(ctx context.Context) (*Binary, error) {
		if len(req.References) > 0 {
			images := make([]namedImage, 0, len(req.References))
			for i, ref := range req.References {
				images = append(images, namedImage{name: refName(ref.Filename, i), mime: ref.MimeType, data: ref.Data})
			}
			return a.postEdit(ctx, key, req.Model, req.Prompt, size, images)
		}

		body := openAIGenerateRequest{
			Model:  req.Model,
			Prompt: req.Prompt,
			N:      1,
			Size:   size,
		}
		// gpt-image models always return b64_json and reject the parameter
		if !isGPTImage(req.Model) {
			body.ResponseFormat = "b64_json"
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("/v1/images/generations"), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return a.send(ctx, key, httpReq)
	})
}

// Edit modifies the source image, optionally guided by references.
// Endpoint: POST /v1/images/edits (multipart)
func (a *OpenAIAdapter) Edit(ctx context.Context, req *EditRequest, source []byte) (*Binary, error) {
	if err := ValidateEdit(a.deps.Catalog, ProviderOpenAI, req, source); err != nil {
		return nil, err
	}
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderOpenAI)
	if err != nil {
		return nil, err
	}
	size := openAISize(req.Model, 0, 0, req.AspectRatio)

	return invoke(ctx, a.deps, ProviderOpenAI, "edit", req.Model, a.cfg.Timeout, func(ctx context.Context) (*Binary, error) {
		images := make([]namedImage, 0, len(req.References)+1)
		images = append(images, namedImage{name: "source.png", mime: sniffMime(source), data: source})
		for i, ref := range req.References {
			images = append(images, namedImage{name: refName(ref.Filename, i), mime: ref.MimeType, data: ref.Data})
		}
		return a.postEdit(ctx, key, req.Model, req.Prompt, size, images)
	})
}

type namedImage struct {
	name string
	mime string
	data []byte
}

func (a *OpenAIAdapter) postEdit(ctx context.Context, key, model, prompt, size string, images []namedImage) (*Binary, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	field := "image"
	if len(images) > 1 {
		field = "image[]"
	}
	for _, img := range images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, img.name))
		h.Set("Content-Type", img.mime)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(img.data); err != nil {
			return nil, err
		}
	}
	_ = w.WriteField("model", model)
	_ = w.WriteField("prompt", prompt)
	_ = w.WriteField("n", "1")
	if size != "" {
		_ = w.WriteField("size", size)
	}
	if !isGPTImage(model) {
		_ = w.WriteField("response_format", "b64_json")
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("/v1/images/edits"), &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return a.send(ctx, key, httpReq)
}

func (a *OpenAIAdapter) send(ctx context.Context, key string, httpReq *http.Request) (*Binary, error) {
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.deps.Transport.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, ProviderOpenAI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError(ProviderOpenAI, resp, a.deps.Logger)
	}

	var out openAIImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(ProviderOpenAI, "response is not valid JSON").WithCause(err)
	}
	if len(out.Data) == 0 {
		return nil, malformed(ProviderOpenAI, "response contains no image")
	}

	first := out.Data[0]
	switch {
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil || len(data) == 0 {
			return nil, malformed(ProviderOpenAI, "b64_json payload is not valid base64")
		}
		return &Binary{Data: data, MimeType: sniffMime(data)}, nil
	case first.URL != "":
		data, _, err := download(ctx, a.deps, ProviderOpenAI, first.URL)
		if err != nil {
			return nil, err
		}
		return &Binary{Data: data, MimeType: sniffMime(data)}, nil
	}
	return nil, malformed(ProviderOpenAI, "response contains no image")
}

// ListModels queries /v1/models and keeps image models.
func (a *OpenAIAdapter) ListModels(ctx context.Context, _ Purpose) ([]string, error) {
	key, err := resolveCredential(ctx, a.deps.Credentials, ProviderOpenAI)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	resp, err := a.deps.Transport.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, ProviderOpenAI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusError(ProviderOpenAI, resp, a.deps.Logger)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, transportError(ctx, ProviderOpenAI, err)
	}
	var ids []string
	gjson.GetBytes(buf.Bytes(), "data.#.id").ForEach(func(_, v gjson.Result) bool {
		id := v.String()
		if strings.HasPrefix(id, "dall-e") || strings.HasPrefix(id, "gpt-image") {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

func (a *OpenAIAdapter) url(path string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + path
}

func isGPTImage(model string) bool {
	return strings.HasPrefix(model, "gpt-image")
}

// openAISize maps the requested size to one the model accepts.
// Exact matches pass through; otherwise the nearest size with the same orientation wins.
func openAISize(model string, width, height int, aspect string) string {
	var square, landscape, portrait string
	var exact []string
	switch {
	case isGPTImage(model):
		square, landscape, portrait = "1024x1024", "1536x1024", "1024x1536"
	case model == "dall-e-3":
		square, landscape, portrait = "1024x1024", "1792x1024", "1024x1792"
	case model == "dall-e-2":
		exact = []string{"256x256", "512x512"}
		square, landscape, portrait = "1024x1024", "1024x1024", "1024x1024"
	default:
		return ""
	}
	exact = append(exact, square, landscape, portrait)

	if width > 0 && height > 0 {
		want := fmt.Sprintf("%dx%d", width, height)
		for _, s := range exact {
			if s == want {
				return s
			}
		}
	} else if w, h, ok := ParseAspectRatio(aspect); ok {
		width, height = w, h
	} else {
		return square
	}
	switch {
	case width > height:
		return landscape
	case height > width:
		return portrait
	}
	return square
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"", "\r", "", "\n", "")

func refName(filename string, i int) string {
	if filename != "" {
		return quoteEscaper.Replace(filename)
	}
	return fmt.Sprintf("reference-%d.png", i+1)
}
