package image

import (
	"strconv"
	"strings"

	"github.com/BaSui01/imageflow/types"
)

var resolutionTokens = map[string]bool{"1K": true, "2K": true, "4K": true}

// requestShape holds the fields generate and edit validate in common.
type requestShape struct {
	prompt      string
	model       string
	width       int
	height      int
	aspectRatio string
	resolution  string
	references  []Reference
}

// ValidateGenerate checks a generate request before any network call.
func ValidateGenerate(caps Capabilities, provider Provider, req *GenerateRequest) error {
	if req == nil {
		return types.NewError(types.ErrInvalidInput, "request is required")
	}
	if err := validateShape(caps, PurposeGenerate, provider, requestShape{
		prompt:      req.Prompt,
		model:       req.Model,
		width:       req.Width,
		height:      req.Height,
		aspectRatio: req.AspectRatio,
		resolution:  req.Resolution,
		references:  req.References,
	}, len(req.References)); err != nil {
		return err
	}
	// Generating from references requires a model that accepts image input.
	if len(req.References) > 0 && !caps.Supports(PurposeEdit, provider, req.Model) {
		return types.Errorf(types.ErrInvalidInput, "model %q does not accept reference images", req.Model)
	}
	return nil
}

// ValidateEdit checks an edit request. The source image counts as the first input.
func ValidateEdit(caps Capabilities, provider Provider, req *EditRequest, source []byte) error {
	if req == nil {
		return types.NewError(types.ErrInvalidInput, "request is required")
	}
	if len(source) == 0 {
		return types.NewError(types.ErrInvalidInput, "source image is empty")
	}
	return validateShape(caps, PurposeEdit, provider, requestShape{
		prompt:      req.Prompt,
		model:       req.Model,
		aspectRatio: req.AspectRatio,
		resolution:  req.Resolution,
		references:  req.References,
	}, len(req.References)+1)
}

func validateShape(caps Capabilities, purpose Purpose, provider Provider, s requestShape, images int) error {
	if strings.TrimSpace(s.prompt) == "" {
		return types.NewError(types.ErrInvalidInput, "prompt is required")
	}
	if caps == nil || !caps.Supports(purpose, provider, s.model) {
		return types.Errorf(types.ErrInvalidInput, "model %q is not available for %s on %s", s.model, purpose, provider)
	}
	if len(s.references) > MaxReferences {
		return types.Errorf(types.ErrInvalidInput, "at most %d reference images are allowed, got %d", MaxReferences, len(s.references))
	}
	for i, ref := range s.references {
		if len(ref.Data) == 0 || ref.Width <= 0 || ref.Height <= 0 {
			return types.Errorf(types.ErrInvalidInput, "reference %d is not a decodable image", i+1)
		}
	}
	if images > 1 && !caps.MultiReference(provider, s.model) {
		return types.Errorf(types.ErrInvalidInput, "model %q accepts a single input image, got %d", s.model, images)
	}
	if s.width < 0 || s.height < 0 {
		return types.NewError(types.ErrInvalidInput, "width and height must be positive")
	}
	if s.aspectRatio != "" {
		if _, _, ok := ParseAspectRatio(s.aspectRatio); !ok {
			return types.Errorf(types.ErrInvalidInput, "invalid aspect ratio %q", s.aspectRatio)
		}
	}
	if s.resolution != "" {
		if !resolutionTokens[strings.ToUpper(s.resolution)] {
			return types.Errorf(types.ErrInvalidInput, "invalid resolution %q", s.resolution)
		}
		if !caps.CustomResolution(provider, s.model) {
			return types.Errorf(types.ErrInvalidInput, "model %q does not support custom resolution", s.model)
		}
	}
	return nil
}

// ParseAspectRatio parses a "W:H" aspect ratio.
func ParseAspectRatio(s string) (w, h int, ok bool) {
	a, b, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(a)
	h, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
