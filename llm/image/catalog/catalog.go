package catalog

import (
	"slices"
	"sync"

	"github.com/BaSui01/imageflow/llm/image"
)

// =============================================================================
// Static model catalog
// =============================================================================

// builtinModels maps purpose and provider to an ordered model list. The first entry is the default.
var builtinModels = map[image.Purpose]map[image.Provider][]string{
	image.PurposeGenerate: {
		image.ProviderOpenAI: {"gpt-image-1", "gpt-image-1-mini", "dall-e-3"},
		image.ProviderGemini: {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
		image.ProviderFlux:   {"flux-2-pro", "flux-kontext-pro", "flux-kontext-max", "flux-pro-1.1"},
	},
	image.PurposeEdit: {
		image.ProviderOpenAI: {"gpt-image-1", "gpt-image-1-mini", "dall-e-2"},
		image.ProviderGemini: {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
		image.ProviderFlux:   {"flux-kontext-pro", "flux-kontext-max", "flux-2-pro"},
	},
}

// builtinMultiReference lists models that accept several input images at once.
var builtinMultiReference = map[image.Provider][]string{
	image.ProviderOpenAI: {"gpt-image-1", "gpt-image-1-mini"},
	image.ProviderGemini: {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
	image.ProviderFlux:   {"flux-2-pro"},
}

// builtinCustomResolution lists models that accept 1K/2K/4K or pixel sizes.
var builtinCustomResolution = map[image.Provider][]string{
	image.ProviderGemini: {"gemini-3-pro-image-preview"},
	image.ProviderFlux:   {"flux-2-pro", "flux-pro-1.1"},
}

// Extension adds or filters models on top of the built-in tables.
type Extension struct {
	// Models are appended to the matching list; duplicates are ignored.
	Models           map[image.Purpose]map[image.Provider][]string
	MultiReference   map[image.Provider][]string
	CustomResolution map[image.Provider][]string

	// Filter runs once per list after appending and may reorder or drop entries.
	Filter func(purpose image.Purpose, provider image.Provider, models []string) []string
}

// Catalog is an immutable model catalog, safe for concurrent reads.
type Catalog struct {
	models map[image.Purpose]map[image.Provider][]string
	multi  map[image.Provider]map[string]bool
	custom map[image.Provider]map[string]bool
}

// Option customizes NewCatalog.
type Option func(*Catalog)

// WithExtension applies an extension at construction.
func WithExtension(ext Extension) Option {
	return func(c *Catalog) { c.apply(ext) }
}

// NewCatalog builds a catalog from the built-in tables.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		models: make(map[image.Purpose]map[image.Provider][]string, len(builtinModels)),
		multi:  toSet(builtinMultiReference),
		custom: toSet(builtinCustomResolution),
	}
	for purpose, byProvider := range builtinModels {
		c.models[purpose] = make(map[image.Provider][]string, len(byProvider))
		for provider, ids := range byProvider {
			c.models[purpose][provider] = slices.Clone(ids)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register returns a new catalog with ext applied. The receiver is unchanged.
func (c *Catalog) Register(ext Extension) *Catalog {
	next := c.clone()
	next.apply(ext)
	return next
}

func (c *Catalog) clone() *Catalog {
	next := &Catalog{
		models: make(map[image.Purpose]map[image.Provider][]string, len(c.models)),
		multi:  make(map[image.Provider]map[string]bool, len(c.multi)),
		custom: make(map[image.Provider]map[string]bool, len(c.custom)),
	}
	for purpose, byProvider := range c.models {
		next.models[purpose] = make(map[image.Provider][]string, len(byProvider))
		for provider, ids := range byProvider {
			next.models[purpose][provider] = slices.Clone(ids)
		}
	}
	for p, set := range c.multi {
		next.multi[p] = cloneSet(set)
	}
	for p, set := range c.custom {
		next.custom[p] = cloneSet(set)
	}
	return next
}

func (c *Catalog) apply(ext Extension) {
	for purpose, byProvider := range ext.Models {
		if c.models[purpose] == nil {
			c.models[purpose] = make(map[image.Provider][]string)
		}
		for provider, ids := range byProvider {
			for _, id := range ids {
				if id != "" && !slices.Contains(c.models[purpose][provider], id) {
					c.models[purpose][provider] = append(c.models[purpose][provider], id)
				}
			}
		}
	}
	mergeSet(c.multi, ext.MultiReference)
	mergeSet(c.custom, ext.CustomResolution)
	if ext.Filter != nil {
		for purpose, byProvider := range c.models {
			for provider, ids := range byProvider {
				byProvider[provider] = slices.Clone(ext.Filter(purpose, provider, slices.Clone(ids)))
			}
		}
	}
}

// Models returns a copy of the ordered model list.
func (c *Catalog) Models(purpose image.Purpose, provider image.Provider) []string {
	return slices.Clone(c.models[purpose][provider])
}

// DefaultModel returns the first listed model, or "" when there is none.
func (c *Catalog) DefaultModel(purpose image.Purpose, provider image.Provider) string {
	if ids := c.models[purpose][provider]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Supports reports whether model is listed for purpose and provider.
func (c *Catalog) Supports(purpose image.Purpose, provider image.Provider, model string) bool {
	return model != "" && slices.Contains(c.models[purpose][provider], model)
}

// MultiReference is false for unlisted models.
func (c *Catalog) MultiReference(provider image.Provider, model string) bool {
	return c.multi[provider][model]
}

// CustomResolution is false for unlisted models.
func (c *Catalog) CustomResolution(provider image.Provider, model string) bool {
	return c.custom[provider][model]
}

var _ image.Capabilities = (*Catalog)(nil)

// =============================================================================
// Process-wide default catalog
// =============================================================================

var (
	defaultMu      sync.Mutex
	defaultCatalog = NewCatalog()
	defaultFrozen  bool
)

// Default returns the process-wide catalog. It cannot be replaced after the first call.
func Default() *Catalog {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFrozen = true
	return defaultCatalog
}

// SetDefault replaces the process-wide catalog before first use and returns false afterwards.
func SetDefault(c *Catalog) bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultFrozen || c == nil {
		return false
	}
	defaultCatalog = c
	defaultFrozen = true
	return true
}

func toSet(in map[image.Provider][]string) map[image.Provider]map[string]bool {
	out := make(map[image.Provider]map[string]bool, len(in))
	mergeSet(out, in)
	return out
}

func mergeSet(dst map[image.Provider]map[string]bool, src map[image.Provider][]string) {
	for p, ids := range src {
		if dst[p] == nil {
			dst[p] = make(map[string]bool, len(ids))
		}
		for _, id := range ids {
			dst[p][id] = true
		}
	}
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
