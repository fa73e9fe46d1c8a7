package catalog

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/imageflow/llm/image"
)

func TestCatalog_Builtin(t *testing.T) {
	c := NewCatalog()

	assert.Equal(t, []string{"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
		c.Models(image.PurposeGenerate, image.ProviderGemini))
	assert.True(t, c.Supports(image.PurposeGenerate, image.ProviderOpenAI, "dall-e-3"))
	assert.False(t, c.Supports(image.PurposeEdit, image.ProviderOpenAI, "dall-e-3"))
	assert.False(t, c.Supports(image.PurposeGenerate, image.ProviderOpenAI, ""))
	assert.Equal(t, "flux-kontext-pro", c.DefaultModel(image.PurposeEdit, image.ProviderFlux))

	assert.True(t, c.MultiReference(image.ProviderFlux, "flux-2-pro"))
	assert.False(t, c.MultiReference(image.ProviderFlux, "flux-kontext-pro"))
	assert.False(t, c.MultiReference(image.ProviderFlux, "made-up"))
	assert.True(t, c.CustomResolution(image.ProviderGemini, "gemini-3-pro-image-preview"))
	assert.False(t, c.CustomResolution(image.ProviderOpenAI, "gpt-image-1"))
}

func TestCatalog_ModelsReturnsCopy(t *testing.T) {
	c := NewCatalog()
	ids := c.Models(image.PurposeGenerate, image.ProviderOpenAI)
	ids[0] = "tampered"
	assert.Equal(t, "gpt-image-1", c.Models(image.PurposeGenerate, image.ProviderOpenAI)[0])
}

func TestCatalog_RegisterLeavesOriginalUntouched(t *testing.T) {
	base := NewCatalog()
	ext := base.Register(Extension{
		Models: map[image.Purpose]map[image.Provider][]string{
			image.PurposeGenerate: {image.ProviderFlux: {"flux-2-max", "flux-2-pro"}},
		},
		MultiReference: map[image.Provider][]string{image.ProviderFlux: {"flux-2-max"}},
		Filter: func(purpose image.Purpose, provider image.Provider, models []string) []string {
			if provider == image.ProviderOpenAI {
				return slices.DeleteFunc(models, func(m string) bool { return m == "dall-e-3" })
			}
			return models
		},
	})

	assert.True(t, ext.Supports(image.PurposeGenerate, image.ProviderFlux, "flux-2-max"))
	assert.True(t, ext.MultiReference(image.ProviderFlux, "flux-2-max"))
	assert.False(t, ext.Supports(image.PurposeGenerate, image.ProviderOpenAI, "dall-e-3"))
	assert.Len(t, ext.Models(image.PurposeGenerate, image.ProviderFlux), 5)

	assert.False(t, base.Supports(image.PurposeGenerate, image.ProviderFlux, "flux-2-max"))
	assert.True(t, base.Supports(image.PurposeGenerate, image.ProviderOpenAI, "dall-e-3"))
}

func TestModelCache_HitMissAndInvalidate(t *testing.T) {
	cache := NewModelCache(8, time.Hour, nil)
	var loads atomic.Int32
	loader := func(context.Context) ([]string, error) {
		loads.Add(1)
		return []string{"a", "b"}, nil
	}

	for _, p := range []image.Provider{image.ProviderOpenAI, image.ProviderGemini} {
		ids, err := cache.Get(t.Context(), p, image.PurposeGenerate, loader)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
	}
	_, err := cache.Get(t.Context(), image.ProviderOpenAI, image.PurposeGenerate, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())

	assert.Equal(t, 1, cache.Invalidate(image.ProviderOpenAI))
	assert.Equal(t, 1, cache.Len(), "other providers stay cached")

	_, err = cache.Get(t.Context(), image.ProviderOpenAI, image.PurposeGenerate, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(3), loads.Load())
}

func TestModelCache_ErrorsAreNotCached(t *testing.T) {
	cache := NewModelCache(8, time.Hour, nil)
	boom := errors.New("boom")
	_, err := cache.Get(t.Context(), image.ProviderOpenAI, image.PurposeGenerate, func(context.Context) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())
}

func TestModelCache_Expires(t *testing.T) {
	cache := NewModelCache(8, 20*time.Millisecond, nil)
	var loads atomic.Int32
	loader := func(context.Context) ([]string, error) {
		loads.Add(1)
		return []string{"x"}, nil
	}
	_, _ = cache.Get(t.Context(), image.ProviderFlux, image.PurposeEdit, loader)
	time.Sleep(60 * time.Millisecond)
	_, _ = cache.Get(t.Context(), image.ProviderFlux, image.PurposeEdit, loader)
	assert.Equal(t, int32(2), loads.Load())
}

func TestModelCache_CollapsesConcurrentLoads(t *testing.T) {
	cache := NewModelCache(8, time.Hour, nil)
	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) ([]string, error) {
		loads.Add(1)
		<-release
		return []string{"m"}, nil
	}

	var wg sync.WaitGroup
	var started sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			ids, err := cache.Get(context.Background(), image.ProviderGemini, image.PurposeGenerate, loader)
			assert.NoError(t, err)
			assert.Equal(t, []string{"m"}, ids)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, loads.Load(), int32(2))
}

func TestModelCache_LoadSurvivesCallerCancel(t *testing.T) {
	cache := NewModelCache(8, time.Hour, nil).WithLoadTimeout(time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []string{"gpt-image-1"}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(first, image.ProviderOpenAI, image.PurposeGenerate, loader)
		firstErr <- err
	}()
	<-started

	second := make(chan []string, 1)
	go func() {
		ids, err := cache.Get(context.Background(), image.ProviderOpenAI, image.PurposeGenerate, loader)
		assert.NoError(t, err)
		second <- ids
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	assert.Equal(t, []string{"gpt-image-1"}, <-second)
	assert.Equal(t, 1, cache.Len())
}

func TestModelCache_LoadTimeoutBoundsSharedLoad(t *testing.T) {
	cache := NewModelCache(8, time.Hour, nil).WithLoadTimeout(20 * time.Millisecond)
	loader := func(ctx context.Context) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := cache.Get(context.Background(), image.ProviderGemini, image.PurposeEdit, loader)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cache.Len())
}

func TestSetDefault_OnlyBeforeFirstUse(t *testing.T) {
	defaultMu.Lock()
	prevCatalog, prevFrozen := defaultCatalog, defaultFrozen
	defaultCatalog, defaultFrozen = NewCatalog(), false
	defaultMu.Unlock()
	t.Cleanup(func() {
		defaultMu.Lock()
		defaultCatalog, defaultFrozen = prevCatalog, prevFrozen
		defaultMu.Unlock()
	})

	custom := NewCatalog(WithExtension(Extension{
		Models: map[image.Purpose]map[image.Provider][]string{
			image.PurposeGenerate: {image.ProviderFlux: {"flux-2-max"}},
		},
	}))
	assert.False(t, SetDefault(nil))
	assert.True(t, SetDefault(custom))
	assert.Same(t, custom, Default())
	assert.True(t, Default().Supports(image.PurposeGenerate, image.ProviderFlux, "flux-2-max"))

	assert.False(t, SetDefault(NewCatalog()), "replacement after first use must be refused")
	assert.Same(t, custom, Default())
}

func TestSetDefault_RefusedAfterDefault(t *testing.T) {
	defaultMu.Lock()
	prevCatalog, prevFrozen := defaultCatalog, defaultFrozen
	defaultCatalog, defaultFrozen = NewCatalog(), false
	defaultMu.Unlock()
	t.Cleanup(func() {
		defaultMu.Lock()
		defaultCatalog, defaultFrozen = prevCatalog, prevFrozen
		defaultMu.Unlock()
	})

	first := Default()
	assert.False(t, SetDefault(NewCatalog()))
	assert.Same(t, first, Default())
}
