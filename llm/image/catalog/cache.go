package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/llm/image"
)

const (
	cacheType = "models"

	// DefaultLoadTimeout bounds a shared load. It matches the adapter default timeout.
	DefaultLoadTimeout = 60 * time.Second
)

// Loader fetches the live model listing of one provider.
type Loader func(ctx context.Context) ([]string, error)

// ModelCache caches live model listings per provider.
// Concurrent loads of one key run Loader once; racing refreshes are last-write-wins.
// A shared load ignores caller cancellation and is bounded by loadTimeout only.
type ModelCache struct {
	lru         *expirable.LRU[string, []string]
	group       singleflight.Group
	metrics     *metrics.Collector
	loadTimeout time.Duration
}

// NewModelCache creates a cache holding at most size entries, each valid for ttl.
func NewModelCache(size int, ttl time.Duration, collector *metrics.Collector) *ModelCache {
	if size <= 0 {
		size = 16
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ModelCache{
		lru:         expirable.NewLRU[string, []string](size, nil, ttl),
		metrics:     collector,
		loadTimeout: DefaultLoadTimeout,
	}
}

// WithLoadTimeout sets the shared load bound and returns c.
func (c *ModelCache) WithLoadTimeout(d time.Duration) *ModelCache {
	if d > 0 {
		c.loadTimeout = d
	}
	return c
}

func cacheKey(provider image.Provider, purpose image.Purpose) string {
	return string(provider) + ":" + string(purpose)
}

// Get returns the cached listing, calling loader on a miss. Failed loads are not cached.
func (c *ModelCache) Get(ctx context.Context, provider image.Provider, purpose image.Purpose, loader Loader) ([]string, error) {
	key := cacheKey(provider, purpose)
	if ids, ok := c.lru.Get(key); ok {
		c.metrics.RecordCacheHit(cacheType)
		return slices.Clone(ids), nil
	}
	c.metrics.RecordCacheMiss(cacheType)

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		ids, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		ids = slices.Clone(ids)
		c.lru.Add(key, ids)
		return ids, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]string)), nil
	}
}

// Invalidate drops every entry of one provider and leaves the others alone.
func (c *ModelCache) Invalidate(provider image.Provider) int {
	prefix := string(provider) + ":"
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of entries.
func (c *ModelCache) Len() int {
	return c.lru.Len()
}
