package permission

import (
	"context"
	"time"

	cachelib "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"
)

// Cache holds resolved grants per user id.
type Cache interface {
	Get(ctx context.Context, userID string) (*Grants, bool)
	Set(ctx context.Context, userID string, g *Grants)
	Invalidate(ctx context.Context, userID string)
	Clear(ctx context.Context)
}

// MemoryCache is a process-wide cache backed by go-cache through gocache.
type MemoryCache struct {
	cache cachelib.SetterCacheInterface[*Grants]
	ttl   time.Duration
}

func NewMemoryCache(ttl, cleanupInterval time.Duration) *MemoryCache {
	client := gocache.New(ttl, cleanupInterval)
	return &MemoryCache{
		cache: cachelib.New[*Grants](gocache_store.NewGoCache(client, store.WithExpiration(ttl))),
		ttl:   ttl,
	}
}

func (c *MemoryCache) Get(ctx context.Context, userID string) (*Grants, bool) {
	g, err := c.cache.Get(ctx, userID)
	if err != nil || g == nil {
		return nil, false
	}
	return g, true
}

func (c *MemoryCache) Set(ctx context.Context, userID string, g *Grants) {
	_ = c.cache.Set(ctx, userID, g, store.WithExpiration(c.ttl))
}

func (c *MemoryCache) Invalidate(ctx context.Context, userID string) {
	_ = c.cache.Delete(ctx, userID)
}

func (c *MemoryCache) Clear(ctx context.Context) {
	_ = c.cache.Clear(ctx)
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*Grants, bool) { return nil, false }
func (NoopCache) Set(context.Context, string, *Grants)        {}
func (NoopCache) Invalidate(context.Context, string)          {}
func (NoopCache) Clear(context.Context)                       {}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = NoopCache{}
)
