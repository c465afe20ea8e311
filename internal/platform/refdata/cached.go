package refdata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// CachedResolver memoizes successful lookups for ttl. Misses and errors are
// never cached so a newly registered patient resolves immediately.
type CachedResolver struct {
	inner Resolver
	cache *cache.Cache
}

func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func cached[T any](c *cache.Cache, key string, load func() (*T, error)) (*T, error) {
	if v, ok := c.Get(key); ok {
		return v.(*T), nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.SetDefault(key, v)
	return v, nil
}

func (r *CachedResolver) ResolvePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return cached(r.cache, "patient:"+id.String(), func() (*Patient, error) {
		return r.inner.ResolvePatient(ctx, id)
	})
}

func (r *CachedResolver) ResolveDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return cached(r.cache, "doctor:"+id.String(), func() (*Doctor, error) {
		return r.inner.ResolveDoctor(ctx, id)
	})
}

func (r *CachedResolver) ResolveDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return cached(r.cache, "department:"+id.String(), func() (*Department, error) {
		return r.inner.ResolveDepartment(ctx, id)
	})
}

func (r *CachedResolver) ResolveLocation(ctx context.Context, id uuid.UUID) (*Location, error) {
	return cached(r.cache, "location:"+id.String(), func() (*Location, error) {
		return r.inner.ResolveLocation(ctx, id)
	})
}

// Flush drops every cached entry.
func (r *CachedResolver) Flush() {
	r.cache.Flush()
}
