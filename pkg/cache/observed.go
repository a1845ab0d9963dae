package cache

import (
	"context"
	"time"
)

// LookupObserver 命中率上报，metrics.Metrics 实现了它
type LookupObserver interface {
	RecordCacheLookup(operation string, hit bool)
}

type observedCache struct {
	Cache
	obs LookupObserver
}

// WithObserver reports every read on c to obs. A nil obs returns c unchanged.
func WithObserver(c Cache, obs LookupObserver) Cache {
	if obs == nil {
		return c
	}
	return &observedCache{Cache: c, obs: obs}
}

func (o *observedCache) Get(ctx context.Context, key string) (interface{}, bool) {
	v, ok := o.Cache.Get(ctx, key)
	o.obs.RecordCacheLookup("get", ok)
	return v, ok
}

func (o *observedCache) Take(ctx context.Context, key string) (interface{}, bool) {
	v, ok := o.Cache.Take(ctx, key)
	o.obs.RecordCacheLookup("take", ok)
	return v, ok
}

func (o *observedCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := o.Cache.SetNX(ctx, key, value, expiration)
	if err == nil {
		// a lost SetNX means the key was already there
		o.obs.RecordCacheLookup("setnx", !ok)
	}
	return ok, err
}
