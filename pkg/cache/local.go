package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 golang-lru 的有界本地缓存
//
// The LRU sweeps entries after DefaultExpiration; per-key expirations shorter than that are
// enforced on read, longer ones are capped at DefaultExpiration.
type localCache struct {
	lru *expirable.LRU[string, localItem]
	mu  sync.Mutex
}

type localItem struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 10000
	}
	return &localCache{
		lru: expirable.NewLRU[string, localItem](size, nil, config.DefaultExpiration),
	}
}

func (lc *localCache) load(key string) (localItem, bool) {
	item, ok := lc.lru.Get(key)
	if !ok {
		return localItem{}, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		lc.lru.Remove(key)
		return localItem{}, false
	}
	return item, true
}

func (lc *localCache) Get(ctx context.Context, key string) (interface{}, bool) {
	item, ok := lc.load(key)
	return item.value, ok
}

func (lc *localCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	item := localItem{value: value}
	if expiration > 0 {
		item.expiresAt = time.Now().Add(expiration)
	}
	lc.lru.Add(key, item)
	return nil
}

func (lc *localCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, ok := lc.load(key); ok {
		return false, nil
	}
	return true, lc.Set(ctx, key, value, expiration)
}

func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.load(key)
	return ok
}

func (lc *localCache) Take(ctx context.Context, key string) (interface{}, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	item, ok := lc.load(key)
	if !ok {
		return nil, false
	}
	lc.lru.Remove(key)
	return item.value, true
}

func (lc *localCache) GetWithTTL(ctx context.Context, key string) (interface{}, time.Duration, bool) {
	item, ok := lc.load(key)
	if !ok {
		return nil, 0, false
	}
	var ttl time.Duration
	if !item.expiresAt.IsZero() {
		ttl = time.Until(item.expiresAt)
	}
	return item.value, ttl, true
}

func (lc *localCache) Len(ctx context.Context) int {
	return lc.lru.Len()
}

func (lc *localCache) Close() error {
	lc.lru.Purge()
	return nil
}
