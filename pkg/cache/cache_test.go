package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localBackends() map[string]Cache {
	cfg := LocalConfig{
		MaxSize:           100,
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
	return map[string]Cache{
		"gocache": NewGoCache(cfg),
		"local":   NewLocalCache(cfg),
	}
}

func TestLocalBackends(t *testing.T) {
	ctx := context.Background()

	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.Set(ctx, "token", "7", time.Minute))
			v, ok := c.Get(ctx, "token")
			require.True(t, ok)
			assert.Equal(t, "7", v)
			assert.Equal(t, 1, c.Len(ctx))

			_, ttl, ok := c.GetWithTTL(ctx, "token")
			require.True(t, ok)
			assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 2)

			taken, ok := c.Take(ctx, "token")
			require.True(t, ok)
			assert.Equal(t, "7", taken)
			assert.False(t, c.Exists(ctx, "token"))

			_, ok = c.Take(ctx, "token")
			assert.False(t, ok)
		})
	}
}

func TestLocalBackendsExpire(t *testing.T) {
	ctx := context.Background()

	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()
			require.NoError(t, c.Set(ctx, "short", 1, 20*time.Millisecond))
			assert.True(t, c.Exists(ctx, "short"))
			assert.Eventually(t, func() bool { return !c.Exists(ctx, "short") }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestTakeIsSingleUse(t *testing.T) {
	ctx := context.Background()

	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()
			require.NoError(t, c.Set(ctx, "once", "v", time.Minute))

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok := c.Take(ctx, "once"); ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()

	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()
			ok, err := c.SetNX(ctx, "idem", 1, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = c.SetNX(ctx, "idem", 2, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			v, _ := c.Get(ctx, "idem")
			assert.Equal(t, 1, v)
		})
	}
}

func TestNewCacheRejectsUnknownType(t *testing.T) {
	_, err := NewCache(Config{Type: "memcached"})
	assert.Error(t, err)

	c, err := NewCache(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

type lookups struct {
	mu   sync.Mutex
	seen []string
}

func (l *lookups) RecordCacheLookup(operation string, hit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hit {
		l.seen = append(l.seen, operation+":hit")
	} else {
		l.seen = append(l.seen, operation+":miss")
	}
}

func TestWithObserver(t *testing.T) {
	ctx := context.Background()
	obs := &lookups{}
	c := WithObserver(NewLocalCache(LocalConfig{MaxSize: 10, DefaultExpiration: time.Minute}), obs)
	defer c.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	ok, err := c.SetNX(ctx, "k", "v", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetNX(ctx, "k", "v", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = c.Take(ctx, "k")
	assert.True(t, ok)

	assert.Equal(t, []string{"get:miss", "setnx:miss", "setnx:hit", "take:hit"}, obs.seen)
	assert.Equal(t, c, WithObserver(c, nil))
}
