package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRunsUntilStopped(t *testing.T) {
	s := New(nil)
	var n int32
	s.Every(10*time.Millisecond, FuncJob(func(ctx context.Context) { atomic.AddInt32(&n, 1) }))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&n)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&n))
}

func TestJobPanicDoesNotKillLoop(t *testing.T) {
	s := New(nil)
	defer s.Stop()
	var n int32
	s.Every(10*time.Millisecond, FuncJob(func(ctx context.Context) {
		if atomic.AddInt32(&n, 1) == 1 {
			panic("boom")
		}
	}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestOnceAfterCancelledByStop(t *testing.T) {
	s := New(nil)
	var ran int32
	s.OnceAfter(time.Hour, FuncJob(func(ctx context.Context) { atomic.StoreInt32(&ran, 1) }))
	s.Stop()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCronRejectsBadExpression(t *testing.T) {
	c := NewCron(time.UTC, nil)
	_, err := c.AddWithCtx("not a schedule", func(ctx context.Context) {})
	assert.Error(t, err)

	id, err := c.Add("@every 1m", FuncJob(func(ctx context.Context) {}))
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, c.Entries(), 1)

	c.Start()
	c.Stop()
}
