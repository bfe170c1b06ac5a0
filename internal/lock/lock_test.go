package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockIsExclusivePerKey(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "session-1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "session-1")
	require.ErrorIs(t, err, ErrHeld)

	otherRelease, err := l.Acquire(ctx, "session-2")
	require.NoError(t, err)
	otherRelease()

	release()
	release()

	again, err := l.Acquire(ctx, "session-1")
	require.NoError(t, err)
	again()
}

func TestMemoryLockConcurrentAcquireSingleWinner(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.Acquire(ctx, "invoice:INV-1"); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}

func TestMemoryLockHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Acquire(ctx, "k")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POS_TEST_REDIS_ADDR to run redis lock test")
	}
	l := NewRedis(addr, "", 0, 5*time.Second)
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()
	require.NoError(t, l.Ping(ctx))

	key := "test:" + uuid.NewString()
	release, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrHeld)

	release()
	again, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}
