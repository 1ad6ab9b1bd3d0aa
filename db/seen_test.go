package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisSeenGuard tests the shared guard against an embedded redis
func TestRedisSeenGuard(t *testing.T) {
	server := miniredis.RunT(t)

	guard, err := NewRedisSeenGuard("redis://"+server.Addr(), time.Minute)
	require.NoError(t, err)
	defer guard.Close()

	ctx := context.Background()

	seen, err := guard.Seen(ctx, "wf-1::1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, guard.Remember(ctx, "wf-1::1"))

	seen, err = guard.Seen(ctx, "wf-1::1")
	require.NoError(t, err)
	assert.True(t, seen)

	// A different attempt of the same workflow is not deduplicated.
	seen, err = guard.Seen(ctx, "wf-1::2")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestRedisSeenGuard_TTL tests that entries expire
func TestRedisSeenGuard_TTL(t *testing.T) {
	server := miniredis.RunT(t)

	guard, err := NewRedisSeenGuard("redis://"+server.Addr(), time.Second)
	require.NoError(t, err)
	defer guard.Close()

	ctx := context.Background()
	require.NoError(t, guard.Remember(ctx, "wf-1::1"))

	server.FastForward(2 * time.Second)

	seen, err := guard.Seen(ctx, "wf-1::1")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestMemorySeenGuard tests the bounded in-process fallback
func TestMemorySeenGuard(t *testing.T) {
	guard := NewMemorySeenGuard(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.Remember(ctx, fmt.Sprintf("key-%d", i)))
		// Keep insertion order distinguishable for eviction.
		time.Sleep(time.Millisecond)
	}

	seen, err := guard.Seen(ctx, "key-0")
	require.NoError(t, err)
	assert.True(t, seen)

	// Exceeding capacity evicts the oldest entry only.
	require.NoError(t, guard.Remember(ctx, "key-3"))

	seen, _ = guard.Seen(ctx, "key-0")
	assert.False(t, seen)
	seen, _ = guard.Seen(ctx, "key-1")
	assert.True(t, seen)
	seen, _ = guard.Seen(ctx, "key-3")
	assert.True(t, seen)
}

// TestNewSeenGuard picks the implementation from configuration
func TestNewSeenGuard(t *testing.T) {
	guard, err := NewSeenGuard("", 0)
	require.NoError(t, err)
	_, ok := guard.(*MemorySeenGuard)
	assert.True(t, ok)

	server := miniredis.RunT(t)
	guard, err = NewSeenGuard("redis://"+server.Addr(), 0)
	require.NoError(t, err)
	_, ok = guard.(*RedisSeenGuard)
	assert.True(t, ok)
}
