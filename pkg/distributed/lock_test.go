package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_PrefixesKeys(t *testing.T) {
	lm := NewLockManager(nil, "meshcall:lock:")
	lock := lm.AcquireLock("schema:migrate", time.Second)
	assert.Equal(t, "meshcall:lock:schema:migrate", lock.Key())
}

func TestNewToken_IsUnique(t *testing.T) {
	a, b := newToken(), newToken()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestDistributedLock_Exclusive(t *testing.T) {
	addr := os.Getenv("MESHCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("MESHCALL_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	lm := NewLockManager(client, "meshcall:test:lock:")
	key := uuid.NewString()
	first := lm.AcquireLock(key, 2*time.Second)
	second := lm.AcquireLock(key, 2*time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = second.LockWithTimeout(ctx, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, second.Unlock(ctx), ErrLockNotHeld)

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.LockWithTimeout(ctx, time.Second))
	require.NoError(t, second.Unlock(ctx))

	locked, err := first.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}
