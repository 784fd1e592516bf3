package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, 5*time.Second), mr
}

func TestLockerAcquireConflict(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)
	id := uuid.New()

	require.NoError(t, locker.Acquire(ctx, "invoice", id, "alice"))

	err := locker.Acquire(ctx, "invoice", id, "bob")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConflict))

	// A different entity is not affected.
	require.NoError(t, locker.Acquire(ctx, "invoice", uuid.New(), "bob"))
}

func TestLockerReleaseOnlyOwner(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)
	id := uuid.New()

	require.NoError(t, locker.Acquire(ctx, "draw", id, "alice"))
	require.NoError(t, locker.Release(ctx, "draw", id, "bob"))

	// Bob's release was a no-op, the lock is still alice's.
	err := locker.Acquire(ctx, "draw", id, "bob")
	require.True(t, errors.Is(err, ErrConflict))

	require.NoError(t, locker.Release(ctx, "draw", id, "alice"))
	require.NoError(t, locker.Acquire(ctx, "draw", id, "bob"))
}

func TestLockerTTLExpiry(t *testing.T) {
	ctx := context.Background()
	locker, mr := newTestLocker(t)
	id := uuid.New()

	require.NoError(t, locker.Acquire(ctx, "invoice", id, "alice"))
	mr.FastForward(6 * time.Second)
	require.NoError(t, locker.Acquire(ctx, "invoice", id, "bob"))
}
