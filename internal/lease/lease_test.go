package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestLockers_exclusive(t *testing.T) {
	redisLocker, _ := newRedisLocker(t)
	lockers := map[string]Locker{
		"memory": NewMemoryLocker(),
		"redis":  redisLocker,
	}
	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := l.Acquire(ctx, "escalation_check", time.Minute)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "escalation_check", time.Minute)
			assert.ErrorIs(t, err, ErrHeld)

			other, err := l.Acquire(ctx, "session_expiry", time.Minute)
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, first.Release(ctx))
			require.NoError(t, first.Release(ctx))

			again, err := l.Acquire(ctx, "escalation_check", time.Minute)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestMemoryLocker_expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	// The stale holder must not release the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "job", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestRedisLocker_expiry(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(Key("job")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(Key("job")))

	fresh, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(Key("job")), "stale release must leave the new lease")

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists(Key("job")))
}

func TestRedisLocker_unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLocker(client)
	mr.Close()

	_, err = l.Acquire(context.Background(), "job", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}
