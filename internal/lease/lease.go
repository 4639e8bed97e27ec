// Package lease hands out short-lived named leases so that a periodic job
// runs on at most one replica at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another holder")

// Lease is an acquired lease. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named leases that expire after ttl unless released.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Key returns the storage key for a lease name.
func Key(name string) string {
	return "lease:" + name
}

// --- MemoryLocker ---

// MemoryLocker is a process-local Locker for single-replica deployments and
// tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memLease), now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[name]; ok && now.Before(cur.expiresAt) {
		return nil, ErrHeld
	}
	owner := uuid.NewString()
	l.leases[name] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return &memoryLease{locker: l, name: name, owner: owner}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	name   string
	owner  string
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if cur, ok := m.locker.leases[m.name]; ok && cur.owner == m.owner {
		delete(m.locker.leases, m.name)
	}
	return nil
}

// --- RedisLocker ---

// releaseScript deletes the key only while it still holds our owner token,
// so an expired lease re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by Redis SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key := Key(name)
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: l.client, key: key, owner: owner}, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	owner  string
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", r.key, err)
	}
	return nil
}
