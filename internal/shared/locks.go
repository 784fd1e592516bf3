package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntityLockKey builds redis keys for billing critical sections.
func EntityLockKey(entityType string, entityID uuid.UUID) string {
	return fmt.Sprintf("billing:%s:%s:lock", entityType, entityID)
}

// Locker provides cooperative, non-blocking mutual exclusion per entity.
// A second acquire on a held entity fails with ErrConflict instead of queueing.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. The TTL bounds how long a crashed holder
// can keep an entity locked.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock for (entityType, entityID) on behalf of owner.
func (l *Locker) Acquire(ctx context.Context, entityType string, entityID uuid.UUID, owner string) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("locker not initialised")
	}
	ok, err := l.client.SetNX(ctx, EntityLockKey(entityType, entityID), owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: acquire lock: %v", ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s is locked", ErrConflict, entityType, entityID)
	}
	return nil
}

// Release drops the lock when still held by owner. Releasing a lock held by
// someone else is a no-op so an expired holder cannot clobber a fresh one.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *Locker) Release(ctx context.Context, entityType string, entityID uuid.UUID, owner string) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("locker not initialised")
	}
	if err := releaseScript.Run(ctx, l.client, []string{EntityLockKey(entityType, entityID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: release lock: %v", ErrPersistence, err)
	}
	return nil
}
