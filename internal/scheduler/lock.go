package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultFireLockTTL keeps a claimed fire minute locked long enough for the
// other replicas' timers for the same minute to see it
const DefaultFireLockTTL = 2 * time.Minute

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock is a Redis key held by one owner token
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts to acquire a distributed lock.
// Returns nil without error if another owner holds it.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
	}, nil
}

// Release deletes the lock if this owner still holds it
func (l *DistributedLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Key returns the Redis key for this lock
func (l *DistributedLock) Key() string {
	return l.key
}

// Token returns the lock token
func (l *DistributedLock) Token() string {
	return l.token
}

// TTL returns the lock time-to-live
func (l *DistributedLock) TTL() time.Duration {
	return l.ttl
}

// FireGuard lets exactly one of several scheduler replicas dispatch a given
// schedule's fire for a given minute
type FireGuard struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewFireGuard creates a guard storing its locks under keyPrefix
func NewFireGuard(client *redis.Client, keyPrefix string, ttl time.Duration) *FireGuard {
	if ttl <= 0 {
		ttl = DefaultFireLockTTL
	}
	return &FireGuard{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Key returns the lock key for a schedule's fire at the minute containing at
func (g *FireGuard) Key(scheduleID string, at time.Time) string {
	return fmt.Sprintf("%sfire_lock:%s:%d", g.keyPrefix, scheduleID, at.UTC().Unix()/60)
}

// Claim tries to take the fire for scheduleID at the minute containing at.
// A nil lock with a nil error means another replica already claimed it.
// The lock is left to expire so late replicas still see it.
func (g *FireGuard) Claim(ctx context.Context, scheduleID string, at time.Time) (*DistributedLock, error) {
	return AcquireLock(ctx, g.client, g.Key(scheduleID, at), g.ttl)
}
