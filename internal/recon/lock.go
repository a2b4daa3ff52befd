package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/concilio/concilio/internal/shared"
)

const (
	// DefaultLockTTL bounds how long a crashed holder keeps others out.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockWait is the acquisition budget before the caller receives
	// ErrConcurrentModification.
	DefaultLockWait = 5 * time.Second

	lockRetryInterval = 50 * time.Millisecond
)

// RedisLocker serializes writers per reconciliation id using a redis
// SET NX lease. It is not a global lock: independent reconciliations
// proceed concurrently.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker constructs a locker with the default budgets.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, ttl: DefaultLockTTL, wait: DefaultLockWait}
}

// WithBudgets overrides the lease TTL and acquisition wait, mainly for tests.
func (l *RedisLocker) WithBudgets(ttl, wait time.Duration) *RedisLocker {
	if ttl > 0 {
		l.ttl = ttl
	}
	if wait > 0 {
		l.wait = wait
	}
	return l
}

// Acquire blocks until the per-reconciliation lock is held or the wait
// budget is exhausted.
func (l *RedisLocker) Acquire(ctx context.Context, reconciliationID uuid.UUID) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("recon: locker not initialised")
	}
	key := shared.ReconLockKey(reconciliationID.String())
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: lock on %s still held after %s", ErrConcurrentModification, reconciliationID, l.wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// release deletes the lease only when this holder still owns it.
func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	_ = l.client.Eval(ctx, script, []string{key}, token).Err()
}
