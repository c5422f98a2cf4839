package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// acquireLua sets the lock and, when a holder is given, its holder record with
// the same TTL. KEYS[1]=lock KEYS[2]=holder ARGV[1]=token ARGV[2]=ttl ms
// ARGV[3]=holder.
const acquireLua = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    if ARGV[3] ~= '' then
        redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
    end
    return 1
end
return 0
`

// releaseLua deletes the lock only if its value matches the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[2])
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only if the caller still holds the lock.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[2], ARGV[2])
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and Lua-guarded
// release and refresh.
type LockManager struct {
	rdb       *redis.Client
	acquireSc *redis.Script
	releaseSc *redis.Script
	refreshSc *redis.Script
	now       func() time.Time
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Conn(),
		acquireSc: redis.NewScript(acquireLua),
		releaseSc: redis.NewScript(releaseLua),
		refreshSc: redis.NewScript(refreshLua),
		now:       time.Now,
	}
}

// The hash tag keeps the lock and its holder record in one cluster slot.
func lockKey(key string) string {
	return "lock:{" + key + "}"
}

func holderKey(key string) string {
	return "lock:{" + key + "}:holder"
}

// Acquire tries to take the lock, retrying opts.Retries times with a fixed
// opts.RetryDelay between attempts. It returns domain.ErrLockContention once
// every attempt found the key held.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration, opts domain.AcquireOptions) (domain.Lease, error) {
	if ttl <= 0 {
		return domain.Lease{}, fmt.Errorf("redis: acquire lock %s: ttl must be positive", key)
	}
	token := uuid.New().String()
	keys := []string{lockKey(key), holderKey(key)}

	for attempt := 0; ; attempt++ {
		start := lm.now()
		ok, err := lm.acquireSc.Run(ctx, lm.rdb, keys, token, ttl.Milliseconds(), opts.Holder).Int()
		if err != nil {
			return domain.Lease{}, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok == 1 {
			return domain.Lease{
				Key:       key,
				Token:     token,
				Holder:    opts.Holder,
				ExpiresAt: start.Add(ttl),
			}, nil
		}
		if attempt >= opts.Retries {
			return domain.Lease{}, fmt.Errorf("redis: acquire lock %s after %d attempts: %w", key, attempt+1, domain.ErrLockContention)
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Lease{}, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release deletes the lock if lease still owns it. A stale token is a no-op
// reported as false.
func (lm *LockManager) Release(ctx context.Context, lease domain.Lease) (bool, error) {
	n, err := lm.releaseSc.Run(ctx, lm.rdb, []string{lockKey(lease.Key), holderKey(lease.Key)}, lease.Token).Int()
	if err != nil {
		return false, fmt.Errorf("redis: release lock %s: %w", lease.Key, err)
	}
	return n == 1, nil
}

// Refresh resets the lock TTL if lease still owns it.
func (lm *LockManager) Refresh(ctx context.Context, lease domain.Lease, ttl time.Duration) (bool, error) {
	n, err := lm.refreshSc.Run(ctx, lm.rdb, []string{lockKey(lease.Key), holderKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: refresh lock %s: %w", lease.Key, err)
	}
	return n == 1, nil
}

// Holder returns the holder recorded at acquisition, "" when the lock is free
// or was taken without one.
func (lm *LockManager) Holder(ctx context.Context, key string) (string, error) {
	v, err := lm.rdb.Get(ctx, holderKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: lock holder %s: %w", key, err)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
