package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Unlock when the key no longer carries this
// holder's value, for example after the TTL lapsed and another holder won.
var ErrLockNotHeld = errors.New("lock was not held by this holder")

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock is a Redis key owned by one holder and kept alive by
// renewal at half its TTL.
type DistributedLock struct {
	client    redis.Cmdable
	key       string
	value     string // identifies the holder
	ttl       time.Duration
	stopRenew chan struct{}
	stopOnce  sync.Once
	onLost    func()
}

// NewDistributedLock creates a lock held under value. The value is what
// Holder reports to other processes, such as an instance id.
func NewDistributedLock(client redis.Cmdable, key, value string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     value,
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func (l *DistributedLock) Key() string { return l.key }
func (l *DistributedLock) Value() string { return l.value }

// OnLost registers fn to run if renewal finds the lock taken by someone
// else. Must be called before TryLock.
func (l *DistributedLock) OnLost(fn func()) {
	l.onLost = fn
}

// TryLock attempts to acquire the lock without blocking. Once acquired the
// lock is renewed in the background until Unlock; renewal does not depend
// on ctx.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}

	if acquired {
		go l.renewLock()
		return true, nil
	}

	return false, nil
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// renewLock periodically renews the lock to prevent expiration
func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2) // Renew at half TTL
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			renewed, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// Transient failure: try again on the next tick while
				// the key may still be alive.
				continue
			}
			if renewed == 0 {
				if l.onLost != nil {
					l.onLost()
				}
				return
			}

		case <-l.stopRenew:
			return
		}
	}
}

// Holder returns the value stored under key, or "" when nobody holds it.
func Holder(ctx context.Context, client redis.Cmdable, key string) (string, error) {
	value, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// LockManager manages distributed locks
type LockManager struct {
	client redis.Cmdable
	prefix string
}

// NewLockManager creates a new lock manager
func NewLockManager(client redis.Cmdable, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

// Key returns the full Redis key for a lock name.
func (lm *LockManager) Key(name string) string {
	return lm.prefix + name
}

// AcquireLock prepares a lock held under value. Call TryLock to take it.
func (lm *LockManager) AcquireLock(name, value string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.Key(name), value, ttl)
}

// Holder returns the current holder of a lock name.
func (lm *LockManager) Holder(ctx context.Context, name string) (string, error) {
	return Holder(ctx, lm.client, lm.Key(name))
}
