package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/pkg/circuitbreaker"
	"pepehouse/pkg/distributed"
	"pepehouse/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomKeyPrefix = "room:"

// RedisRoomDirectory shares room ownership between server instances. A
// claim is a lock on <prefix>room:<id> holding the instance id; it is
// renewed while the room is open and expires if the instance dies.
type RedisRoomDirectory struct {
	instanceID string
	ttl        time.Duration
	locks      *distributed.LockManager
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	mu   sync.Mutex
	held map[domain.RoomID]*distributed.DistributedLock
}

var _ ports.RoomDirectory = (*RedisRoomDirectory)(nil)

func NewRedisRoomDirectory(client redis.Cmdable, prefix, instanceID string, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.SugaredLogger) *RedisRoomDirectory {
	return &RedisRoomDirectory{
		instanceID: instanceID,
		ttl:        ttl,
		locks:      distributed.NewLockManager(client, prefix+roomKeyPrefix),
		breaker:    breaker,
		logger:     logger,
		held:       make(map[domain.RoomID]*distributed.DistributedLock),
	}
}

func (d *RedisRoomDirectory) Claim(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceRedisOperation(ctx, "room.claim", d.locks.Key(string(roomID)))
	defer span.End()

	lock := d.locks.AcquireLock(string(roomID), d.instanceID, d.ttl)
	lock.OnLost(func() {
		d.logger.Warnw("Lost room claim", "room_id", roomID, "key", lock.Key())
		d.forget(roomID, lock)
	})

	acquired, err := circuitbreaker.Do(ctx, d.breaker, func() (bool, error) {
		return lock.TryLock(ctx)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("claim room %s: %w", roomID, err)
	}
	if !acquired {
		return domain.ErrRoomClaimed
	}

	d.mu.Lock()
	previous := d.held[roomID]
	d.held[roomID] = lock
	d.mu.Unlock()
	if previous != nil {
		// Stop renewing a claim the key no longer carries.
		previous.Unlock(context.Background())
	}
	return nil
}

func (d *RedisRoomDirectory) Release(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceRedisOperation(ctx, "room.release", d.locks.Key(string(roomID)))
	defer span.End()

	d.mu.Lock()
	lock := d.held[roomID]
	delete(d.held, roomID)
	d.mu.Unlock()
	if lock == nil {
		return nil
	}

	err := d.breaker.Execute(ctx, func() error {
		err := lock.Unlock(ctx)
		if errors.Is(err, distributed.ErrLockNotHeld) {
			d.logger.Warnw("Room claim already gone on release", "room_id", roomID)
			return nil
		}
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("release room %s: %w", roomID, err)
	}
	return nil
}

func (d *RedisRoomDirectory) Owner(ctx context.Context, roomID domain.RoomID) (string, error) {
	ctx, span := tracing.TraceRedisOperation(ctx, "room.owner", d.locks.Key(string(roomID)))
	defer span.End()

	owner, err := circuitbreaker.Do(ctx, d.breaker, func() (string, error) {
		return d.locks.Holder(ctx, string(roomID))
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("look up owner of room %s: %w", roomID, err)
	}
	return owner, nil
}

// HeldRooms returns the number of claims this instance currently renews.
func (d *RedisRoomDirectory) HeldRooms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *RedisRoomDirectory) forget(roomID domain.RoomID, lock *distributed.DistributedLock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[roomID] == lock {
		delete(d.held, roomID)
	}
}

// Close stops renewing every held claim and deletes the keys.
func (d *RedisRoomDirectory) Close(ctx context.Context) {
	d.mu.Lock()
	held := d.held
	d.held = make(map[domain.RoomID]*distributed.DistributedLock)
	d.mu.Unlock()

	for roomID, lock := range held {
		if err := lock.Unlock(ctx); err != nil && !errors.Is(err, distributed.ErrLockNotHeld) {
			d.logger.Warnw("Failed to release room claim", "room_id", roomID, "error", err)
		}
	}
}
