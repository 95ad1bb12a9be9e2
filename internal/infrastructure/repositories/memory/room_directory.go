package memory

import (
	"context"
	"sync"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// MemoryRoomDirectory tracks room ownership for a single instance.
type MemoryRoomDirectory struct {
	instanceID string
	rooms      map[domain.RoomID]string
	mu         sync.RWMutex
}

func NewMemoryRoomDirectory(instanceID string) ports.RoomDirectory {
	return &MemoryRoomDirectory{
		instanceID: instanceID,
		rooms:      make(map[domain.RoomID]string),
	}
}

func (d *MemoryRoomDirectory) Claim(ctx context.Context, roomID domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.rooms[roomID]; exists {
		return domain.ErrRoomClaimed
	}
	d.rooms[roomID] = d.instanceID
	return nil
}

func (d *MemoryRoomDirectory) Release(ctx context.Context, roomID domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if owner, exists := d.rooms[roomID]; exists && owner == d.instanceID {
		delete(d.rooms, roomID)
	}
	return nil
}

func (d *MemoryRoomDirectory) Owner(ctx context.Context, roomID domain.RoomID) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms[roomID], nil
}
