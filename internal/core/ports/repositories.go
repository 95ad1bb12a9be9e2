package ports

import (
	"context"

	"pepehouse/internal/core/domain"
)

// RoomDirectory records which server instance hosts each room.
type RoomDirectory interface {
	// Claim marks the room as hosted here. It fails with
	// domain.ErrRoomClaimed when another instance already hosts it.
	Claim(ctx context.Context, roomID domain.RoomID) error
	Release(ctx context.Context, roomID domain.RoomID) error
	// Owner returns the hosting instance id, or "" if nobody hosts the room.
	Owner(ctx context.Context, roomID domain.RoomID) (string, error)
}
