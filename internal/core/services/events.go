package services

import (
	"context"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

type nopEventPublisher struct{}

// NopEventPublisher drops lifecycle events. Used when no event bus is
// configured.
func NopEventPublisher() ports.RoomEventPublisher {
	return nopEventPublisher{}
}

func (nopEventPublisher) PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error {
	return nil
}

func (nopEventPublisher) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	return nil
}

func (nopEventPublisher) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	return nil
}

func (nopEventPublisher) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	return nil
}
