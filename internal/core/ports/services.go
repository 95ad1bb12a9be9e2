package ports

import (
	"context"
	"time"

	"pepehouse/internal/core/domain"
)

type RoomMetrics interface {
	RoomOpened()
	RoomClosed()
	PeerConnected()
	PeerDisconnected()
	PeerJoined(role domain.Role)
	PeerLeft(role domain.Role)
	ProducerCreated(kind domain.MediaKind)
	ConsumerCreated(kind domain.MediaKind)
	DataConsumerCreated()
	ConsumerSkipped(reason string)
	SignalRequestHandled(method, status string, duration time.Duration)
	NotificationDropped(method string)
}

type RoomEventPublisher interface {
	PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error
	PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error
	PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
}
