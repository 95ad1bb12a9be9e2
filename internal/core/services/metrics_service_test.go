package services

import (
	"testing"
	"time"

	"pepehouse/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestMetricsService_Counters(t *testing.T) {
	m := NewMetricsService()

	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.PeerConnected()
	m.PeerJoined(domain.RoleHost)
	m.PeerJoined(domain.RoleViewer)
	m.PeerLeft(domain.RoleViewer)
	m.ProducerCreated(domain.MediaKindVideo)
	m.ConsumerCreated(domain.MediaKindVideo)
	m.ConsumerCreated(domain.MediaKindAudio)
	m.DataConsumerCreated()
	m.ConsumerSkipped("cannot_consume")
	m.SignalRequestHandled("produce", "ok", 10*time.Millisecond)
	m.SignalRequestHandled("produce", "INVALID_INPUT", 30*time.Millisecond)
	m.NotificationDropped("peerClosed")

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.OpenRooms)
	assert.Equal(t, 1, snap.ConnectedPeers)
	assert.Equal(t, 1, snap.JoinedPeers[domain.RoleHost])
	assert.Equal(t, 0, snap.JoinedPeers[domain.RoleViewer])
	assert.Equal(t, 1, snap.Producers[domain.MediaKindVideo])
	assert.Equal(t, 2, snap.Consumers[domain.MediaKindVideo]+snap.Consumers[domain.MediaKindAudio])
	assert.Equal(t, 1, snap.DataConsumers)
	assert.Equal(t, 1, snap.SkippedConsumers["cannot_consume"])
	assert.Equal(t, 2, snap.Requests["produce"])
	assert.Equal(t, 1, snap.FailedRequests["produce"])
	assert.Equal(t, 20*time.Millisecond, snap.AverageLatency)
	assert.Equal(t, 1, snap.DroppedNotifications["peerClosed"])
}

func TestMetricsService_GaugesDoNotGoNegative(t *testing.T) {
	m := NewMetricsService()
	m.RoomClosed()
	m.PeerDisconnected()
	m.PeerLeft(domain.RoleHost)

	snap := m.Snapshot()
	assert.Zero(t, snap.OpenRooms)
	assert.Zero(t, snap.ConnectedPeers)
	assert.Zero(t, snap.JoinedPeers[domain.RoleHost])
}

func TestMetricsService_SnapshotIsACopy(t *testing.T) {
	m := NewMetricsService()
	m.ConsumerSkipped("producer_closed")

	snap := m.Snapshot()
	snap.SkippedConsumers["producer_closed"] = 42

	assert.Equal(t, 1, m.Snapshot().SkippedConsumers["producer_closed"])
}

func TestCombineMetrics(t *testing.T) {
	a, b := NewMetricsService(), NewMetricsService()
	combined := CombineMetrics(a, b)

	combined.RoomOpened()
	combined.PeerJoined(domain.RoleHost)

	for _, m := range []*MetricsService{a, b} {
		assert.Equal(t, 1, m.Snapshot().OpenRooms)
		assert.Equal(t, 1, m.Snapshot().JoinedPeers[domain.RoleHost])
	}

	assert.NotPanics(t, func() {
		NopRoomMetrics().SignalRequestHandled("join", "ok", time.Millisecond)
	})
}
