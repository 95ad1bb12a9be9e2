package services

import (
	"sync"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// MetricsSnapshot is a point-in-time copy of the in-memory counters.
type MetricsSnapshot struct {
	OpenRooms            int                      `json:"openRooms"`
	ConnectedPeers       int                      `json:"connectedPeers"`
	JoinedPeers          map[domain.Role]int      `json:"joinedPeers"`
	Producers            map[domain.MediaKind]int `json:"producersCreated"`
	Consumers            map[domain.MediaKind]int `json:"consumersCreated"`
	DataConsumers        int                      `json:"dataConsumersCreated"`
	SkippedConsumers     map[string]int           `json:"skippedConsumers"`
	Requests             map[string]int           `json:"requests"`
	FailedRequests       map[string]int           `json:"failedRequests"`
	AverageLatency       time.Duration            `json:"averageRequestLatency"`
	DroppedNotifications map[string]int           `json:"droppedNotifications"`
	Timestamp            time.Time                `json:"timestamp"`
}

// MetricsService keeps room counters in memory. It backs the admin stats
// endpoint and stands in for Prometheus when monitoring is disabled.
type MetricsService struct {
	mu sync.RWMutex

	openRooms      int
	connectedPeers int
	joinedPeers    map[domain.Role]int
	producers      map[domain.MediaKind]int
	consumers      map[domain.MediaKind]int
	dataConsumers  int
	skipped        map[string]int
	requests       map[string]int
	failed         map[string]int
	totalLatency   time.Duration
	requestCount   int
	dropped        map[string]int
}

var _ ports.RoomMetrics = (*MetricsService)(nil)

func NewMetricsService() *MetricsService {
	return &MetricsService{
		joinedPeers: make(map[domain.Role]int),
		producers:   make(map[domain.MediaKind]int),
		consumers:   make(map[domain.MediaKind]int),
		skipped:     make(map[string]int),
		requests:    make(map[string]int),
		failed:      make(map[string]int),
		dropped:     make(map[string]int),
	}
}

func (m *MetricsService) RoomOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openRooms++
}

func (m *MetricsService) RoomClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openRooms > 0 {
		m.openRooms--
	}
}

func (m *MetricsService) PeerConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedPeers++
}

func (m *MetricsService) PeerDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectedPeers > 0 {
		m.connectedPeers--
	}
}

func (m *MetricsService) PeerJoined(role domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinedPeers[role]++
}

func (m *MetricsService) PeerLeft(role domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinedPeers[role] > 0 {
		m.joinedPeers[role]--
	}
}

func (m *MetricsService) ProducerCreated(kind domain.MediaKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers[kind]++
}

func (m *MetricsService) ConsumerCreated(kind domain.MediaKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[kind]++
}

func (m *MetricsService) DataConsumerCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataConsumers++
}

func (m *MetricsService) ConsumerSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped[reason]++
}

func (m *MetricsService) SignalRequestHandled(method, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[method]++
	if status != "ok" {
		m.failed[method]++
	}
	m.totalLatency += duration
	m.requestCount++
}

func (m *MetricsService) NotificationDropped(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[method]++
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		OpenRooms:            m.openRooms,
		ConnectedPeers:       m.connectedPeers,
		JoinedPeers:          copyCounts(m.joinedPeers),
		Producers:            copyCounts(m.producers),
		Consumers:            copyCounts(m.consumers),
		DataConsumers:        m.dataConsumers,
		SkippedConsumers:     copyCounts(m.skipped),
		Requests:             copyCounts(m.requests),
		FailedRequests:       copyCounts(m.failed),
		DroppedNotifications: copyCounts(m.dropped),
		Timestamp:            time.Now(),
	}
	if m.requestCount > 0 {
		snap.AverageLatency = m.totalLatency / time.Duration(m.requestCount)
	}
	return snap
}

func copyCounts[K comparable](in map[K]int) map[K]int {
	out := make(map[K]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CombineMetrics returns a RoomMetrics that records into every sink.
func CombineMetrics(sinks ...ports.RoomMetrics) ports.RoomMetrics {
	return multiMetrics(sinks)
}

type multiMetrics []ports.RoomMetrics

func (mm multiMetrics) RoomOpened() {
	for _, m := range mm {
		m.RoomOpened()
	}
}

func (mm multiMetrics) RoomClosed() {
	for _, m := range mm {
		m.RoomClosed()
	}
}

func (mm multiMetrics) PeerConnected() {
	for _, m := range mm {
		m.PeerConnected()
	}
}

func (mm multiMetrics) PeerDisconnected() {
	for _, m := range mm {
		m.PeerDisconnected()
	}
}

func (mm multiMetrics) PeerJoined(role domain.Role) {
	for _, m := range mm {
		m.PeerJoined(role)
	}
}

func (mm multiMetrics) PeerLeft(role domain.Role) {
	for _, m := range mm {
		m.PeerLeft(role)
	}
}

func (mm multiMetrics) ProducerCreated(kind domain.MediaKind) {
	for _, m := range mm {
		m.ProducerCreated(kind)
	}
}

func (mm multiMetrics) ConsumerCreated(kind domain.MediaKind) {
	for _, m := range mm {
		m.ConsumerCreated(kind)
	}
}

func (mm multiMetrics) DataConsumerCreated() {
	for _, m := range mm {
		m.DataConsumerCreated()
	}
}

func (mm multiMetrics) ConsumerSkipped(reason string) {
	for _, m := range mm {
		m.ConsumerSkipped(reason)
	}
}

func (mm multiMetrics) SignalRequestHandled(method, status string, duration time.Duration) {
	for _, m := range mm {
		m.SignalRequestHandled(method, status, duration)
	}
}

func (mm multiMetrics) NotificationDropped(method string) {
	for _, m := range mm {
		m.NotificationDropped(method)
	}
}

// NopRoomMetrics discards every observation.
func NopRoomMetrics() ports.RoomMetrics {
	return multiMetrics(nil)
}
