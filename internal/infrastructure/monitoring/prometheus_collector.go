package monitoring

import (
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports room activity as Prometheus metrics.
type PrometheusCollector struct {
	factory promauto.Factory

	roomsOpen       prometheus.Gauge
	roomsTotal      prometheus.Counter
	peersConnected  prometheus.Gauge
	peersJoined     *prometheus.GaugeVec
	producersTotal  *prometheus.CounterVec
	consumersTotal  *prometheus.CounterVec
	dataConsumers   prometheus.Counter
	consumerSkipped *prometheus.CounterVec
	droppedNotifies *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
}

var _ ports.RoomMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		factory: factory,

		roomsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pepehouse_rooms_open",
			Help: "Number of open rooms",
		}),
		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pepehouse_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pepehouse_peers_connected",
			Help: "Number of peers attached to a room",
		}),
		peersJoined: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pepehouse_peers_joined",
			Help: "Number of joined peers by role",
		}, []string{"role"}),
		producersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepehouse_producers_created_total",
			Help: "Total number of producers created",
		}, []string{"kind"}),
		consumersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepehouse_consumers_created_total",
			Help: "Total number of consumers created",
		}, []string{"kind"}),
		dataConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "pepehouse_data_consumers_created_total",
			Help: "Total number of data consumers created",
		}),
		consumerSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepehouse_consumers_skipped_total",
			Help: "Consumers that were not created, by reason",
		}, []string{"reason"}),
		droppedNotifies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepehouse_notifications_dropped_total",
			Help: "Notifications that could not be queued for a peer",
		}, []string{"method"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pepehouse_signal_request_duration_seconds",
			Help:    "Time spent handling signaling requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "status"}),
	}
}

// RegisterConnectionGauge exports the value of fn as the number of open
// signaling connections.
func (p *PrometheusCollector) RegisterConnectionGauge(fn func() float64) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pepehouse_signal_connections",
		Help: "Number of open signaling connections",
	}, fn)
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsOpen.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsOpen.Dec()
}

func (p *PrometheusCollector) PeerConnected() {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) PeerDisconnected() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) PeerJoined(role domain.Role) {
	p.peersJoined.WithLabelValues(roleLabel(role)).Inc()
}

func (p *PrometheusCollector) PeerLeft(role domain.Role) {
	p.peersJoined.WithLabelValues(roleLabel(role)).Dec()
}

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConsumerCreated(kind domain.MediaKind) {
	p.consumersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) DataConsumerCreated() {
	p.dataConsumers.Inc()
}

func (p *PrometheusCollector) ConsumerSkipped(reason string) {
	p.consumerSkipped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalRequestHandled(method, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

func (p *PrometheusCollector) NotificationDropped(method string) {
	p.droppedNotifies.WithLabelValues(method).Inc()
}

func roleLabel(role domain.Role) string {
	if role == domain.RoleUnset {
		return "none"
	}
	return string(role)
}
