package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	roomsActive       prometheus.Gauge
	participantsTotal prometheus.Gauge
	connectionsOpen   prometheus.Gauge

	// Counters
	roomsCreatedTotal prometheus.Counter
	connectionsTotal  prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec

	joinDuration prometheus.Histogram
}

// NewPrometheusCollector registers the signaling metrics with reg. A nil
// reg uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_active",
			Help: "Number of rooms with at least one participant",
		}),

		participantsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_participants",
			Help: "Number of participants across all rooms",
		}),

		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_connections_open",
			Help: "Number of open signaling connections on this instance",
		}),

		roomsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_messages_routed_total",
			Help: "Signaling messages handled, by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_messages_dropped_total",
			Help: "Signaling messages dropped, by type and reason",
		}, []string{"type", "reason"}),

		joinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_join_duration_seconds",
			Help:    "Time spent admitting a participant into a room",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}

func (p *PrometheusCollector) RecordRoomCreated() {
	p.roomsActive.Inc()
	p.roomsCreatedTotal.Inc()
}

func (p *PrometheusCollector) RecordRoomDeleted() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) RecordParticipantJoined() {
	p.participantsTotal.Inc()
}

func (p *PrometheusCollector) RecordParticipantLeft() {
	p.participantsTotal.Dec()
}

func (p *PrometheusCollector) ObserveJoinDuration(d time.Duration) {
	p.joinDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordMessageRouted(messageType string) {
	p.messagesRouted.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) RecordMessageDropped(messageType, reason string) {
	p.messagesDropped.WithLabelValues(messageType, reason).Inc()
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsOpen.Dec()
}
