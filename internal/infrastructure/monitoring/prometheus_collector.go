package monitoring

import (
	"beamnet/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsSource reports current registry cardinality; the room and viewer
// gauges read it at scrape time so reconnect slot-reclaims can never
// drift an event-counted gauge.
type StatsSource func() domain.RegistryStats

// PrometheusCollector implements ports.RouterMetrics. Registration uses
// promauto against an injected registry so tests can run isolated.
type PrometheusCollector struct {
	roomsTotal     prometheus.Counter
	teardownsTotal prometheus.Counter
	joinsTotal     prometheus.Counter
	leavesTotal    prometheus.Counter
	messagesRouted *prometheus.CounterVec
	relayDrops     *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer, stats StatsSource) *PrometheusCollector {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "beamnet_rooms_active",
		Help: "Number of currently registered rooms",
	}, func() float64 { return float64(stats().Rooms) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "beamnet_viewers_connected",
		Help: "Number of viewers currently registered across all rooms",
	}, func() float64 { return float64(stats().Viewers) })

	return &PrometheusCollector{
		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamnet_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		teardownsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamnet_room_teardowns_total",
			Help: "Total number of broadcaster-initiated room teardowns",
		}),

		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamnet_viewer_joins_total",
			Help: "Total number of successful viewer joins, reconnects included",
		}),

		leavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamnet_viewer_leaves_total",
			Help: "Total number of viewer departures observed by the lifecycle manager",
		}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamnet_messages_routed_total",
			Help: "Control messages delivered to a handle, by type",
		}, []string{"type"}),

		relayDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamnet_relay_drops_total",
			Help: "Control messages dropped because the target was absent or congested, by type",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed(viewersEvicted int) {
	p.teardownsTotal.Inc()
	p.leavesTotal.Add(float64(viewersEvicted))
}

func (p *PrometheusCollector) ViewerJoined() {
	p.joinsTotal.Inc()
}

func (p *PrometheusCollector) ViewerLeft() {
	p.leavesTotal.Inc()
}

func (p *PrometheusCollector) MessageRouted(msgType string) {
	p.messagesRouted.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RelayDropped(msgType string) {
	p.relayDrops.WithLabelValues(msgType).Inc()
}
