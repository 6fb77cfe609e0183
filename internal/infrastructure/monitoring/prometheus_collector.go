package monitoring

import (
	"net/http"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports room registry and signaling metrics. It
// implements ports.RegistryMetrics.
type PrometheusCollector struct {
	registry *prometheus.Registry

	liveRooms         prometheus.Gauge
	roomsCreatedTotal prometheus.Counter
	roomsEndedTotal   prometheus.Counter
	roomViewers       *prometheus.GaugeVec
	chatMessagesTotal *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	signalDuration    *prometheus.HistogramVec
	connectedClients  prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		liveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_live_rooms",
			Help: "Number of rooms currently live.",
		}),
		roomsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_rooms_created_total",
			Help: "Total number of rooms created.",
		}),
		roomsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_rooms_ended_total",
			Help: "Total number of rooms ended.",
		}),
		roomViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcast_room_viewers",
			Help: "Current viewer count per room.",
		}, []string{"room_id"}),
		chatMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_chat_messages_total",
			Help: "Chat messages relayed per room.",
		}, []string{"room_id"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_event_delivery_failures_total",
			Help: "Events that could not be delivered, by event name.",
		}, []string{"event"}),
		signalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamcast_signal_event_duration_seconds",
			Help:    "Time spent handling one signaling event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_connected_clients",
			Help: "Number of open signaling connections.",
		}),
	}

	c.registry.MustRegister(
		c.liveRooms,
		c.roomsCreatedTotal,
		c.roomsEndedTotal,
		c.roomViewers,
		c.chatMessagesTotal,
		c.deliveryFailures,
		c.signalDuration,
		c.connectedClients,
	)

	return c
}

var _ ports.RegistryMetrics = (*PrometheusCollector)(nil)

func (c *PrometheusCollector) RoomCreated(id domain.RoomID) {
	c.roomsCreatedTotal.Inc()
	c.liveRooms.Inc()
	c.roomViewers.WithLabelValues(string(id)).Set(0)
}

func (c *PrometheusCollector) RoomEnded(id domain.RoomID) {
	c.roomsEndedTotal.Inc()
	c.liveRooms.Dec()
	c.roomViewers.DeleteLabelValues(string(id))
}

func (c *PrometheusCollector) ViewerCount(id domain.RoomID, total int) {
	c.roomViewers.WithLabelValues(string(id)).Set(float64(total))
}

func (c *PrometheusCollector) ChatRelayed(id domain.RoomID, recipients int) {
	c.chatMessagesTotal.WithLabelValues(string(id)).Inc()
}

func (c *PrometheusCollector) DeliveryFailed(event string) {
	c.deliveryFailures.WithLabelValues(event).Inc()
}

// ObserveSignalEvent records the handling duration of one signaling event.
func (c *PrometheusCollector) ObserveSignalEvent(event string, d time.Duration) {
	c.signalDuration.WithLabelValues(event).Observe(d.Seconds())
}

// ClientConnected and ClientDisconnected track open signaling connections.
func (c *PrometheusCollector) ClientConnected()    { c.connectedClients.Inc() }
func (c *PrometheusCollector) ClientDisconnected() { c.connectedClients.Dec() }

// Handler serves the metrics endpoint.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
