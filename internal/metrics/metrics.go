package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Webhook metrics
	webhookEvents     *prometheus.CounterVec
	webhookRejections *prometheus.CounterVec
	ledgerDuplicates  prometheus.Counter
	orphanEvents      prometheus.Counter
	eventDuration     prometheus.Histogram

	// Dependency metrics
	contactLookups     *prometheus.CounterVec
	activityDeliveries *prometheus.CounterVec
	degradedLookups    atomic.Int64

	// Scheduler metrics
	taskBacklog  *prometheus.GaugeVec
	reservations *prometheus.CounterVec

	// WebSocket metrics
	activeConnections prometheus.Gauge
	broadcastDropped  prometheus.Counter
	connections       atomic.Int64

	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "comms_webhook_events_total",
				Help: "Webhook events processed by kind and outcome",
			}, []string{"kind", "outcome"}),
			webhookRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "comms_webhook_rejections_total",
				Help: "Webhook requests rejected before processing",
			}, []string{"reason"}),
			ledgerDuplicates: promauto.NewCounter(prometheus.CounterOpts{
				Name: "comms_ledger_duplicates_total",
				Help: "Webhook deliveries dropped as duplicates",
			}),
			orphanEvents: promauto.NewCounter(prometheus.CounterOpts{
				Name: "comms_orphan_events_total",
				Help: "Events for interactions this system never saw",
			}),
			eventDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "comms_event_processing_seconds",
				Help:    "Time taken to apply a webhook event",
				Buckets: prometheus.DefBuckets,
			}),
			contactLookups: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "comms_contact_lookups_total",
				Help: "Contact resolutions by result",
			}, []string{"result"}),
			activityDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "comms_activity_deliveries_total",
				Help: "CRM activity log delivery attempts by result",
			}, []string{"result"}),
			taskBacklog: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "comms_task_backlog",
				Help: "Pending tasks per queue",
			}, []string{"queue"}),
			reservations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "comms_task_reservations_total",
				Help: "Reservation outcomes",
			}, []string{"outcome"}),
			activeConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "comms_websocket_active_connections",
				Help: "Connected live clients",
			}),
			broadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "comms_broadcast_dropped_total",
				Help: "Broadcast frames dropped because a buffer was full",
			}),
			startTime: time.Now(),
		}
	})
	return instance
}

// RecordWebhookEvent counts a processed event
func (m *Metrics) RecordWebhookEvent(kind, outcome string, duration time.Duration) {
	m.webhookEvents.WithLabelValues(kind, outcome).Inc()
	m.eventDuration.Observe(duration.Seconds())
}

// RecordWebhookRejection counts a request rejected at the gateway
func (m *Metrics) RecordWebhookRejection(reason string) {
	m.webhookRejections.WithLabelValues(reason).Inc()
}

// RecordDuplicate counts a ledger hit
func (m *Metrics) RecordDuplicate() {
	m.ledgerDuplicates.Inc()
}

// RecordOrphan counts an orphan event
func (m *Metrics) RecordOrphan() {
	m.orphanEvents.Inc()
}

// RecordContactLookup counts a contact resolution
func (m *Metrics) RecordContactLookup(result string) {
	m.contactLookups.WithLabelValues(result).Inc()
	if result == "degraded" {
		m.degradedLookups.Add(1)
	}
}

// DegradedLookups returns the number of degraded contact resolutions
func (m *Metrics) DegradedLookups() int64 {
	return m.degradedLookups.Load()
}

// RecordActivityDelivery counts a CRM delivery attempt
func (m *Metrics) RecordActivityDelivery(result string) {
	m.activityDeliveries.WithLabelValues(result).Inc()
}

// SetTaskBacklog updates the pending gauge for a queue
func (m *Metrics) SetTaskBacklog(queue string, pending int) {
	m.taskBacklog.WithLabelValues(queue).Set(float64(pending))
}

// RecordReservation counts a reservation outcome
func (m *Metrics) RecordReservation(outcome string) {
	m.reservations.WithLabelValues(outcome).Inc()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.connections.Add(1)
	m.activeConnections.Inc()
}

// RecordWebSocketDisconnect decrements connection counters
func (m *Metrics) RecordWebSocketDisconnect() {
	m.connections.Add(-1)
	m.activeConnections.Dec()
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	return m.connections.Load()
}

// RecordBroadcastDropped counts a dropped frame
func (m *Metrics) RecordBroadcastDropped() {
	m.broadcastDropped.Inc()
}

// Uptime returns time since the metrics were created
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
