// Package metrics provides prometheus instrumentation for the shadow pipeline
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus collectors for the service
type Metrics struct {
	brokerConnected   prometheus.Gauge
	brokerReconnects  prometheus.Counter
	changeEvents      *prometheus.CounterVec
	publishes         *prometheus.CounterVec
	relayedMessages   prometheus.Counter
	droppedMessages   *prometheus.CounterVec
	connectedClients  prometheus.Gauge
	clientSubs        prometheus.Gauge
	pendingTopics     prometheus.Gauge
	listenerRestarts  prometheus.Counter
	requestDurations  *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors with the given registry
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_router_broker_connected",
			Help: "Whether the broker connection is currently up (1) or down (0)",
		}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadow_router_broker_reconnects_total",
			Help: "Total number of broker reconnection attempts",
		}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_router_change_events_total",
			Help: "Change events consumed from the store, by operation",
		}, []string{"operation"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_router_publishes_total",
			Help: "Messages published to the broker, by result",
		}, []string{"result"}),
		relayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadow_router_relayed_messages_total",
			Help: "Change events relayed onto the topic hierarchy",
		}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_router_dropped_messages_total",
			Help: "Messages dropped before delivery, by reason",
		}, []string{"reason"}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_router_connected_clients",
			Help: "Currently connected websocket clients",
		}),
		clientSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_router_client_subscriptions",
			Help: "Live client subscription filters",
		}),
		pendingTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_router_pending_subscriptions",
			Help: "Broker topic filters awaiting subscription",
		}),
		listenerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadow_router_listener_restarts_total",
			Help: "Change-stream listener restart attempts",
		}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shadow_router_request_duration_seconds",
			Help:    "Client request handling latency, by request type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{
		m.brokerConnected,
		m.brokerReconnects,
		m.changeEvents,
		m.publishes,
		m.relayedMessages,
		m.droppedMessages,
		m.connectedClients,
		m.clientSubs,
		m.pendingTopics,
		m.listenerRestarts,
		m.requestDurations,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetBrokerConnectionStatus records broker connectivity
func (m *Metrics) SetBrokerConnectionStatus(connected bool) {
	if connected {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

// IncBrokerReconnects counts a reconnection attempt
func (m *Metrics) IncBrokerReconnects() {
	m.brokerReconnects.Inc()
}

// IncChangeEvents counts a consumed change event
func (m *Metrics) IncChangeEvents(operation string) {
	m.changeEvents.WithLabelValues(operation).Inc()
}

// IncPublishes counts a broker publish by result ("success" or "error")
func (m *Metrics) IncPublishes(result string) {
	m.publishes.WithLabelValues(result).Inc()
}

// IncRelayedMessages counts a change event relayed to the broker
func (m *Metrics) IncRelayedMessages() {
	m.relayedMessages.Inc()
}

// IncDroppedMessages counts a dropped message by reason
// ("unmatched", "malformed", "stale_version", "slow_client")
func (m *Metrics) IncDroppedMessages(reason string) {
	m.droppedMessages.WithLabelValues(reason).Inc()
}

// SetConnectedClients records the websocket client count
func (m *Metrics) SetConnectedClients(n float64) {
	m.connectedClients.Set(n)
}

// SetClientSubscriptions records the live subscription filter count
func (m *Metrics) SetClientSubscriptions(n float64) {
	m.clientSubs.Set(n)
}

// SetPendingSubscriptions records topic filters not yet subscribed on the broker
func (m *Metrics) SetPendingSubscriptions(n float64) {
	m.pendingTopics.Set(n)
}

// IncListenerRestarts counts a change-stream restart attempt
func (m *Metrics) IncListenerRestarts() {
	m.listenerRestarts.Inc()
}

// ObserveRequestDuration records client request latency
func (m *Metrics) ObserveRequestDuration(requestType string, d time.Duration) {
	m.requestDurations.WithLabelValues(requestType).Observe(d.Seconds())
}

// GaugeSource supplies point-in-time values for the periodic collector
type GaugeSource interface {
	ConnectedClients() int
	SubscriptionCount() int
	PendingSubscriptions() int
}

// MetricsCollector periodically samples gauge sources
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sources  []GaugeSource
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewMetricsCollector creates a collector sampling at the given interval
func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// AddSource registers a gauge source; call before Start
func (c *MetricsCollector) AddSource(s GaugeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

// Start begins periodic collection
func (c *MetricsCollector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts periodic collection
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.mu.Lock()
	sources := make([]GaugeSource, len(c.sources))
	copy(sources, c.sources)
	c.mu.Unlock()

	var clients, subs, pending int
	for _, s := range sources {
		clients += s.ConnectedClients()
		subs += s.SubscriptionCount()
		pending += s.PendingSubscriptions()
	}

	c.metrics.SetConnectedClients(float64(clients))
	c.metrics.SetClientSubscriptions(float64(subs))
	c.metrics.SetPendingSubscriptions(float64(pending))
}
