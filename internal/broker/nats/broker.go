package nats

import (
	"context"
	"sync"
	"time"

	"shadow-router/config"
	"shadow-router/internal/broker"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
)

// NATSBroker implements the broker.Broker interface for NATS
type NATSBroker struct {
	logger   *logger.Logger
	config   *config.Config
	metrics  *metrics.Metrics
	registry *broker.HandlerRegistry
	stats    broker.Stats

	conn ConnectionManager
	sub  SubscriptionManager
	pub  Publisher

	lostFn func(error)
	connFn func()
	mu     sync.RWMutex
}

// NewBroker creates a new NATS broker instance. The client library's own
// reconnect loop is disabled; the bridge decides when and how often to
// reconnect, the same as with the MQTT backend.
func NewBroker(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) (broker.Broker, error) {
	b := &NATSBroker{
		logger:   log,
		config:   cfg,
		metrics:  metricsService,
		registry: broker.NewHandlerRegistry(),
		stats: broker.Stats{
			LastReconnect: time.Now(),
		},
	}

	b.conn = NewConnectionManager(b)
	b.pub = NewPublisher(b, b.conn)
	b.sub = NewSubscriptionManager(b, b.conn)

	return b, nil
}

// Connect implements broker.Broker
func (b *NATSBroker) Connect(ctx context.Context) error {
	return b.conn.Connect(ctx)
}

// Disconnect implements broker.Broker
func (b *NATSBroker) Disconnect() {
	b.conn.Disconnect()
}

// IsConnected implements broker.Broker
func (b *NATSBroker) IsConnected() bool {
	return b.conn.IsConnected()
}

// Publish implements broker.Broker
func (b *NATSBroker) Publish(topic string, payload []byte, headers map[string]string) error {
	return b.pub.Publish(topic, payload, headers)
}

// Subscribe implements broker.Broker
func (b *NATSBroker) Subscribe(filters []string) error {
	return b.sub.Subscribe(filters)
}

// Unsubscribe implements broker.Broker
func (b *NATSBroker) Unsubscribe(filters []string) error {
	return b.sub.Unsubscribe(filters)
}

// RegisterHandler implements broker.Broker
func (b *NATSBroker) RegisterHandler(filter string, h broker.MessageHandler) {
	b.registry.Register(filter, h)
}

// OnConnectionLost implements broker.Broker
func (b *NATSBroker) OnConnectionLost(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostFn = fn
}

// OnConnected implements broker.Broker
func (b *NATSBroker) OnConnected(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connFn = fn
}

// GetStats implements broker.Broker
func (b *NATSBroker) GetStats() broker.Stats {
	return b.stats
}

func (b *NATSBroker) notifyConnectionLost(err error) {
	b.mu.RLock()
	fn := b.lostFn
	b.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (b *NATSBroker) notifyConnected() {
	b.mu.RLock()
	fn := b.connFn
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (b *NATSBroker) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if b.metrics != nil {
		fn(b.metrics)
	}
}
