package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shadow-router/config"
	"shadow-router/internal/broker"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
)

// MQTTBroker implements the broker.Broker interface for MQTT
type MQTTBroker struct {
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

// NewBroker creates a new MQTT broker instance. The connection is not
// established until Connect is called; reconnect policy belongs to the
// bridge, so the paho auto-reconnect machinery stays disabled.
func NewBroker(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) (broker.Broker, error) {
	b := &MQTTBroker{
		logger:   log,
		config:   cfg,
		metrics:  metricsService,
		registry: broker.NewHandlerRegistry(),
		stats: broker.Stats{
			LastReconnect: time.Now(),
		},
	}

	var err error
	b.conn, err = NewConnectionManager(b)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	b.pub = NewPublisher(b)
	b.sub = NewSubscriptionManager(b)

	return b, nil
}

// Connect implements broker.Broker
func (b *MQTTBroker) Connect(ctx context.Context) error {
	return b.conn.Connect(ctx)
}

// Disconnect implements broker.Broker
func (b *MQTTBroker) Disconnect() {
	b.conn.Disconnect()
}

// IsConnected implements broker.Broker
func (b *MQTTBroker) IsConnected() bool {
	return b.conn.IsConnected()
}

// Publish implements broker.Broker
func (b *MQTTBroker) Publish(topic string, payload []byte, headers map[string]string) error {
	return b.pub.Publish(topic, payload, headers)
}

// Subscribe implements broker.Broker
func (b *MQTTBroker) Subscribe(filters []string) error {
	return b.sub.Subscribe(filters)
}

// Unsubscribe implements broker.Broker
func (b *MQTTBroker) Unsubscribe(filters []string) error {
	return b.sub.Unsubscribe(filters)
}

// RegisterHandler implements broker.Broker
func (b *MQTTBroker) RegisterHandler(filter string, h broker.MessageHandler) {
	b.registry.Register(filter, h)
}

// OnConnectionLost implements broker.Broker
func (b *MQTTBroker) OnConnectionLost(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostFn = fn
}

// OnConnected implements broker.Broker
func (b *MQTTBroker) OnConnected(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connFn = fn
}

// GetStats implements broker.Broker
func (b *MQTTBroker) GetStats() broker.Stats {
	return b.stats
}

func (b *MQTTBroker) notifyConnectionLost(err error) {
	b.mu.RLock()
	fn := b.lostFn
	b.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (b *MQTTBroker) notifyConnected() {
	b.mu.RLock()
	fn := b.connFn
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (b *MQTTBroker) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if b.metrics != nil {
		fn(b.metrics)
	}
}
