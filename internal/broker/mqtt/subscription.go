package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shadow-router/internal/broker"
	"shadow-router/internal/metrics"
)

// SubscriptionManagerImpl implements the SubscriptionManager interface
type SubscriptionManagerImpl struct {
	broker  *MQTTBroker
	conn    ConnectionManager
	filters map[string]struct{}
	mu      sync.RWMutex
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager(b *MQTTBroker) SubscriptionManager {
	return &SubscriptionManagerImpl{
		broker:  b,
		conn:    b.conn,
		filters: make(map[string]struct{}),
	}
}

// Subscribe subscribes to the provided canonical filters
func (s *SubscriptionManagerImpl) Subscribe(filters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	for _, filter := range filters {
		canonical := broker.Canonical(filter)
		wireFilter := toWireTopic(canonical)

		handler := func(client mqtt.Client, msg mqtt.Message) {
			s.handleMessage(canonical, msg)
		}

		if token := s.conn.GetClient().Subscribe(wireFilter, 1, handler); token.Wait() && token.Error() != nil {
			s.broker.logger.Error("failed to subscribe to filter",
				"filter", canonical,
				"error", token.Error())
			return fmt.Errorf("failed to subscribe to filter %s: %w", canonical, token.Error())
		}

		s.filters[canonical] = struct{}{}
		s.broker.logger.Debug("subscribed to filter", "filter", canonical)
	}

	return nil
}

// Unsubscribe removes subscriptions for the provided filters
func (s *SubscriptionManagerImpl) Unsubscribe(filters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	for _, filter := range filters {
		canonical := broker.Canonical(filter)
		if token := s.conn.GetClient().Unsubscribe(toWireTopic(canonical)); token.Wait() && token.Error() != nil {
			s.broker.logger.Error("failed to unsubscribe from filter",
				"filter", canonical,
				"error", token.Error())
			return fmt.Errorf("failed to unsubscribe from filter %s: %w", canonical, token.Error())
		}
		delete(s.filters, canonical)
		s.broker.logger.Debug("unsubscribed from filter", "filter", canonical)
	}

	return nil
}

// GetSubscribedFilters returns the currently subscribed filters
func (s *SubscriptionManagerImpl) GetSubscribedFilters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters := make([]string, 0, len(s.filters))
	for f := range s.filters {
		filters = append(filters, f)
	}
	return filters
}

// handleMessage dispatches an inbound message to the handler registered
// for the subscription's filter. Unmatched messages are dropped.
func (s *SubscriptionManagerImpl) handleMessage(filter string, msg mqtt.Message) {
	atomic.AddUint64(&s.broker.stats.MessagesReceived, 1)

	handler, ok := s.broker.registry.Lookup(filter)
	if !ok {
		s.broker.logger.Debug("no handler for filter, dropping message",
			"filter", filter,
			"topic", msg.Topic())
		s.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncDroppedMessages("unmatched")
		})
		return
	}

	handler(&broker.Message{
		Topic:   fromWireTopic(msg.Topic()),
		Payload: msg.Payload(),
	})
}

// toWireTopic converts a canonical dot-delimited topic or filter into
// MQTT slash form. Wildcards pass through unchanged.
func toWireTopic(canonical string) string {
	return strings.ReplaceAll(canonical, ".", "/")
}

// fromWireTopic converts an MQTT topic back to canonical form.
func fromWireTopic(wire string) string {
	return strings.ReplaceAll(wire, "/", ".")
}
