package nats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"shadow-router/internal/broker"
	"shadow-router/internal/metrics"
)

// SubscriptionManagerImpl implements SubscriptionManager for NATS
type SubscriptionManagerImpl struct {
	broker *NATSBroker
	conn   ConnectionManager
	subs   map[string]*nats.Subscription
	mu     sync.RWMutex
}

// NewSubscriptionManager creates a new NATS subscription manager
func NewSubscriptionManager(b *NATSBroker, conn ConnectionManager) SubscriptionManager {
	return &SubscriptionManagerImpl{
		broker: b,
		conn:   conn,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Subscribe subscribes to the provided canonical filters
func (s *SubscriptionManagerImpl) Subscribe(filters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}

	for _, filter := range filters {
		canonical := broker.Canonical(filter)
		if _, exists := s.subs[canonical]; exists {
			continue
		}
		if err := s.subscribeFilter(canonical); err != nil {
			s.broker.logger.Error("failed to subscribe to filter",
				"filter", canonical,
				"error", err)
			return fmt.Errorf("failed to subscribe to filter %s: %w", canonical, err)
		}
		s.broker.logger.Debug("subscribed to filter",
			"filter", canonical,
			"subject", toSubject(canonical))
	}

	return nil
}

// subscribeFilter handles subscription to a single filter
func (s *SubscriptionManagerImpl) subscribeFilter(filter string) error {
	subject := toSubject(filter)

	sub, err := s.conn.GetConnection().Subscribe(subject, func(msg *nats.Msg) {
		s.handleMessage(filter, msg)
	})
	if err != nil {
		return err
	}

	s.subs[filter] = sub
	return nil
}

// Unsubscribe removes subscriptions for the provided filters
func (s *SubscriptionManagerImpl) Unsubscribe(filters []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, filter := range filters {
		canonical := broker.Canonical(filter)
		sub, exists := s.subs[canonical]
		if !exists {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			s.broker.logger.Error("failed to unsubscribe from filter",
				"filter", canonical,
				"error", err)
			return fmt.Errorf("failed to unsubscribe from filter %s: %w", canonical, err)
		}
		delete(s.subs, canonical)
		s.broker.logger.Debug("unsubscribed from filter", "filter", canonical)
	}

	return nil
}

// GetSubscribedFilters returns the currently subscribed filters
func (s *SubscriptionManagerImpl) GetSubscribedFilters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters := make([]string, 0, len(s.subs))
	for f := range s.subs {
		filters = append(filters, f)
	}
	return filters
}

// handleMessage dispatches an inbound message to the handler registered
// for the subscription's filter. Unmatched messages are dropped.
func (s *SubscriptionManagerImpl) handleMessage(filter string, msg *nats.Msg) {
	atomic.AddUint64(&s.broker.stats.MessagesReceived, 1)

	handler, ok := s.broker.registry.Lookup(filter)
	if !ok {
		s.broker.logger.Debug("no handler for filter, dropping message",
			"filter", filter,
			"subject", msg.Subject)
		s.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncDroppedMessages("unmatched")
		})
		return
	}

	var headers map[string]string
	if len(msg.Header) > 0 {
		headers = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[k] = msg.Header.Get(k)
		}
	}

	handler(&broker.Message{
		Topic:   fromSubject(msg.Subject),
		Payload: msg.Data,
		Headers: headers,
	})
}
