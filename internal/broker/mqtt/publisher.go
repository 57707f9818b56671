package mqtt

import (
	"fmt"
	"sync/atomic"

	"shadow-router/internal/metrics"
)

// PublisherImpl handles MQTT message publishing
type PublisherImpl struct {
	broker *MQTTBroker
	conn   ConnectionManager
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(b *MQTTBroker) Publisher {
	return &PublisherImpl{
		broker: b,
		conn:   b.conn,
	}
}

// Publish enqueues a message for a topic. Delivery completion is
// observed asynchronously; the caller is only blocked for the local
// enqueue. Headers are carried inside the payload envelope on MQTT,
// which has no wire-level message properties in 3.1.1.
func (p *PublisherImpl) Publish(topic string, payload []byte, headers map[string]string) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	wireTopic := toWireTopic(topic)
	token := p.conn.GetClient().Publish(wireTopic, 1, false, payload)

	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			atomic.AddUint64(&p.broker.stats.Errors, 1)
			p.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncPublishes("error")
			})
			p.broker.logger.Error("failed to publish message",
				"error", err,
				"topic", topic)
			return
		}

		atomic.AddUint64(&p.broker.stats.MessagesPublished, 1)
		p.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncPublishes("success")
		})

		p.broker.logger.Debug("published message",
			"topic", topic,
			"payloadSize", len(payload))
	}()

	return nil
}
