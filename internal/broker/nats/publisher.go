package nats

import (
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"shadow-router/internal/metrics"
)

// PublisherImpl implements the Publisher interface for NATS
type PublisherImpl struct {
	broker *NATSBroker
	conn   ConnectionManager
}

// NewPublisher creates a new NATS publisher
func NewPublisher(b *NATSBroker, conn ConnectionManager) Publisher {
	return &PublisherImpl{
		broker: b,
		conn:   conn,
	}
}

// Publish sends a message to a canonical topic. NATS carries headers on
// the wire, so they ride as message headers rather than inside the
// payload.
func (p *PublisherImpl) Publish(topic string, payload []byte, headers map[string]string) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}

	subject := toSubject(topic)

	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := p.conn.GetConnection().PublishMsg(msg); err != nil {
		atomic.AddUint64(&p.broker.stats.Errors, 1)
		p.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncPublishes("error")
		})
		p.broker.logger.Error("failed to publish message",
			"error", err,
			"topic", topic,
			"subject", subject)
		return err
	}

	atomic.AddUint64(&p.broker.stats.MessagesPublished, 1)
	p.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncPublishes("success")
	})

	p.broker.logger.Debug("published message",
		"topic", topic,
		"subject", subject,
		"payloadSize", len(payload))

	return nil
}
