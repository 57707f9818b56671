package nats

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Defining interfaces (similar to MQTT package)

// ConnectionManager handles NATS connection lifecycle
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	GetConnection() *nats.Conn
}

// SubscriptionManager handles subject subscriptions and message reception
type SubscriptionManager interface {
	Subscribe(filters []string) error
	Unsubscribe(filters []string) error
	GetSubscribedFilters() []string
}

// Publisher handles message publishing
type Publisher interface {
	Publish(topic string, payload []byte, headers map[string]string) error
}
