package mqtt

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectionManager handles MQTT connection lifecycle
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	GetClient() mqtt.Client
}

// SubscriptionManager handles topic subscriptions and message reception
type SubscriptionManager interface {
	Subscribe(filters []string) error
	Unsubscribe(filters []string) error
	GetSubscribedFilters() []string
}

// Publisher handles message publishing
type Publisher interface {
	Publish(topic string, payload []byte, headers map[string]string) error
}
