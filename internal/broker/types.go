// Package broker abstracts publish/subscribe operations against the
// underlying message broker.
package broker

import (
	"context"
	"strings"
	"sync"
	"time"
)

// State represents the current state of a broker connection
type State string

const (
	// StateDisconnected indicates the broker is not connected
	StateDisconnected State = "disconnected"
	// StateConnecting indicates a connection attempt is in progress
	StateConnecting State = "connecting"
	// StateConnected indicates the broker is connected
	StateConnected State = "connected"
	// StateReconnecting indicates a reconnect attempt is scheduled or running
	StateReconnecting State = "reconnecting"
	// StateError indicates reconnect attempts are exhausted; manual restart required
	StateError State = "error"
)

// HeaderSource is the message header naming the publishing component.
const HeaderSource = "source"

// Message is an inbound broker message in canonical (dot-delimited) form.
type Message struct {
	Topic   string
	Payload []byte
	Headers map[string]string
}

// MessageHandler consumes inbound messages for a subscription filter.
type MessageHandler func(msg *Message)

// Broker is the transport-neutral pub/sub contract. Implementations
// exist for MQTT and NATS; topics and filters are always passed in
// canonical dot-delimited form and converted at the wire.
type Broker interface {
	// Connect establishes the connection. Blocking, single attempt;
	// retry policy belongs to the caller.
	Connect(ctx context.Context) error

	// Disconnect flushes outstanding publishes and closes the connection.
	Disconnect()

	// IsConnected reports current connectivity.
	IsConnected() bool

	// Publish enqueues a message. Delivery is fire-and-forget; failures
	// are logged via an async completion callback.
	Publish(topic string, payload []byte, headers map[string]string) error

	// Subscribe attaches the registered handler for each filter.
	Subscribe(filters []string) error

	// Unsubscribe removes subscriptions for the given filters.
	Unsubscribe(filters []string) error

	// RegisterHandler installs the handler dispatched for a filter's
	// messages. Messages arriving on a filter without a handler are
	// logged and dropped.
	RegisterHandler(filter string, h MessageHandler)

	// OnConnectionLost installs the transport-failure callback.
	OnConnectionLost(fn func(error))

	// OnConnected installs the connection-established callback.
	OnConnected(fn func())

	// GetStats returns current connection statistics.
	GetStats() Stats
}

// Stats holds statistics for a broker connection
type Stats struct {
	MessagesReceived  uint64
	MessagesPublished uint64
	LastReconnect     time.Time
	Errors            uint64
}

// Canonical normalizes a topic or filter to dot-delimited form.
func Canonical(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// HandlerRegistry maps subscription filters to their handlers. Mutations
// come from connection-accept paths concurrently with dispatch reads.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]MessageHandler),
	}
}

// Register installs a handler for a filter, replacing any previous one.
func (r *HandlerRegistry) Register(filter string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[Canonical(filter)] = h
}

// Lookup returns the handler registered for a filter.
func (r *HandlerRegistry) Lookup(filter string) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Canonical(filter)]
	return h, ok
}

// Remove deletes the handler for a filter.
func (r *HandlerRegistry) Remove(filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, Canonical(filter))
}

// Filters returns all filters with a registered handler.
func (r *HandlerRegistry) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	filters := make([]string, 0, len(r.handlers))
	for f := range r.handlers {
		filters = append(filters, f)
	}
	return filters
}
