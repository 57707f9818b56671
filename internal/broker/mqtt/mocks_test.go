package mqtt

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockMQTTClient implements mqtt.Client for testing
type mockMQTTClient struct {
	connected   bool
	subscribeCb map[string]mqtt.MessageHandler
	published   []mockPublish
	failNext    error
	mu          sync.Mutex
}

type mockPublish struct {
	topic   string
	payload []byte
}

func newMockClient(connected bool) *mockMQTTClient {
	return &mockMQTTClient{
		connected:   connected,
		subscribeCb: make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockMQTTClient) IsConnected() bool      { return m.connected }
func (m *mockMQTTClient) IsConnectionOpen() bool { return m.connected }
func (m *mockMQTTClient) Connect() mqtt.Token    { return &mockToken{} }
func (m *mockMQTTClient) Disconnect(uint)        { m.connected = false }

func (m *mockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return &mockToken{err: err}
	}
	m.published = append(m.published, mockPublish{topic: topic, payload: payload.([]byte)})
	return &mockToken{}
}

func (m *mockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCb[topic] = callback
	return &mockToken{}
}

func (m *mockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (m *mockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.subscribeCb, t)
	}
	return &mockToken{}
}

func (m *mockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *mockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver simulates an inbound message on a wire filter.
func (m *mockMQTTClient) deliver(filter, topic string, payload []byte) {
	m.mu.Lock()
	cb := m.subscribeCb[filter]
	m.mu.Unlock()
	if cb != nil {
		cb(m, &mockMessage{topic: topic, payload: payload})
	}
}

// mockToken implements mqtt.Token for testing
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *mockToken) Error() error { return t.err }

// mockMessage implements mqtt.Message for testing
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
