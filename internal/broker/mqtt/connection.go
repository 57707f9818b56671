package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"shadow-router/internal/metrics"
)

// ConnectionManagerImpl handles MQTT connection lifecycle
type ConnectionManagerImpl struct {
	broker    *MQTTBroker
	client    mqtt.Client
	connected atomic.Bool
}

// NewConnectionManager creates a new MQTT connection manager
func NewConnectionManager(b *MQTTBroker) (ConnectionManager, error) {
	cm := &ConnectionManagerImpl{
		broker: b,
	}

	// Random client id suffix so restarts do not collide with a stale
	// session the broker still holds.
	clientID := fmt.Sprintf("%s-%s", b.config.Broker.ClientID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions().
		AddBroker(b.config.Broker.Address).
		SetClientID(clientID).
		SetUsername(b.config.Broker.Username).
		SetPassword(b.config.Broker.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	opts.OnConnect = cm.handleConnect
	opts.OnConnectionLost = cm.handleDisconnect

	if b.config.Broker.TLS.Enable {
		tlsConfig, err := cm.newTLSConfig(
			b.config.Broker.TLS.CertFile,
			b.config.Broker.TLS.KeyFile,
			b.config.Broker.TLS.CAFile,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	cm.client = mqtt.NewClient(opts)
	return cm, nil
}

// NewConnectionManagerWithClient creates a connection manager with a provided client (for testing)
func NewConnectionManagerWithClient(b *MQTTBroker, client mqtt.Client) ConnectionManager {
	cm := &ConnectionManagerImpl{
		broker: b,
		client: client,
	}
	cm.connected.Store(true)
	return cm
}

// Connect establishes connection to the MQTT broker
func (cm *ConnectionManagerImpl) Connect(ctx context.Context) error {
	token := cm.client.Connect()

	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

// Disconnect cleanly disconnects from the MQTT broker. The quiesce
// window lets in-flight publishes flush first.
func (cm *ConnectionManagerImpl) Disconnect() {
	cm.broker.logger.Info("disconnecting from mqtt broker")
	cm.client.Disconnect(250)
	cm.connected.Store(false)
}

// IsConnected returns current connection status
func (cm *ConnectionManagerImpl) IsConnected() bool {
	return cm.connected.Load() && cm.client.IsConnected()
}

// GetClient returns the MQTT client instance
func (cm *ConnectionManagerImpl) GetClient() mqtt.Client {
	return cm.client
}

// handleConnect processes successful connections
func (cm *ConnectionManagerImpl) handleConnect(client mqtt.Client) {
	cm.broker.logger.Info("mqtt client connected", "broker", cm.broker.config.Broker.Address)
	cm.connected.Store(true)
	cm.broker.stats.LastReconnect = time.Now()

	cm.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(true)
	})

	cm.broker.notifyConnected()
}

// handleDisconnect processes connection loss
func (cm *ConnectionManagerImpl) handleDisconnect(client mqtt.Client, err error) {
	cm.broker.logger.Error("mqtt connection lost", "error", err)
	cm.connected.Store(false)

	cm.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
	})

	cm.broker.notifyConnectionLost(err)
}

// newTLSConfig creates a new TLS configuration
func (cm *ConnectionManagerImpl) newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
