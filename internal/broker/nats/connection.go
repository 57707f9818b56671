package nats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"shadow-router/internal/metrics"
)

// ConnectionManagerImpl implements ConnectionManager for NATS
type ConnectionManagerImpl struct {
	broker    *NATSBroker
	conn      *nats.Conn
	connected atomic.Bool
}

// NewConnectionManager creates a new NATS connection manager. The
// connection is established later by Connect.
func NewConnectionManager(b *NATSBroker) ConnectionManager {
	return &ConnectionManagerImpl{
		broker: b,
	}
}

// Connect establishes connection to the NATS server. A single attempt;
// nats.NoReconnect keeps the client library from racing the caller's
// own retry loop.
func (cm *ConnectionManagerImpl) Connect(ctx context.Context) error {
	cfg := cm.broker.config.Broker
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("no NATS server URLs provided")
	}

	timeout := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(cm.handleDisconnect),
		nats.ClosedHandler(cm.handleClosed),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	cm.broker.logger.Info("connecting to nats server", "urls", cfg.URLs)

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	cm.conn = conn
	cm.connected.Store(true)
	cm.broker.stats.LastReconnect = time.Now()

	cm.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(true)
	})

	cm.broker.logger.Info("connected to nats server", "url", conn.ConnectedUrl())
	cm.broker.notifyConnected()

	return nil
}

// Disconnect flushes outstanding publishes and closes the connection.
func (cm *ConnectionManagerImpl) Disconnect() {
	if cm.conn == nil {
		return
	}
	cm.broker.logger.Info("disconnecting from nats server")
	if err := cm.conn.FlushTimeout(2 * time.Second); err != nil {
		cm.broker.logger.Warn("flush before disconnect failed", "error", err)
	}
	cm.conn.Close()
	cm.connected.Store(false)
}

// IsConnected returns the current connection status
func (cm *ConnectionManagerImpl) IsConnected() bool {
	return cm.conn != nil && cm.conn.IsConnected() && cm.connected.Load()
}

// GetConnection returns the NATS connection
func (cm *ConnectionManagerImpl) GetConnection() *nats.Conn {
	return cm.conn
}

// NATS connection event handlers

func (cm *ConnectionManagerImpl) handleDisconnect(conn *nats.Conn, err error) {
	cm.broker.logger.Error("disconnected from nats server", "error", err)
	cm.connected.Store(false)

	cm.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
	})

	cm.broker.notifyConnectionLost(err)
}

func (cm *ConnectionManagerImpl) handleClosed(conn *nats.Conn) {
	// Closed fires for both local Close and server-side termination.
	// Loss notification already happened in the disconnect handler.
	cm.broker.logger.Warn("nats connection closed")
	cm.connected.Store(false)

	cm.broker.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
	})
}
