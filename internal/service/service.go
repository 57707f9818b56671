// Package service wires the pipeline together and supervises its
// lifecycle: store, capture, relay, broker and bridge.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"shadow-router/config"
	"shadow-router/internal/bridge"
	"shadow-router/internal/broker"
	mqttbroker "shadow-router/internal/broker/mqtt"
	natsbroker "shadow-router/internal/broker/nats"
	"shadow-router/internal/capture"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/relay"
	"shadow-router/internal/shadow"
)

// Health is the status record served to the HTTP layer.
type Health struct {
	BrokerConnected bool     `json:"mqtt_connected"`
	ListenerActive  bool     `json:"listener_active"`
	BridgeActive    bool     `json:"bridge_active"`
	IsHealthy       bool     `json:"is_healthy"`
	Errors          []string `json:"errors"`
}

// connectionProbe and activeProbe are the health-check views of the
// supervised components.
type connectionProbe interface {
	IsConnected() bool
}

type activeProbe interface {
	IsActive() bool
}

// Service owns every long-running component of the router.
type Service struct {
	logger  *logger.Logger
	config  *config.Config
	metrics *metrics.Metrics

	mongoClient *mongo.Client
	store       *shadow.Store
	broker      broker.Broker
	listener    *capture.Listener
	relay       *relay.Relay
	hub         *bridge.Hub
	bridge      *bridge.Bridge
	wsServer    *bridge.Server
	httpServer  *http.Server
	collector   *metrics.MetricsCollector

	brokerProbe   connectionProbe
	listenerProbe activeProbe
	bridgeProbe   activeProbe

	healthMu     sync.Mutex
	errorHistory []string

	reconnecting atomic.Bool
	started      atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewService creates an unstarted service.
func NewService(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Service {
	return &Service{
		logger:  log,
		config:  cfg,
		metrics: metricsService,
	}
}

// Initialize connects the store and broker, wires the pipeline and
// starts every supervised task. Broker unreachability here is fatal
// and propagated; everything after startup is retried internally.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("service already initialized")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.connectMongo(ctx); err != nil {
		cancel()
		s.started.Store(false)
		return err
	}

	s.store = shadow.NewStore(s.mongoClient, s.config.Mongo.Database, s.config.Mongo.ShadowCollection, s.logger)

	var err error
	s.broker, err = s.newBroker()
	if err != nil {
		cancel()
		s.started.Store(false)
		return err
	}
	s.brokerProbe = s.broker

	if err := s.connectBrokerWithRetry(ctx); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("broker unreachable at startup: %w", err)
	}

	db := s.mongoClient.Database(s.config.Mongo.Database)
	s.listener = capture.NewListener(db, s.config, s.logger, s.metrics)
	s.listenerProbe = s.listener

	s.relay = relay.New(s.broker, s.config.Topics.Prefix, s.logger, s.metrics)
	s.listener.AddHandler(s.relay.HandleChangeEvent)

	s.hub = bridge.NewHub(s.logger, s.metrics)
	pending := shadow.NewPendingHandler(s.store, s.logger)
	s.wsServer = bridge.NewServer(s.hub, s.store, pending, s.config, s.logger, s.metrics)
	s.bridge = bridge.NewBridge(s.broker, s.hub, s.config, s.logger, s.metrics)
	s.bridgeProbe = s.bridge

	if err := s.listener.Start(runCtx); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start change capture: %w", err)
	}

	if err := s.bridge.Start(runCtx); err != nil {
		s.recordError(fmt.Sprintf("bridge start: %v", err))
	}

	s.startWebSocketServer()

	if s.metrics != nil {
		s.collector = metrics.NewMetricsCollector(s.metrics, s.config.Metrics.UpdateIntervalDuration())
		s.collector.AddSource(s.bridge)
		s.collector.Start()
	}

	s.wg.Add(1)
	go s.healthLoop(runCtx)

	s.logger.Info("service initialized",
		"broker", s.config.Broker.Type,
		"prefix", s.config.Topics.Prefix)
	return nil
}

// newBroker constructs the configured backend.
func (s *Service) newBroker() (broker.Broker, error) {
	switch s.config.Broker.Type {
	case config.BrokerTypeMQTT:
		return mqttbroker.NewBroker(s.config, s.logger, s.metrics)
	case config.BrokerTypeNATS:
		return natsbroker.NewBroker(s.config, s.logger, s.metrics)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", s.config.Broker.Type)
	}
}

// connectMongo dials the store and verifies connectivity.
func (s *Service) connectMongo(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.config.Mongo.ConnectTimeoutDuration())
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.config.Mongo.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}

	s.mongoClient = client
	s.logger.Info("connected to mongodb", "database", s.config.Mongo.Database)
	return nil
}

// connectBrokerWithRetry performs the bounded startup connect loop.
func (s *Service) connectBrokerWithRetry(ctx context.Context) error {
	maxAttempts := s.config.Bridge.MaxReconnectTries
	base := s.config.Bridge.ReconnectBase()
	maxDelay := s.config.Bridge.ReconnectMax()

	var lastErr error
	delay := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = s.broker.Connect(connectCtx)
		cancel()
		if lastErr == nil {
			if s.metrics != nil {
				s.metrics.SetBrokerConnectionStatus(true)
			}
			return nil
		}

		s.logger.Warn("broker connect failed",
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		s.recordError(fmt.Sprintf("broker connect attempt %d: %v", attempt, lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}

// startWebSocketServer serves the bridge's client endpoint.
func (s *Service) startWebSocketServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Bridge.WebSocketPath, s.wsServer.ServeWS)

	s.httpServer = &http.Server{
		Addr:    s.config.Bridge.ListenAddress,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("websocket server listening",
			"address", s.config.Bridge.ListenAddress,
			"path", s.config.Bridge.WebSocketPath)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", "error", err)
			s.recordError(fmt.Sprintf("websocket server: %v", err))
		}
	}()
}

// healthLoop periodically records component health and re-arms the
// broker retry when the bridge has given up.
func (s *Service) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Health.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth inspects the probes. A broker outage the bridge is still
// retrying is left alone; once the bridge is in its terminal state the
// service re-runs the bounded connect procedure itself.
func (s *Service) checkHealth(ctx context.Context) {
	connected := s.brokerProbe.IsConnected()
	if s.metrics != nil {
		s.metrics.SetBrokerConnectionStatus(connected)
	}

	if !s.listenerProbe.IsActive() {
		s.recordError("change capture listener inactive")
	}

	if connected || s.bridgeProbe.IsActive() {
		return
	}

	s.recordError("broker disconnected and bridge retries exhausted")
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.reconnecting.Store(false)
		if err := s.connectBrokerWithRetry(ctx); err != nil {
			s.logger.Error("health-triggered reconnect failed", "error", err)
		}
	}()
}

// recordError appends to the bounded error history.
func (s *Service) recordError(msg string) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	limit := s.config.Health.ErrorHistory
	if limit <= 0 {
		limit = 10
	}

	entry := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), msg)
	s.errorHistory = append(s.errorHistory, entry)
	if len(s.errorHistory) > limit {
		s.errorHistory = s.errorHistory[len(s.errorHistory)-limit:]
	}
}

// HealthStatus returns the current health record.
func (s *Service) HealthStatus() Health {
	s.healthMu.Lock()
	errs := make([]string, len(s.errorHistory))
	copy(errs, s.errorHistory)
	s.healthMu.Unlock()

	h := Health{
		BrokerConnected: s.brokerProbe != nil && s.brokerProbe.IsConnected(),
		ListenerActive:  s.listenerProbe != nil && s.listenerProbe.IsActive(),
		BridgeActive:    s.bridgeProbe != nil && s.bridgeProbe.IsActive(),
		Errors:          errs,
	}
	h.IsHealthy = h.BrokerConnected && h.ListenerActive && h.BridgeActive
	return h
}

// Shutdown stops every supervised task within the context's grace
// period. Errors during teardown are logged, never returned.
func (s *Service) Shutdown(ctx context.Context) {
	if !s.started.CompareAndSwap(true, false) {
		return
	}

	s.logger.Info("shutting down service")

	if s.collector != nil {
		s.collector.Stop()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("websocket server shutdown failed", "error", err)
		}
	}

	if s.bridge != nil {
		s.bridge.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.listener != nil {
		s.listener.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period expired before tasks finished")
	}

	if s.broker != nil {
		s.broker.Disconnect()
	}

	if s.mongoClient != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mongoClient.Disconnect(disconnectCtx); err != nil {
			s.logger.Error("mongodb disconnect failed", "error", err)
		}
	}

	s.logger.Info("service stopped")
}
