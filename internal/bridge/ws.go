package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shadow-router/config"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/shadow"
)

// errClientGone marks a delivery to a closed session.
var errClientGone = errors.New("client connection closed")

const requestTimeout = 5 * time.Second

// ShadowAccess is the slice of the store the websocket request path
// needs.
type ShadowAccess interface {
	Get(ctx context.Context, deviceID string) (*shadow.Shadow, error)
	Create(ctx context.Context, deviceID string, state map[string]interface{}) (*shadow.Shadow, error)
}

// StateChangeHandler accepts desired-state change requests.
type StateChangeHandler interface {
	HandleStateChangeRequest(ctx context.Context, deviceID string, request map[string]interface{}) (bool, error)
}

// Server upgrades client connections and serves the shadow request
// protocol over them.
type Server struct {
	logger   *logger.Logger
	config   *config.Config
	metrics  *metrics.Metrics
	hub      *Hub
	store    ShadowAccess
	pending  StateChangeHandler
	mapper   shadow.Mapper
	upgrader websocket.Upgrader
}

// NewServer creates the websocket endpoint handler.
func NewServer(hub *Hub, store ShadowAccess, pending StateChangeHandler, cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Server {
	return &Server{
		logger:  log,
		config:  cfg,
		metrics: metricsService,
		hub:     hub,
		store:   store,
		pending: pending,
		mapper:  shadow.NewMapper(cfg.Topics.Prefix),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// ServeWS upgrades the HTTP connection and starts the client pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:       uuid.NewString(),
		server:   s,
		conn:     conn,
		send:     make(chan []byte, s.config.Bridge.SendBufferSize),
		filters:  make(map[string]struct{}),
		versions: make(map[string]int64),
	}

	s.hub.Add(client)

	go client.writePump()
	go client.readPump()
}

// WSClient is one connected websocket session.
type WSClient struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	closed atomic.Bool

	mu       sync.RWMutex
	filters  map[string]struct{}
	versions map[string]int64
}

// ID implements session.
func (c *WSClient) ID() string { return c.id }

// Matches implements session: true when any live filter matches the
// topic.
func (c *WSClient) Matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for f := range c.filters {
		if shadow.MatchTopic(topic, f) {
			return true
		}
	}
	return false
}

// LastVersion implements session. Versions are tracked per device and
// topic because one change event carries the same version on every
// topic it fans out to.
func (c *WSClient) LastVersion(deviceID, topic string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[versionKey(deviceID, topic)]
}

// StoreVersion implements session.
func (c *WSClient) StoreVersion(deviceID, topic string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := versionKey(deviceID, topic)
	if version > c.versions[key] {
		c.versions[key] = version
	}
}

func versionKey(deviceID, topic string) string {
	return deviceID + "\x00" + topic
}

// FilterCount implements session.
func (c *WSClient) FilterCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Deliver implements session. A full send buffer drops the message but
// keeps the client; a closed session reports errClientGone so the hub
// removes it.
func (c *WSClient) Deliver(payload []byte) (err error) {
	if c.closed.Load() {
		return errClientGone
	}

	defer func() {
		if recover() != nil {
			err = errClientGone
		}
	}()

	select {
	case c.send <- payload:
		return nil
	default:
		return errSlowClient
	}
}

// Close implements session. Only the first call closes the channel.
func (c *WSClient) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.send)
	c.conn.Close()
}

// readPump reads client frames until the connection drops.
func (c *WSClient) readPump() {
	defer func() {
		c.server.hub.Remove(c.id)
		c.conn.Close()
	}()

	cfg := c.server.config.Bridge
	deadline := cfg.PingEvery() + cfg.PongWait()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "clientId", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleFrame(message)
	}
}

// writePump writes outbound frames and protocol pings.
func (c *WSClient) writePump() {
	cfg := c.server.config.Bridge
	ticker := time.NewTicker(cfg.PingEvery())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongWait()))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame decodes one client frame and dispatches on its type.
func (c *WSClient) handleFrame(data []byte) {
	env, err := shadow.DecodeEnvelope(data)
	if err != nil {
		c.server.logger.Debug("dropping malformed client frame",
			"clientId", c.id,
			"error", err)
		if c.server.metrics != nil {
			c.server.metrics.IncDroppedMessages("malformed")
		}
		c.sendError("", err.Error())
		return
	}

	start := time.Now()
	switch env.Type {
	case shadow.MessageSubscribe:
		c.handleSubscribe(env)
	case shadow.MessageUnsubscribe:
		c.handleUnsubscribe(env)
	case shadow.MessageGetShadow:
		c.handleGetShadow(env)
	case shadow.MessageUpdateDesired:
		c.handleUpdateDesired(env)
	case shadow.MessageCreateShadow:
		c.handleCreateShadow(env)
	case shadow.MessagePing:
		c.sendEnvelope(&shadow.Envelope{Type: shadow.MessagePong, RequestID: env.RequestID})
	default:
		c.sendError(env.RequestID, "unexpected message type: "+string(env.Type))
	}

	if c.server.metrics != nil {
		c.server.metrics.ObserveRequestDuration(string(env.Type), time.Since(start))
	}
}

// filtersFor maps a subscribe request to topic filters. Without fields
// the client gets every shadow topic for the device; with fields, the
// aggregate topics plus one namespaced filter per field.
func (c *WSClient) filtersFor(deviceID string, fields []string) []string {
	if len(fields) == 0 {
		return []string{c.server.mapper.FieldTopic(deviceID, "#")}
	}

	filters := []string{
		c.server.mapper.AggregateTopic(deviceID, shadow.OperationInsert),
		c.server.mapper.AggregateTopic(deviceID, shadow.OperationUpdate),
		c.server.mapper.AggregateTopic(deviceID, shadow.OperationDelete),
	}
	for _, f := range fields {
		filters = append(filters, c.server.mapper.FieldTopic(deviceID, "+."+f))
	}
	return filters
}

func (c *WSClient) handleSubscribe(env *shadow.Envelope) {
	if env.DeviceID == "" {
		c.sendError(env.RequestID, "device_id is required")
		return
	}

	filters := c.filtersFor(env.DeviceID, env.Fields)
	for _, f := range filters {
		if err := shadow.ValidateFilter(f); err != nil {
			c.sendError(env.RequestID, "invalid subscription filter: "+err.Error())
			return
		}
	}

	c.mu.Lock()
	for _, f := range filters {
		c.filters[f] = struct{}{}
	}
	c.mu.Unlock()

	c.server.logger.Info("client subscribed",
		"clientId", c.id,
		"deviceId", env.DeviceID,
		"fields", env.Fields)

	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageSubscriptionConfirmed,
		RequestID: env.RequestID,
		DeviceID:  env.DeviceID,
		Fields:    env.Fields,
		Success:   boolPtr(true),
	})
}

func (c *WSClient) handleUnsubscribe(env *shadow.Envelope) {
	if env.DeviceID == "" {
		c.sendError(env.RequestID, "device_id is required")
		return
	}

	c.mu.Lock()
	for f := range c.filters {
		segments := shadow.SplitTopic(f)
		if len(segments) > 1 && segments[1] == env.DeviceID {
			delete(c.filters, f)
		}
	}
	c.mu.Unlock()

	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageSubscriptionConfirmed,
		RequestID: env.RequestID,
		DeviceID:  env.DeviceID,
		Success:   boolPtr(true),
	})
}

func (c *WSClient) handleGetShadow(env *shadow.Envelope) {
	if env.DeviceID == "" {
		c.sendError(env.RequestID, "device_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sh, err := c.server.store.Get(ctx, env.DeviceID)
	if err != nil {
		if errors.Is(err, shadow.ErrNotFound) {
			c.sendError(env.RequestID, "shadow not found")
		} else {
			c.server.logger.Error("get shadow failed",
				"deviceId", env.DeviceID,
				"error", err)
			c.sendError(env.RequestID, "internal error")
		}
		return
	}

	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageGetShadow,
		RequestID: env.RequestID,
		DeviceID:  sh.DeviceID,
		Reported:  sh.Reported,
		Desired:   sh.Desired,
		Version:   sh.Version,
		Timestamp: sh.Timestamp.UTC().Format(time.RFC3339),
		Success:   boolPtr(true),
	})
}

func (c *WSClient) handleUpdateDesired(env *shadow.Envelope) {
	if env.DeviceID == "" {
		c.sendError(env.RequestID, "device_id is required")
		return
	}
	if len(env.Desired) == 0 {
		c.sendError(env.RequestID, "desired is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ok, err := c.server.pending.HandleStateChangeRequest(ctx, env.DeviceID, env.Desired)
	if !ok {
		if errors.Is(err, shadow.ErrNotFound) {
			c.sendError(env.RequestID, "shadow not found")
		} else {
			c.server.logger.Error("desired update failed",
				"deviceId", env.DeviceID,
				"error", err)
			c.sendError(env.RequestID, "internal error")
		}
		return
	}

	sh, err := c.server.store.Get(ctx, env.DeviceID)
	if err != nil {
		c.sendError(env.RequestID, "internal error")
		return
	}

	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageUpdateDesired,
		RequestID: env.RequestID,
		DeviceID:  env.DeviceID,
		Version:   sh.Version,
		Success:   boolPtr(true),
	})
}

func (c *WSClient) handleCreateShadow(env *shadow.Envelope) {
	if env.DeviceID == "" {
		c.sendError(env.RequestID, "device_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sh, err := c.server.store.Create(ctx, env.DeviceID, env.State)
	if err != nil {
		c.server.logger.Error("create shadow failed",
			"deviceId", env.DeviceID,
			"error", err)
		c.sendError(env.RequestID, err.Error())
		return
	}

	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageCreateShadow,
		RequestID: env.RequestID,
		DeviceID:  sh.DeviceID,
		Version:   sh.Version,
		Success:   boolPtr(true),
	})
}

// sendEnvelope marshals and queues a frame for the write pump.
func (c *WSClient) sendEnvelope(env *shadow.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.Deliver(data); err != nil {
		c.server.logger.Debug("response dropped",
			"clientId", c.id,
			"error", err)
	}
}

func (c *WSClient) sendError(requestID, message string) {
	c.sendEnvelope(&shadow.Envelope{
		Type:      shadow.MessageError,
		RequestID: requestID,
		Error:     message,
		Success:   boolPtr(false),
	})
}

func boolPtr(b bool) *bool { return &b }
