// Package client is the device-side shadow adapter: it speaks the
// bridge's websocket protocol, caches the shadow locally and fans
// pushed updates out to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shadow-router/internal/logger"
	"shadow-router/internal/shadow"
)

var (
	// ErrNotConnected is returned for requests issued before Connect.
	ErrNotConnected = errors.New("client not connected")
	// ErrTimeout is returned when the bridge does not answer in time.
	ErrTimeout = errors.New("request timed out")
	// ErrNotFound mirrors the store-level not-found condition.
	ErrNotFound = shadow.ErrNotFound
)

// ShadowUpdate is the normalized event handed to update handlers.
type ShadowUpdate struct {
	DeviceID  string
	Operation shadow.Operation
	Reported  map[string]interface{}
	Desired   map[string]interface{}
	Version   int64
	Timestamp string
}

// UpdateHandler consumes pushed shadow updates. Handlers run on the
// read loop goroutine; a panicking handler is logged and skipped.
type UpdateHandler func(update *ShadowUpdate)

// Options configures a shadow client.
type Options struct {
	// URL is the bridge websocket endpoint, e.g. ws://host:8090/ws.
	URL string
	// DeviceID is the device this adapter shadows.
	DeviceID string
	// RequestTimeout bounds request/response calls. Defaults to 10s.
	RequestTimeout time.Duration
}

// ShadowClient is one device's connection to the bridge.
type ShadowClient struct {
	logger *logger.Logger
	opts   Options

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *shadow.Envelope

	handlersMu sync.RWMutex
	handlers   []UpdateHandler

	cacheMu sync.RWMutex
	cache   *shadow.Shadow

	connected atomic.Bool
	done      chan struct{}
}

// NewShadowClient creates a disconnected client.
func NewShadowClient(opts Options, log *logger.Logger) *ShadowClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &ShadowClient{
		logger:  log,
		opts:    opts,
		pending: make(map[string]chan *shadow.Envelope),
	}
}

// Connect dials the bridge and starts the read loop.
func (c *ShadowClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.connected.Store(true)

	go c.readLoop()

	c.logger.Info("shadow client connected",
		"deviceId", c.opts.DeviceID,
		"url", c.opts.URL)
	return nil
}

// Disconnect closes the connection and fails outstanding requests.
func (c *ShadowClient) Disconnect() {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	close(c.done)
	c.conn.Close()
	c.failPending()
	c.logger.Info("shadow client disconnected", "deviceId", c.opts.DeviceID)
}

// Subscribe asks the bridge for pushed updates, optionally narrowed to
// specific fields.
func (c *ShadowClient) Subscribe(ctx context.Context, fields ...string) error {
	resp, err := c.request(ctx, &shadow.Envelope{
		Type:     shadow.MessageSubscribe,
		DeviceID: c.opts.DeviceID,
		Fields:   fields,
	})
	if err != nil {
		return err
	}
	if resp.Type != shadow.MessageSubscriptionConfirmed {
		return fmt.Errorf("unexpected subscribe response type %q", resp.Type)
	}
	return nil
}

// Unsubscribe removes this device's subscriptions.
func (c *ShadowClient) Unsubscribe(ctx context.Context) error {
	_, err := c.request(ctx, &shadow.Envelope{
		Type:     shadow.MessageUnsubscribe,
		DeviceID: c.opts.DeviceID,
	})
	return err
}

// GetCurrentState returns the cached shadow, fetching it from the
// bridge on first use.
func (c *ShadowClient) GetCurrentState(ctx context.Context) (*shadow.Shadow, error) {
	c.cacheMu.RLock()
	cached := c.cache
	c.cacheMu.RUnlock()
	if cached != nil {
		return copyShadow(cached), nil
	}

	resp, err := c.request(ctx, &shadow.Envelope{
		Type:     shadow.MessageGetShadow,
		DeviceID: c.opts.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	sh := &shadow.Shadow{
		DeviceID: c.opts.DeviceID,
		Reported: resp.Reported,
		Desired:  resp.Desired,
		Version:  resp.Version,
	}
	if ts, err := time.Parse(time.RFC3339, resp.Timestamp); err == nil {
		sh.Timestamp = ts
	}

	c.cacheMu.Lock()
	c.cache = sh
	c.cacheMu.Unlock()

	return copyShadow(sh), nil
}

// UpdateDesiredState sends a partial desired-state request. On success
// the acknowledged fields are merged into the cache and the cached
// version bumps to the acknowledged one.
func (c *ShadowClient) UpdateDesiredState(ctx context.Context, partial map[string]interface{}) (int64, error) {
	if len(partial) == 0 {
		return 0, fmt.Errorf("desired state update is empty")
	}

	resp, err := c.request(ctx, &shadow.Envelope{
		Type:     shadow.MessageUpdateDesired,
		DeviceID: c.opts.DeviceID,
		Desired:  partial,
	})
	if err != nil {
		return 0, err
	}

	c.cacheMu.Lock()
	if c.cache != nil {
		if c.cache.Desired == nil {
			c.cache.Desired = make(map[string]interface{}, len(partial))
		}
		for k, v := range partial {
			c.cache.Desired[k] = v
		}
		if resp.Version > c.cache.Version {
			c.cache.Version = resp.Version
		}
	}
	c.cacheMu.Unlock()

	return resp.Version, nil
}

// CreateShadow registers the device with an initial reported state.
func (c *ShadowClient) CreateShadow(ctx context.Context, initial map[string]interface{}) (int64, error) {
	resp, err := c.request(ctx, &shadow.Envelope{
		Type:     shadow.MessageCreateShadow,
		DeviceID: c.opts.DeviceID,
		State:    initial,
	})
	if err != nil {
		return 0, err
	}

	c.cacheMu.Lock()
	c.cache = &shadow.Shadow{
		DeviceID:  c.opts.DeviceID,
		Reported:  initial,
		Desired:   map[string]interface{}{},
		Version:   resp.Version,
		Timestamp: time.Now().UTC(),
	}
	c.cacheMu.Unlock()

	return resp.Version, nil
}

// AddUpdateHandler registers a handler for pushed shadow updates.
func (c *ShadowClient) AddUpdateHandler(h UpdateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// request sends one correlated request and waits for its response.
func (c *ShadowClient) request(ctx context.Context, env *shadow.Envelope) (*shadow.Envelope, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	env.RequestID = uuid.NewString()
	ch := make(chan *shadow.Envelope, 1)

	c.pendMu.Lock()
	c.pending[env.RequestID] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Type == shadow.MessageError {
			if resp.Error == "shadow not found" {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("request failed: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.opts.RequestTimeout):
		return nil, ErrTimeout
	}
}

func (c *ShadowClient) write(env *shadow.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches inbound frames: correlated responses to their
// waiters, pushed updates to the handler list.
func (c *ShadowClient) readLoop() {
	defer c.Disconnect()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("bridge connection lost", "error", err)
			}
			return
		}

		env, err := shadow.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame from bridge", "error", err)
			continue
		}

		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope.
func (c *ShadowClient) dispatch(env *shadow.Envelope) {
	if env.Type == shadow.MessageShadowUpdate {
		c.handleShadowUpdate(env)
		return
	}

	if env.RequestID == "" {
		c.logger.Debug("uncorrelated frame from bridge", "type", env.Type)
		return
	}

	c.pendMu.Lock()
	ch, ok := c.pending[env.RequestID]
	delete(c.pending, env.RequestID)
	c.pendMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request",
			"type", env.Type,
			"requestId", env.RequestID)
		return
	}
	ch <- env
}

// handleShadowUpdate refreshes the cache and fans the update out to
// every registered handler, isolating panics per handler.
func (c *ShadowClient) handleShadowUpdate(env *shadow.Envelope) {
	if env.DeviceID != c.opts.DeviceID {
		return
	}

	update := &ShadowUpdate{
		DeviceID:  env.DeviceID,
		Operation: env.Operation,
		Reported:  env.Reported,
		Desired:   env.Desired,
		Version:   env.Version,
		Timestamp: env.Timestamp,
	}

	c.cacheMu.Lock()
	if c.cache != nil && env.Version > c.cache.Version {
		c.cache.Version = env.Version
		for k, v := range env.Reported {
			if c.cache.Reported == nil {
				c.cache.Reported = make(map[string]interface{})
			}
			c.cache.Reported[k] = v
		}
		for k, v := range env.Desired {
			if c.cache.Desired == nil {
				c.cache.Desired = make(map[string]interface{})
			}
			c.cache.Desired[k] = v
		}
	}
	c.cacheMu.Unlock()

	c.handlersMu.RLock()
	handlers := make([]UpdateHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for i, h := range handlers {
		c.invokeHandler(i, h, update)
	}
}

func (c *ShadowClient) invokeHandler(idx int, h UpdateHandler, update *ShadowUpdate) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("update handler panicked",
				"handler", idx,
				"deviceId", update.DeviceID,
				"panic", r)
		}
	}()
	h(update)
}

// failPending closes every outstanding waiter channel.
func (c *ShadowClient) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func copyShadow(sh *shadow.Shadow) *shadow.Shadow {
	out := &shadow.Shadow{
		DeviceID:  sh.DeviceID,
		Reported:  make(map[string]interface{}, len(sh.Reported)),
		Desired:   make(map[string]interface{}, len(sh.Desired)),
		Version:   sh.Version,
		Timestamp: sh.Timestamp,
	}
	for k, v := range sh.Reported {
		out.Reported[k] = v
	}
	for k, v := range sh.Desired {
		out.Desired[k] = v
	}
	return out
}
