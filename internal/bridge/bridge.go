// Package bridge relays broker messages to connected websocket clients
// and owns the broker connection lifecycle, including reconnect policy.
package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shadow-router/config"
	"shadow-router/internal/broker"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/shadow"
)

// Priority orders subscription establishment so device data is never
// delayed behind diagnostic feeds.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// classifyFilter buckets a subscription filter: shadow/device topics
// are high, system and diagnostic topics low, everything else normal.
func classifyFilter(filter string) Priority {
	segments := shadow.SplitTopic(filter)
	if len(segments) == 0 {
		return PriorityNormal
	}
	switch segments[0] {
	case "$SYS", "sys", "system":
		return PriorityLow
	}
	for _, s := range segments {
		if s == "shadow" || s == "devices" {
			return PriorityHigh
		}
	}
	return PriorityNormal
}

// Bridge owns the broker-side connection state machine and the set of
// broker subscriptions backing client fan-out.
type Bridge struct {
	logger  *logger.Logger
	config  *config.Config
	metrics *metrics.Metrics
	broker  broker.Broker
	hub     *Hub

	mu            sync.Mutex
	state         broker.State
	attempts      int
	retryInFlight bool

	subscribed  map[string]struct{}
	pendingSubs map[string]struct{}

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge over an already-constructed broker and hub.
func NewBridge(b broker.Broker, hub *Hub, cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Bridge {
	return &Bridge{
		logger:      log,
		config:      cfg,
		metrics:     metricsService,
		broker:      b,
		hub:         hub,
		state:       broker.StateDisconnected,
		subscribed:  make(map[string]struct{}),
		pendingSubs: make(map[string]struct{}),
	}
}

// Start connects (if the broker is not already connected), establishes
// the shadow subscription and launches the pending-subscription retry
// loop. Idempotent; a second call is a no-op.
func (s *Bridge) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.broker.OnConnectionLost(s.handleConnectionLost)

	s.mu.Lock()
	s.state = broker.StateConnecting
	s.mu.Unlock()

	if !s.broker.IsConnected() {
		if err := s.broker.Connect(s.ctx); err != nil {
			s.logger.Error("bridge initial connect failed", "error", err)
			s.handleConnectionLost(err)
			return err
		}
	}

	s.mu.Lock()
	s.state = broker.StateConnected
	s.mu.Unlock()

	mapper := shadow.NewMapper(s.config.Topics.Prefix)
	filter := mapper.AllShadowsFilter()
	s.broker.RegisterHandler(filter, s.handleBrokerMessage)
	s.AddSubscriptions(filter)

	s.wg.Add(1)
	go s.pendingRetryLoop(s.ctx)

	s.logger.Info("bridge started", "filter", filter)
	return nil
}

// Stop cancels the bridge's background tasks and disconnects every
// client. Idempotent.
func (s *Bridge) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.hub.CloseAll()

	s.mu.Lock()
	s.state = broker.StateDisconnected
	s.mu.Unlock()
	s.logger.Info("bridge stopped")
}

// State returns the current connection state.
func (s *Bridge) State() broker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the bridge is running and not in the
// terminal error state.
func (s *Bridge) IsActive() bool {
	return s.started.Load() && s.State() != broker.StateError
}

// AddSubscriptions subscribes to broker filters in priority order.
// Failures land in the pending set for the background retry loop.
func (s *Bridge) AddSubscriptions(filters ...string) {
	ordered := make([]string, len(filters))
	copy(ordered, filters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return classifyFilter(ordered[i]) < classifyFilter(ordered[j])
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(ordered)
}

// subscribeLocked attempts each filter, tracking outcomes. Callers hold
// s.mu.
func (s *Bridge) subscribeLocked(filters []string) {
	for _, f := range filters {
		if err := s.broker.Subscribe([]string{f}); err != nil {
			s.logger.Warn("subscription deferred", "filter", f, "error", err)
			s.pendingSubs[f] = struct{}{}
			continue
		}
		s.subscribed[f] = struct{}{}
		delete(s.pendingSubs, f)
	}
	s.updateSubscriptionMetrics()
}

// resubscribeAll re-establishes the union of confirmed and pending
// filters after a reconnect. Best effort; leftovers stay pending.
func (s *Bridge) resubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	union := make([]string, 0, len(s.subscribed)+len(s.pendingSubs))
	for f := range s.subscribed {
		union = append(union, f)
		delete(s.subscribed, f)
	}
	for f := range s.pendingSubs {
		union = append(union, f)
	}
	sort.SliceStable(union, func(i, j int) bool {
		return classifyFilter(union[i]) < classifyFilter(union[j])
	})

	s.subscribeLocked(union)
}

// pendingRetryLoop retries deferred subscriptions with its own backoff,
// independent of the connection-level retry.
func (s *Bridge) pendingRetryLoop(ctx context.Context) {
	defer s.wg.Done()

	delay := s.config.Bridge.ReconnectBase()
	const maxDelay = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if len(s.pendingSubs) == 0 || !s.broker.IsConnected() {
			s.mu.Unlock()
			delay = s.config.Bridge.ReconnectBase()
			continue
		}

		retry := make([]string, 0, len(s.pendingSubs))
		for f := range s.pendingSubs {
			retry = append(retry, f)
		}
		sort.SliceStable(retry, func(i, j int) bool {
			return classifyFilter(retry[i]) < classifyFilter(retry[j])
		})
		before := len(s.pendingSubs)
		s.subscribeLocked(retry)
		after := len(s.pendingSubs)
		s.mu.Unlock()

		if after < before {
			delay = s.config.Bridge.ReconnectBase()
		} else if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// handleConnectionLost drives Connected/Connecting into Reconnecting
// and schedules the single retry task.
func (s *Bridge) handleConnectionLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == broker.StateError || (s.state == broker.StateDisconnected && !s.started.Load()) {
		return
	}

	s.state = broker.StateReconnecting
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms at most one retry task. Re-entrant calls
// while a retry is pending are no-ops. Callers hold s.mu.
func (s *Bridge) scheduleReconnectLocked() {
	if s.retryInFlight {
		return
	}

	s.attempts++
	if s.attempts > s.config.Bridge.MaxReconnectTries {
		s.state = broker.StateError
		s.logger.Error("reconnect attempts exhausted, manual restart required",
			"attempts", s.attempts-1)
		return
	}

	delay := computeBackoff(s.attempts, s.config.Bridge.ReconnectBase(), s.config.Bridge.ReconnectMax())
	s.retryInFlight = true

	s.logger.Warn("scheduling broker reconnect",
		"attempt", s.attempts,
		"delay", delay)

	s.wg.Add(1)
	go s.retryAfter(delay)
}

// retryAfter waits out the backoff and performs one connect attempt.
func (s *Bridge) retryAfter(delay time.Duration) {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		s.mu.Lock()
		s.retryInFlight = false
		s.mu.Unlock()
		return
	case <-time.After(delay):
	}

	s.mu.Lock()
	s.state = broker.StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	err := s.broker.Connect(ctx)
	cancel()

	s.mu.Lock()
	s.retryInFlight = false
	if err != nil {
		s.logger.Error("reconnect attempt failed", "error", err)
		s.state = broker.StateReconnecting
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}

	s.state = broker.StateConnected
	s.attempts = 0
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncBrokerReconnects()
	}
	s.logger.Info("broker reconnected, restoring subscriptions")
	s.resubscribeAll()
}

// handleBrokerMessage fans an inbound broker message out to clients.
func (s *Bridge) handleBrokerMessage(msg *broker.Message) {
	s.hub.Route(msg.Topic, msg.Payload)
}

func (s *Bridge) updateSubscriptionMetrics() {
	if s.metrics != nil {
		s.metrics.SetPendingSubscriptions(float64(len(s.pendingSubs)))
	}
}

// Gauge source hooks for the periodic metrics collector.

func (s *Bridge) ConnectedClients() int { return s.hub.ClientCount() }

func (s *Bridge) SubscriptionCount() int { return s.hub.SubscriptionCount() }

func (s *Bridge) PendingSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingSubs)
}

// computeBackoff returns base*2^(attempt-1) capped at max.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
