package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/shadow"
)

// errSlowClient marks a delivery skipped because the client's send
// buffer is full. The client stays subscribed.
var errSlowClient = errors.New("client send buffer full")

// session is the hub's view of a connected client. Implemented by
// WSClient; kept narrow so fan-out behavior is testable without
// sockets.
type session interface {
	ID() string
	Matches(topic string) bool
	LastVersion(deviceID, topic string) int64
	StoreVersion(deviceID, topic string, version int64)
	FilterCount() int
	Deliver(payload []byte) error
	Close()
}

// Hub tracks live client sessions and fans broker messages out to the
// subset whose filters match.
type Hub struct {
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]session
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger, metricsService *metrics.Metrics) *Hub {
	return &Hub{
		logger:   log,
		metrics:  metricsService,
		sessions: make(map[string]session),
	}
}

// Add registers a session for fan-out.
func (h *Hub) Add(s session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Debug("client connected", "clientId", s.ID(), "clients", count)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(float64(count))
	}
}

// Remove drops a session. Safe to call for an already-removed session.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, existed := h.sessions[id]
	delete(h.sessions, id)
	count := len(h.sessions)
	h.mu.Unlock()

	if !existed {
		return
	}
	s.Close()
	h.logger.Debug("client disconnected", "clientId", id, "clients", count)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(float64(count))
	}
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SubscriptionCount sums the filters across all sessions.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, s := range h.sessions {
		total += s.FilterCount()
	}
	return total
}

// CloseAll disconnects every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if h.metrics != nil {
		h.metrics.SetConnectedClients(0)
	}
}

// Route fans one broker message out to every matching session. A
// failing session is removed without affecting delivery to the rest; a
// message matching nobody is dropped on the topic check alone, without
// parsing the payload.
func (h *Hub) Route(topic string, payload []byte) {
	// Sessions are matched against a snapshot so connection churn during
	// fan-out cannot invalidate the iteration.
	h.mu.RLock()
	matched := make([]session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.Matches(topic) {
			matched = append(matched, s)
		}
	}
	h.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	var event shadow.EventEnvelope
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("dropping malformed broker message",
			"topic", topic,
			"error", err)
		if h.metrics != nil {
			h.metrics.IncDroppedMessages("malformed")
		}
		return
	}

	var push []byte
	delivered := 0
	for _, s := range matched {
		// One change event fans out to several topics carrying the same
		// version, so replays are detected per (device, topic).
		if event.Version > 0 && event.Version <= s.LastVersion(event.DeviceID, topic) {
			h.logger.Debug("skipping stale version for client",
				"clientId", s.ID(),
				"deviceId", event.DeviceID,
				"topic", topic,
				"version", event.Version)
			if h.metrics != nil {
				h.metrics.IncDroppedMessages("stale_version")
			}
			continue
		}

		if push == nil {
			push = marshalPush(&event)
			if push == nil {
				return
			}
		}

		if err := s.Deliver(push); err != nil {
			if errors.Is(err, errSlowClient) {
				h.logger.Warn("dropping message for slow client",
					"clientId", s.ID(),
					"topic", topic)
				if h.metrics != nil {
					h.metrics.IncDroppedMessages("slow_client")
				}
				continue
			}
			h.logger.Warn("removing dead client from fan-out",
				"clientId", s.ID(),
				"error", err)
			h.Remove(s.ID())
			continue
		}

		if event.Version > 0 {
			s.StoreVersion(event.DeviceID, topic, event.Version)
		}
		delivered++
	}

	if delivered > 0 {
		h.logger.Debug("fan-out complete",
			"topic", topic,
			"recipients", delivered)
	}
}

// marshalPush builds the shadow_update frame sent to clients.
func marshalPush(event *shadow.EventEnvelope) []byte {
	push := shadow.Envelope{
		Type:      shadow.MessageShadowUpdate,
		DeviceID:  event.DeviceID,
		Operation: event.Operation,
		Version:   event.Version,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	}

	if doc, ok := event.Data.(map[string]interface{}); ok {
		if reported, ok := doc[shadow.NamespaceReported].(map[string]interface{}); ok {
			push.Reported = reported
		}
		if desired, ok := doc[shadow.NamespaceDesired].(map[string]interface{}); ok {
			push.Desired = desired
		}
	}

	data, err := json.Marshal(&push)
	if err != nil {
		return nil
	}
	return data
}
