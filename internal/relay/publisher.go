// Package relay publishes normalized change events onto the shadow
// topic hierarchy.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"shadow-router/internal/broker"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/shadow"
)

// Source tags every relay publish for downstream tracing.
const Source = "shadow-router"

// Relay fans a change event out to its aggregate, namespace and
// per-field topics. Duplicate versions are dropped here so the broker
// only ever carries forward progress per device.
type Relay struct {
	broker  broker.Broker
	mapper  shadow.Mapper
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	lastVersion map[string]int64
}

// New creates a relay publishing under the given topic prefix.
func New(b broker.Broker, prefix string, log *logger.Logger, metricsService *metrics.Metrics) *Relay {
	return &Relay{
		broker:      b,
		mapper:      shadow.NewMapper(prefix),
		logger:      log,
		metrics:     metricsService,
		lastVersion: make(map[string]int64),
	}
}

// HandleChangeEvent is the capture handler entry point.
func (r *Relay) HandleChangeEvent(event *shadow.ChangeEvent) {
	version := documentVersion(event.FullDocument)

	if event.Operation == shadow.OperationDelete {
		r.mu.Lock()
		delete(r.lastVersion, event.DeviceID)
		r.mu.Unlock()
	} else if version > 0 && !r.advanceVersion(event.DeviceID, version) {
		r.logger.Debug("dropping duplicate change event",
			"deviceId", event.DeviceID,
			"version", version)
		if r.metrics != nil {
			r.metrics.IncDroppedMessages("stale_version")
		}
		return
	}

	envelope := &shadow.EventEnvelope{
		DeviceID:  event.DeviceID,
		Operation: event.Operation,
		Timestamp: event.Timestamp,
		Data:      event.FullDocument,
		Version:   version,
		Source:    Source,
	}

	if err := r.publishJSON(r.mapper.AggregateTopic(event.DeviceID, event.Operation), envelope); err != nil {
		r.logger.Error("failed to publish aggregate event",
			"deviceId", event.DeviceID,
			"operation", event.Operation,
			"error", err)
		return
	}

	if event.Operation != shadow.OperationDelete {
		r.publishStateTopics(event, version)
	}

	if r.metrics != nil {
		r.metrics.IncRelayedMessages()
	}
}

// advanceVersion records a version if it is progress; a version at or
// below the last relayed one is a duplicate.
func (r *Relay) advanceVersion(deviceID string, version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.lastVersion[deviceID] {
		return false
	}
	r.lastVersion[deviceID] = version
	return true
}

// publishStateTopics publishes the desired/reported namespace topics
// and one message per leaf field.
func (r *Relay) publishStateTopics(event *shadow.ChangeEvent, version int64) {
	for _, namespace := range []string{shadow.NamespaceDesired, shadow.NamespaceReported} {
		state, ok := event.FullDocument[namespace].(map[string]interface{})
		if !ok || len(state) == 0 {
			continue
		}

		topic := r.mapper.DesiredTopic(event.DeviceID)
		if namespace == shadow.NamespaceReported {
			topic = r.mapper.ReportedTopic(event.DeviceID)
		}

		envelope := &shadow.EventEnvelope{
			DeviceID:  event.DeviceID,
			Operation: event.Operation,
			Timestamp: event.Timestamp,
			Data:      state,
			Version:   version,
			Source:    Source,
		}
		if err := r.publishJSON(topic, envelope); err != nil {
			r.logger.Error("failed to publish namespace event",
				"topic", topic,
				"error", err)
		}

		r.publishLeaves(event, namespace, "", state, version)
	}
}

// publishLeaves walks a state map depth-first and publishes every leaf
// value to its field topic. Depth is bounded only by the document.
func (r *Relay) publishLeaves(event *shadow.ChangeEvent, namespace, prefix string, state map[string]interface{}, version int64) {
	for key, value := range state {
		if shadow.IsReservedKey(key) {
			continue
		}

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			r.publishLeaves(event, namespace, path, nested, version)
			continue
		}

		envelope := &shadow.EventEnvelope{
			DeviceID:  event.DeviceID,
			Operation: event.Operation,
			Timestamp: event.Timestamp,
			Data:      value,
			Version:   version,
			Source:    Source,
		}
		topic := r.mapper.FieldTopic(event.DeviceID, namespace+"."+path)
		if err := r.publishJSON(topic, envelope); err != nil {
			r.logger.Error("failed to publish field event",
				"topic", topic,
				"error", err)
		}
	}
}

func (r *Relay) publishJSON(topic string, envelope *shadow.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return r.broker.Publish(topic, payload, map[string]string{
		broker.HeaderSource: Source,
	})
}

// documentVersion reads the version field a BSON decode may have typed
// several ways.
func documentVersion(doc map[string]interface{}) int64 {
	if doc == nil {
		return 0
	}
	switch v := doc["version"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
