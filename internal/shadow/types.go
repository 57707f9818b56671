// Package shadow defines the device-shadow data model, topic grammar and
// desired-state reconciliation used across the pipeline.
package shadow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates no shadow exists for the requested device.
var ErrNotFound = errors.New("shadow not found")

// Collection identifies the source collection of a change event.
type Collection string

const (
	CollectionShadows Collection = "shadows"
	CollectionDevices Collection = "devices"
)

// Operation identifies the kind of store write behind a change event.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// PendingKey is the reserved key inside a shadow's desired map holding the
// list of fields not yet confirmed by a matching reported update.
const PendingKey = "_pending"

// Shadow is the per-device state document. Version never decreases; a
// write that does not increase it is a duplicate and is ignored at the
// relay layer.
type Shadow struct {
	DeviceID  string                 `bson:"_id" json:"device_id"`
	Reported  map[string]interface{} `bson:"reported" json:"reported"`
	Desired   map[string]interface{} `bson:"desired" json:"desired"`
	Version   int64                  `bson:"version" json:"version"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
}

// ChangeEvent is a normalized store change notification. Immutable once
// constructed; produced only by the capture listener.
type ChangeEvent struct {
	Collection    Collection             `json:"collection"`
	Operation     Operation              `json:"operation"`
	DeviceID      string                 `json:"device_id"`
	FullDocument  map[string]interface{} `json:"full_document,omitempty"`
	ChangedFields map[string]interface{} `json:"changed_fields,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// EventEnvelope is the payload published to broker topics for a change
// event. Source identifies the publishing component for tracing.
type EventEnvelope struct {
	DeviceID  string      `json:"device_id"`
	Operation Operation   `json:"operation"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Version   int64       `json:"version,omitempty"`
	Source    string      `json:"source,omitempty"`
}

// MessageType enumerates the client protocol message kinds. Payloads are
// decoded once at the boundary into an Envelope and then switched on the
// closed set below.
type MessageType string

const (
	MessageSubscribe             MessageType = "subscribe"
	MessageUnsubscribe           MessageType = "unsubscribe"
	MessageGetShadow             MessageType = "get_shadow"
	MessageUpdateDesired         MessageType = "update_desired"
	MessageCreateShadow          MessageType = "create_shadow"
	MessageShadowUpdate          MessageType = "shadow_update"
	MessageSubscriptionConfirmed MessageType = "subscription_confirmed"
	MessageError                 MessageType = "error"
	MessagePing                  MessageType = "ping"
	MessagePong                  MessageType = "pong"
)

// Envelope is the websocket JSON frame exchanged with clients.
type Envelope struct {
	Type      MessageType            `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Fields    []string               `json:"fields,omitempty"`
	Desired   map[string]interface{} `json:"desired,omitempty"`
	Reported  map[string]interface{} `json:"reported,omitempty"`
	State     map[string]interface{} `json:"state,omitempty"`
	Operation Operation              `json:"operation,omitempty"`
	Version   int64                  `json:"version,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// DecodeEnvelope parses a client frame and rejects unknown message types
// so stringly-typed branching never leaks past the boundary.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case MessageSubscribe, MessageUnsubscribe, MessageGetShadow,
		MessageUpdateDesired, MessageCreateShadow, MessageShadowUpdate,
		MessageSubscriptionConfirmed, MessageError, MessagePing, MessagePong:
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// DesiredFields returns the desired map without reserved meta keys.
func (s *Shadow) DesiredFields() map[string]interface{} {
	out := make(map[string]interface{}, len(s.Desired))
	for k, v := range s.Desired {
		if IsReservedKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// PendingFields returns the current pending list, tolerating the loose
// typing a BSON/JSON round trip produces.
func (s *Shadow) PendingFields() []string {
	if s.Desired == nil {
		return nil
	}
	return toStringSlice(s.Desired[PendingKey])
}

// IsReservedKey reports whether a desired-state key is a meta key rather
// than a device field.
func IsReservedKey(key string) bool {
	return len(key) > 0 && key[0] == '_'
}

func toStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		out := make([]string, len(vals))
		copy(out, vals)
		return out
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
