package shadow

import (
	"context"
	"errors"
	"reflect"
	"sort"

	"shadow-router/internal/logger"
)

// DesiredWriter is the slice of the store the pending handler needs.
type DesiredWriter interface {
	Get(ctx context.Context, deviceID string) (*Shadow, error)
	UpdateDesired(ctx context.Context, deviceID string, desired map[string]interface{}) (*Shadow, error)
}

// PendingHandler accepts desired-state change requests and maintains the
// _pending marker. It is the only component allowed to write that marker
// on the request path.
type PendingHandler struct {
	store  DesiredWriter
	logger *logger.Logger
}

// NewPendingHandler creates a pending-state request handler.
func NewPendingHandler(store DesiredWriter, log *logger.Logger) *PendingHandler {
	return &PendingHandler{
		store:  store,
		logger: log,
	}
}

// HandleStateChangeRequest diffs the request against the device's reported
// state, marks divergent fields pending and writes the merged desired
// state. Returns false with ErrNotFound when no shadow exists.
func (h *PendingHandler) HandleStateChangeRequest(ctx context.Context, deviceID string, request map[string]interface{}) (bool, error) {
	current, err := h.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.logger.Debug("state change request for unknown device",
				"deviceId", deviceID)
		}
		return false, err
	}

	pending := ComputePending(request, current.Reported, current.PendingFields())

	desired := make(map[string]interface{}, len(request)+1)
	for k, v := range request {
		if IsReservedKey(k) {
			continue
		}
		desired[k] = v
	}
	desired[PendingKey] = pending

	if _, err := h.store.UpdateDesired(ctx, deviceID, desired); err != nil {
		return false, err
	}

	h.logger.Debug("desired state written",
		"deviceId", deviceID,
		"pendingFields", pending)

	return true, nil
}

// ComputePending returns the sorted, deduplicated union of the existing
// pending list and every non-reserved request key whose value differs
// from the reported value.
func ComputePending(request, reported map[string]interface{}, existing []string) []string {
	set := make(map[string]struct{}, len(existing)+len(request))
	for _, f := range existing {
		set[f] = struct{}{}
	}

	for key, value := range request {
		if IsReservedKey(key) {
			continue
		}
		if !valuesEqual(reported[key], value) {
			set[key] = struct{}{}
		}
	}

	pending := make([]string, 0, len(set))
	for f := range set {
		pending = append(pending, f)
	}
	sort.Strings(pending)
	return pending
}

// ReconcilePending removes fields from the pending list once the reported
// value matches the desired value. Returns the new list and whether it
// changed.
func ReconcilePending(desired, reported map[string]interface{}) ([]string, bool) {
	existing := toStringSlice(desired[PendingKey])
	if len(existing) == 0 {
		return existing, false
	}

	remaining := make([]string, 0, len(existing))
	for _, field := range existing {
		want, hasWant := desired[field]
		got, hasGot := reported[field]
		if hasWant && hasGot && valuesEqual(want, got) {
			continue
		}
		remaining = append(remaining, field)
	}

	if len(remaining) == len(existing) {
		return existing, false
	}
	return remaining, true
}

// valuesEqual compares two decoded values structurally. Numbers are
// compared by value regardless of width, since JSON decodes to float64
// while BSON round trips may yield int32/int64.
func valuesEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
