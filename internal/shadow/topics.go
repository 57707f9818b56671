package shadow

import (
	"fmt"
	"strings"
)

// Aggregate topic kinds.
const (
	AggregateCreated = "created"
	AggregateUpdate  = "update"
	AggregateDeleted = "deleted"

	shadowSegment     = "shadow"
	NamespaceDesired  = "desired"
	NamespaceReported = "reported"
)

// Mapper builds and parses the hierarchical shadow topics under a
// configured prefix. Topics are dot-delimited on the wire; subscription
// filters may use '.' or '/' interchangeably.
type Mapper struct {
	Prefix string
}

// NewMapper creates a topic mapper for the given prefix.
func NewMapper(prefix string) Mapper {
	return Mapper{Prefix: prefix}
}

// AggregateTopic returns the per-operation aggregate topic:
// {prefix}.{device}.shadow.{created|update|deleted}
func (m Mapper) AggregateTopic(deviceID string, op Operation) string {
	kind := AggregateUpdate
	switch op {
	case OperationInsert:
		kind = AggregateCreated
	case OperationDelete:
		kind = AggregateDeleted
	}
	return m.join(deviceID, shadowSegment, kind)
}

// DesiredTopic returns {prefix}.{device}.shadow.desired
func (m Mapper) DesiredTopic(deviceID string) string {
	return m.join(deviceID, shadowSegment, NamespaceDesired)
}

// ReportedTopic returns {prefix}.{device}.shadow.reported
func (m Mapper) ReportedTopic(deviceID string) string {
	return m.join(deviceID, shadowSegment, NamespaceReported)
}

// FieldTopic returns {prefix}.{device}.shadow.{dotted.field.path}
func (m Mapper) FieldTopic(deviceID, path string) string {
	return m.join(deviceID, shadowSegment, path)
}

// AllShadowsFilter returns the subscription filter covering every shadow
// topic under the mapper's prefix.
func (m Mapper) AllShadowsFilter() string {
	return m.join("+", shadowSegment, "#")
}

// DeviceIDFromTopic extracts the device id from any shadow topic built by
// this mapper. Returns false if the topic does not belong to the prefix.
func (m Mapper) DeviceIDFromTopic(topic string) (string, bool) {
	segments := SplitTopic(topic)
	if len(segments) < 3 || segments[0] != m.Prefix || segments[2] != shadowSegment {
		return "", false
	}
	return segments[1], true
}

func (m Mapper) join(parts ...string) string {
	return m.Prefix + "." + strings.Join(parts, ".")
}

// SplitTopic splits a topic or filter into segments. '.' and '/' are
// both accepted as separators.
func SplitTopic(topic string) []string {
	return strings.FieldsFunc(topic, func(r rune) bool {
		return r == '.' || r == '/'
	})
}

// ValidateFilter checks a subscription filter for wildcard misuse:
// '+' must occupy an entire segment and '#' must be the final segment.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("filter cannot be empty")
	}

	segments := SplitTopic(filter)
	if len(segments) == 0 {
		return fmt.Errorf("filter has no segments")
	}

	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("multi-level wildcard (#) must occupy an entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("multi-level wildcard (#) must be the last segment")
			}
		}
		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("single-level wildcard (+) must occupy an entire segment")
		}
	}

	return nil
}

// MatchTopic reports whether a concrete topic matches a subscription
// filter. Segments are compared pairwise; '+' matches exactly one
// segment, '#' matches zero or more trailing segments. An invalid filter
// matches nothing.
func MatchTopic(topic, filter string) bool {
	if err := ValidateFilter(filter); err != nil {
		return false
	}

	topicSegs := SplitTopic(topic)
	filterSegs := SplitTopic(filter)

	for i, fs := range filterSegs {
		if fs == "#" {
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if fs == "+" {
			continue
		}
		if fs != topicSegs[i] {
			return false
		}
	}

	return len(topicSegs) == len(filterSegs)
}
