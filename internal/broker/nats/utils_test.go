package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSubject(t *testing.T) {
	tests := []struct {
		name      string
		canonical string
		want      string
	}{
		{"plain topic", "iot.wh-001.shadow.update", "iot.wh-001.shadow.update"},
		{"single-level wildcard", "iot.+.shadow.created", "iot.*.shadow.created"},
		{"multi-level wildcard", "iot.+.shadow.#", "iot.*.shadow.>"},
		{"field path", "iot.wh-001.shadow.sensors.temperature", "iot.wh-001.shadow.sensors.temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toSubject(tt.canonical))
		})
	}
}

func TestFromSubject(t *testing.T) {
	assert.Equal(t, "iot.+.shadow.#", fromSubject("iot.*.shadow.>"))
	assert.Equal(t, "iot.wh-001.shadow.desired", fromSubject("iot.wh-001.shadow.desired"))
}

func TestSubjectRoundTrip(t *testing.T) {
	filters := []string{
		"iot.+.shadow.created",
		"iot.wh-001.shadow.#",
		"iot.+.shadow.reported",
	}
	for _, f := range filters {
		assert.Equal(t, f, fromSubject(toSubject(f)))
	}
}
