package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	assert.Equal(t, "iot.wh-001.shadow.update", Canonical("iot/wh-001/shadow/update"))
	assert.Equal(t, "iot.wh-001.shadow.update", Canonical("iot.wh-001.shadow.update"))
	assert.Equal(t, "iot.+.shadow.#", Canonical("iot/+/shadow/#"))
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()

	var got *Message
	r.Register("iot.+.shadow.update", func(msg *Message) { got = msg })

	h, ok := r.Lookup("iot.+.shadow.update")
	assert.True(t, ok)
	h(&Message{Topic: "iot.wh-001.shadow.update"})
	assert.Equal(t, "iot.wh-001.shadow.update", got.Topic)

	// Slash and dot forms address the same handler.
	_, ok = r.Lookup("iot/+/shadow/update")
	assert.True(t, ok)

	_, ok = r.Lookup("iot.+.shadow.deleted")
	assert.False(t, ok)

	r.Remove("iot/+/shadow/update")
	_, ok = r.Lookup("iot.+.shadow.update")
	assert.False(t, ok)
	assert.Empty(t, r.Filters())
}

func TestHandlerRegistryReplace(t *testing.T) {
	r := NewHandlerRegistry()

	first, second := 0, 0
	r.Register("iot.+.shadow.created", func(*Message) { first++ })
	r.Register("iot.+.shadow.created", func(*Message) { second++ })

	h, _ := r.Lookup("iot.+.shadow.created")
	h(&Message{})

	assert.Zero(t, first)
	assert.Equal(t, 1, second)
	assert.Len(t, r.Filters(), 1)
}
