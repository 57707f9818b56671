package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadow-router/config"
	"shadow-router/internal/logger"
	"shadow-router/internal/shadow"
)

// fakeStore serves canned shadows.
type fakeStore struct {
	shadows map[string]*shadow.Shadow
	gets    int
}

func (f *fakeStore) Get(ctx context.Context, deviceID string) (*shadow.Shadow, error) {
	f.gets++
	sh, ok := f.shadows[deviceID]
	if !ok {
		return nil, shadow.ErrNotFound
	}
	return sh, nil
}

func (f *fakeStore) Create(ctx context.Context, deviceID string, state map[string]interface{}) (*shadow.Shadow, error) {
	if _, ok := f.shadows[deviceID]; ok {
		return nil, errors.New("shadow already exists")
	}
	sh := &shadow.Shadow{DeviceID: deviceID, Reported: state, Desired: map[string]interface{}{}, Version: 1}
	f.shadows[deviceID] = sh
	return sh, nil
}

// fakePending records requests and bumps the stored version.
type fakePending struct {
	store    *fakeStore
	requests []map[string]interface{}
}

func (f *fakePending) HandleStateChangeRequest(ctx context.Context, deviceID string, request map[string]interface{}) (bool, error) {
	sh, ok := f.store.shadows[deviceID]
	if !ok {
		return false, shadow.ErrNotFound
	}
	f.requests = append(f.requests, request)
	sh.Version++
	return true, nil
}

func newTestClient(t *testing.T) (*WSClient, *fakeStore, *fakePending) {
	t.Helper()

	log, err := logger.NewLogger(&config.LogConfig{Level: "error", LogToStdout: true})
	require.NoError(t, err)

	store := &fakeStore{shadows: make(map[string]*shadow.Shadow)}
	pending := &fakePending{store: store}
	hub := NewHub(log, nil)
	server := NewServer(hub, store, pending, testConfig(), log, nil)

	client := &WSClient{
		id:       "test-client",
		server:   server,
		send:     make(chan []byte, 8),
		filters:  make(map[string]struct{}),
		versions: make(map[string]int64),
	}
	return client, store, pending
}

func frame(t *testing.T, env *shadow.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func nextFrame(t *testing.T, c *WSClient) *shadow.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env shadow.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestSubscribeAddsFiltersAndConfirms(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageSubscribe,
		RequestID: "r1",
		DeviceID:  "wh-001",
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageSubscriptionConfirmed, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)

	assert.True(t, c.Matches("iot.wh-001.shadow.update"))
	assert.True(t, c.Matches("iot.wh-001.shadow.reported.temp"))
	assert.False(t, c.Matches("iot.wh-002.shadow.update"))
}

func TestSubscribeWithFields(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageSubscribe,
		RequestID: "r1",
		DeviceID:  "wh-001",
		Fields:    []string{"temperature"},
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageSubscriptionConfirmed, resp.Type)

	// Aggregate events and the named field in either namespace.
	assert.True(t, c.Matches("iot.wh-001.shadow.update"))
	assert.True(t, c.Matches("iot.wh-001.shadow.reported.temperature"))
	assert.True(t, c.Matches("iot.wh-001.shadow.desired.temperature"))
	assert.False(t, c.Matches("iot.wh-001.shadow.reported.humidity"))
}

func TestSubscribeRequiresDeviceID(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageSubscribe, RequestID: "r1"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Zero(t, c.FilterCount())
}

func TestUnsubscribeRemovesDeviceFilters(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageSubscribe, RequestID: "r1", DeviceID: "wh-001"}))
	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageSubscribe, RequestID: "r2", DeviceID: "wh-002"}))
	<-c.send
	<-c.send

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageUnsubscribe, RequestID: "r3", DeviceID: "wh-001"}))
	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageSubscriptionConfirmed, resp.Type)

	assert.False(t, c.Matches("iot.wh-001.shadow.update"))
	assert.True(t, c.Matches("iot.wh-002.shadow.update"))
}

func TestGetShadow(t *testing.T) {
	c, store, _ := newTestClient(t)
	store.shadows["wh-001"] = &shadow.Shadow{
		DeviceID: "wh-001",
		Reported: map[string]interface{}{"temp": 21.0},
		Desired:  map[string]interface{}{"temp": 23.0},
		Version:  4,
	}

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageGetShadow, RequestID: "r1", DeviceID: "wh-001"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageGetShadow, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, int64(4), resp.Version)
	assert.Equal(t, map[string]interface{}{"temp": 21.0}, resp.Reported)
	assert.Equal(t, map[string]interface{}{"temp": 23.0}, resp.Desired)
}

func TestGetShadowNotFound(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageGetShadow, RequestID: "r1", DeviceID: "ghost"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Equal(t, "shadow not found", resp.Error)
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
}

func TestUpdateDesired(t *testing.T) {
	c, store, pending := newTestClient(t)
	store.shadows["wh-001"] = &shadow.Shadow{DeviceID: "wh-001", Version: 1}

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageUpdateDesired,
		RequestID: "r1",
		DeviceID:  "wh-001",
		Desired:   map[string]interface{}{"target": 125.0},
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageUpdateDesired, resp.Type)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
	assert.Equal(t, int64(2), resp.Version)
	require.Len(t, pending.requests, 1)
	assert.Equal(t, map[string]interface{}{"target": 125.0}, pending.requests[0])
}

func TestGetShadowRequiresDeviceID(t *testing.T) {
	c, store, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageGetShadow, RequestID: "r1"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Equal(t, "device_id is required", resp.Error)
	assert.Zero(t, store.gets)
}

func TestUpdateDesiredRequiresDeviceID(t *testing.T) {
	c, _, pending := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageUpdateDesired,
		RequestID: "r1",
		Desired:   map[string]interface{}{"target": 1.0},
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Equal(t, "device_id is required", resp.Error)
	assert.Empty(t, pending.requests)
}

func TestUpdateDesiredUnknownDevice(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageUpdateDesired,
		RequestID: "r1",
		DeviceID:  "ghost",
		Desired:   map[string]interface{}{"target": 1.0},
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Equal(t, "shadow not found", resp.Error)
}

func TestCreateShadow(t *testing.T) {
	c, store, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{
		Type:      shadow.MessageCreateShadow,
		RequestID: "r1",
		DeviceID:  "wh-001",
		State:     map[string]interface{}{"temp": 20.0},
	}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageCreateShadow, resp.Type)
	assert.Equal(t, int64(1), resp.Version)
	assert.Contains(t, store.shadows, "wh-001")
}

func TestPingPong(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessagePing, RequestID: "r1"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessagePong, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestMalformedFrame(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame([]byte("{not json"))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame([]byte(`{"type":"drop_tables"}`))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
}

func TestPushTypeFromClientRejected(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleFrame(frame(t, &shadow.Envelope{Type: shadow.MessageShadowUpdate, RequestID: "r1", DeviceID: "wh-001"}))

	resp := nextFrame(t, c)
	assert.Equal(t, shadow.MessageError, resp.Type)
	assert.Contains(t, resp.Error, "unexpected message type")
}
