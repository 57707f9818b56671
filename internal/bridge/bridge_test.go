package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadow-router/config"
	"shadow-router/internal/broker"
	"shadow-router/internal/logger"
)

// fakeBroker is a controllable broker.Broker for state machine tests.
type fakeBroker struct {
	mu             sync.Mutex
	connected      bool
	connectErr     error
	connectCalls   int
	subscribeOrder []string
	failFilters    map[string]bool
	lostFn         func(error)
}

func newFakeBroker(connected bool) *fakeBroker {
	return &fakeBroker{
		connected:   connected,
		failFilters: make(map[string]bool),
	}
}

func (f *fakeBroker) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBroker) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Publish(topic string, payload []byte, headers map[string]string) error {
	return nil
}

func (f *fakeBroker) Subscribe(filters []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, filter := range filters {
		if f.failFilters[filter] {
			return errors.New("subscribe refused")
		}
		f.subscribeOrder = append(f.subscribeOrder, filter)
	}
	return nil
}

func (f *fakeBroker) Unsubscribe(filters []string) error                     { return nil }
func (f *fakeBroker) RegisterHandler(filter string, h broker.MessageHandler) {}
func (f *fakeBroker) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostFn = fn
}
func (f *fakeBroker) OnConnected(fn func()) {}
func (f *fakeBroker) GetStats() broker.Stats { return broker.Stats{} }

func (f *fakeBroker) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribeOrder))
	copy(out, f.subscribeOrder)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Topics: config.TopicsConfig{Prefix: "iot"},
		Bridge: config.BridgeConfig{
			SendBufferSize:     8,
			MaxMessageSize:     4096,
			PingInterval:       "30s",
			PongTimeout:        "10s",
			ReconnectBaseDelay: "1ms",
			ReconnectMaxDelay:  "60s",
			MaxReconnectTries:  3,
		},
	}
}

func newTestBridge(t *testing.T, fb *fakeBroker) *Bridge {
	t.Helper()
	log, err := logger.NewLogger(&config.LogConfig{Level: "error", LogToStdout: true})
	require.NoError(t, err)
	hub := NewHub(log, nil)
	return NewBridge(fb, hub, testConfig(), log, nil)
}

func TestComputeBackoff(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, computeBackoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestClassifyFilter(t *testing.T) {
	assert.Equal(t, PriorityHigh, classifyFilter("iot.+.shadow.#"))
	assert.Equal(t, PriorityHigh, classifyFilter("devices/d1/shadow/update"))
	assert.Equal(t, PriorityLow, classifyFilter("$SYS.broker.load"))
	assert.Equal(t, PriorityLow, classifyFilter("system.diagnostics"))
	assert.Equal(t, PriorityNormal, classifyFilter("telemetry.raw"))
}

func TestStartSubscribesToShadowFilter(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, broker.StateConnected, b.State())
	assert.Contains(t, fb.order(), "iot.+.shadow.#")
	assert.True(t, b.IsActive())
}

func TestStartIsIdempotent(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Len(t, fb.order(), 1)
}

func TestSubscriptionPriorityOrdering(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.AddSubscriptions("$SYS.broker.load", "telemetry.raw", "iot.+.shadow.created")

	order := fb.order()
	require.Len(t, order, 4)
	assert.Equal(t, "iot.+.shadow.created", order[1])
	assert.Equal(t, "telemetry.raw", order[2])
	assert.Equal(t, "$SYS.broker.load", order[3])
}

func TestFailedSubscriptionGoesPending(t *testing.T) {
	fb := newFakeBroker(true)
	fb.failFilters["telemetry.raw"] = true
	b := newTestBridge(t, fb)
	require.NoError(t, b.Start(context.Background()))

	b.AddSubscriptions("telemetry.raw")
	assert.Equal(t, 1, b.PendingSubscriptions())

	// The background loop picks it up once the broker accepts it.
	fb.mu.Lock()
	fb.failFilters["telemetry.raw"] = false
	fb.mu.Unlock()

	assert.Eventually(t, func() bool {
		return b.PendingSubscriptions() == 0
	}, 2*time.Second, 5*time.Millisecond)

	b.Stop()
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	fb.Disconnect()
	b.handleConnectionLost(errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		return b.State() == broker.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Initial subscribe plus the post-reconnect resubscribe.
	order := fb.order()
	count := 0
	for _, f := range order {
		if f == "iot.+.shadow.#" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestReconnectExhaustionReachesErrorState(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	fb.mu.Lock()
	fb.connectErr = errors.New("broker unreachable")
	fb.connected = false
	fb.mu.Unlock()

	b.handleConnectionLost(errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		return b.State() == broker.StateError
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, b.IsActive())

	// No further retry tasks are scheduled from the terminal state.
	fb.mu.Lock()
	calls := fb.connectCalls
	fb.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	fb.mu.Lock()
	assert.Equal(t, calls, fb.connectCalls)
	fb.mu.Unlock()
}

func TestReentrantConnectionLossSchedulesOneRetry(t *testing.T) {
	fb := newFakeBroker(true)
	b := newTestBridge(t, fb)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	fb.Disconnect()
	b.handleConnectionLost(errors.New("reset"))
	b.handleConnectionLost(errors.New("reset again"))

	b.mu.Lock()
	attempts := b.attempts
	b.mu.Unlock()
	assert.Equal(t, 1, attempts)
}
