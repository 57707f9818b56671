package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"shadow-router/config"
	"shadow-router/internal/logger"
	"shadow-router/internal/shadow"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()

	log, err := logger.NewLogger(&config.LogConfig{Level: "error", LogToStdout: true})
	require.NoError(t, err)

	cfg := &config.Config{
		Mongo: config.MongoConfig{
			ShadowCollection: "shadows",
			DeviceCollection: "devices",
			MaxStreamRetries: 5,
			StreamRetryDelay: "1s",
		},
	}
	return NewListener(nil, cfg, log, nil)
}

func TestBuildEvent(t *testing.T) {
	l := newTestListener(t)

	tests := []struct {
		name     string
		raw      rawEvent
		wantOp   shadow.Operation
		wantID   string
		wantErr  bool
		wantDiff bool
	}{
		{
			name: "insert with string id",
			raw: rawEvent{
				OperationType: "insert",
				FullDocument:  map[string]interface{}{"_id": "wh-001", "version": int64(1)},
			},
			wantOp: shadow.OperationInsert,
			wantID: "wh-001",
		},
		{
			name: "update with document key and changed fields",
			raw: func() rawEvent {
				r := rawEvent{
					OperationType: "update",
					FullDocument:  map[string]interface{}{"_id": "wh-002"},
				}
				r.DocumentKey.ID = "wh-002"
				r.UpdateDescription.UpdatedFields = map[string]interface{}{"reported.temperature": 21.5}
				return r
			}(),
			wantOp:   shadow.OperationUpdate,
			wantID:   "wh-002",
			wantDiff: true,
		},
		{
			name: "replace normalizes to update",
			raw: func() rawEvent {
				r := rawEvent{OperationType: "replace"}
				r.DocumentKey.ID = "wh-003"
				return r
			}(),
			wantOp: shadow.OperationUpdate,
			wantID: "wh-003",
		},
		{
			name: "delete has no full document",
			raw: func() rawEvent {
				r := rawEvent{OperationType: "delete"}
				r.DocumentKey.ID = "wh-004"
				return r
			}(),
			wantOp: shadow.OperationDelete,
			wantID: "wh-004",
		},
		{
			name:    "unsupported operation",
			raw:     rawEvent{OperationType: "invalidate"},
			wantErr: true,
		},
		{
			name:    "missing device id",
			raw:     rawEvent{OperationType: "insert"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := l.buildEvent(shadow.CollectionShadows, &tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, event.Operation)
			assert.Equal(t, tt.wantID, event.DeviceID)
			assert.Equal(t, shadow.CollectionShadows, event.Collection)
			assert.False(t, event.Timestamp.IsZero())
			if tt.wantDiff {
				assert.NotEmpty(t, event.ChangedFields)
			} else {
				assert.Empty(t, event.ChangedFields)
			}
		})
	}
}

func TestBuildEventObjectID(t *testing.T) {
	l := newTestListener(t)

	oid := primitive.NewObjectID()
	raw := rawEvent{OperationType: "insert", FullDocument: map[string]interface{}{"_id": oid}}

	event, err := l.buildEvent(shadow.CollectionDevices, &raw)
	require.NoError(t, err)
	assert.Equal(t, oid.Hex(), event.DeviceID)
}

func TestDispatchIsolatesPanickingHandler(t *testing.T) {
	l := newTestListener(t)

	var delivered []string
	l.AddHandler(func(event *shadow.ChangeEvent) {
		panic("handler bug")
	})
	l.AddHandler(func(event *shadow.ChangeEvent) {
		delivered = append(delivered, event.DeviceID)
	})

	l.dispatch(&shadow.ChangeEvent{DeviceID: "wh-001", Operation: shadow.OperationInsert})
	l.dispatch(&shadow.ChangeEvent{DeviceID: "wh-002", Operation: shadow.OperationUpdate})

	assert.Equal(t, []string{"wh-001", "wh-002"}, delivered)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	l := newTestListener(t)

	assert.Equal(t, time.Second, l.retryDelay(1))
	assert.Equal(t, 2*time.Second, l.retryDelay(2))
	assert.Equal(t, 8*time.Second, l.retryDelay(4))
	assert.Equal(t, time.Minute, l.retryDelay(7))
	assert.Equal(t, time.Minute, l.retryDelay(40))
}

func TestIsActiveBeforeStart(t *testing.T) {
	l := newTestListener(t)
	assert.False(t, l.IsActive())
}
