// Package capture turns MongoDB change streams over the shadow and
// device collections into normalized change events for downstream
// handlers.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"shadow-router/config"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/shadow"
)

// Handler consumes change events. Handlers run on the stream goroutine;
// a panicking handler is logged and skipped, never aborting the loop.
type Handler func(event *shadow.ChangeEvent)

// Listener owns the change-stream cursors. It never writes to the
// store; its only side effect is handler invocation.
type Listener struct {
	logger  *logger.Logger
	config  *config.Config
	metrics *metrics.Metrics
	db      *mongo.Database

	handlers []Handler
	mu       sync.RWMutex

	streams int32
	live    atomic.Int32
	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// rawEvent is the subset of the change-stream document we consume.
type rawEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      map[string]interface{} `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields map[string]interface{} `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

// NewListener creates a listener over the configured collections.
func NewListener(db *mongo.Database, cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Listener {
	return &Listener{
		logger:  log,
		config:  cfg,
		metrics: metricsService,
		db:      db,
	}
}

// AddHandler registers a change-event handler. Must be called before
// Start.
func (l *Listener) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Start opens one change stream per collection and begins dispatching.
func (l *Listener) Start(ctx context.Context) error {
	if l.started.Load() {
		return fmt.Errorf("listener already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	targets := map[shadow.Collection]string{
		shadow.CollectionShadows: l.config.Mongo.ShadowCollection,
		shadow.CollectionDevices: l.config.Mongo.DeviceCollection,
	}

	for source, name := range targets {
		if name == "" {
			continue
		}
		l.streams++
		l.live.Add(1)
		l.wg.Add(1)
		go l.watchCollection(ctx, source, l.db.Collection(name))
	}

	if l.streams == 0 {
		cancel()
		return fmt.Errorf("no collections configured for change capture")
	}

	l.started.Store(true)
	l.logger.Info("change capture started", "streams", l.streams)
	return nil
}

// Stop closes all cursors and waits for the stream goroutines.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.started.Store(false)
}

// IsActive reports whether every stream is still running. A stream that
// exhausted its reconnect budget marks the listener unhealthy.
func (l *Listener) IsActive() bool {
	return l.started.Load() && l.live.Load() == l.streams
}

// watchCollection runs the open/iterate/reconnect loop for one
// collection until the context is cancelled or the retry budget runs
// out.
func (l *Listener) watchCollection(ctx context.Context, source shadow.Collection, coll *mongo.Collection) {
	defer l.wg.Done()

	maxRetries := l.config.Mongo.MaxStreamRetries
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := l.runStream(ctx, source, coll, &attempt)
		if err == nil || ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > maxRetries {
			l.logger.Error("change stream retry budget exhausted, marking listener unhealthy",
				"collection", source,
				"attempts", attempt-1,
				"error", err)
			l.live.Add(-1)
			return
		}

		delay := l.retryDelay(attempt)
		l.logger.Warn("change stream failed, reconnecting",
			"collection", source,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		if l.metrics != nil {
			l.metrics.IncListenerRestarts()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runStream opens a change stream and dispatches events until it
// errors. A processed event resets the caller's attempt counter.
func (l *Listener) runStream(ctx context.Context, source shadow.Collection, coll *mongo.Collection, attempt *int) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
			}},
		}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	l.logger.Info("change stream open", "collection", source)

	for stream.Next(ctx) {
		var raw rawEvent
		if err := stream.Decode(&raw); err != nil {
			l.logger.Error("failed to decode change event",
				"collection", source,
				"error", err)
			continue
		}

		event, err := l.buildEvent(source, &raw)
		if err != nil {
			l.logger.Warn("skipping undecodable change event",
				"collection", source,
				"error", err)
			continue
		}

		*attempt = 0
		if l.metrics != nil {
			l.metrics.IncChangeEvents(string(event.Operation))
		}
		l.dispatch(event)
	}

	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// buildEvent normalizes a raw change-stream document.
func (l *Listener) buildEvent(source shadow.Collection, raw *rawEvent) (*shadow.ChangeEvent, error) {
	var op shadow.Operation
	switch raw.OperationType {
	case "insert":
		op = shadow.OperationInsert
	case "update", "replace":
		op = shadow.OperationUpdate
	case "delete":
		op = shadow.OperationDelete
	default:
		return nil, fmt.Errorf("unsupported operation type %q", raw.OperationType)
	}

	deviceID := documentID(raw.DocumentKey.ID)
	if deviceID == "" && raw.FullDocument != nil {
		deviceID = documentID(raw.FullDocument["_id"])
	}
	if deviceID == "" {
		return nil, fmt.Errorf("change event has no device id")
	}

	event := &shadow.ChangeEvent{
		Collection:   source,
		Operation:    op,
		DeviceID:     deviceID,
		FullDocument: raw.FullDocument,
		Timestamp:    time.Now().UTC(),
	}
	if op == shadow.OperationUpdate && len(raw.UpdateDescription.UpdatedFields) > 0 {
		event.ChangedFields = raw.UpdateDescription.UpdatedFields
	}
	return event, nil
}

// dispatch invokes every registered handler with panic containment.
func (l *Listener) dispatch(event *shadow.ChangeEvent) {
	l.mu.RLock()
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for i, h := range handlers {
		l.invoke(i, h, event)
	}
}

func (l *Listener) invoke(idx int, h Handler, event *shadow.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("change handler panicked",
				"handler", idx,
				"deviceId", event.DeviceID,
				"panic", r)
		}
	}()
	h(event)
}

// retryDelay computes the backoff for a reconnect attempt, capped at
// one minute.
func (l *Listener) retryDelay(attempt int) time.Duration {
	const max = time.Minute
	delay := l.config.Mongo.StreamRetryInterval()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// documentID renders a change-stream _id as a device id string.
func documentID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case primitive.ObjectID:
		return id.Hex()
	default:
		return ""
	}
}
