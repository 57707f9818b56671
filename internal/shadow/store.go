package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"shadow-router/internal/logger"
)

// Store persists device shadows in a MongoDB collection keyed by device
// id. Every write bumps the version counter; the change stream downstream
// relies on that for duplicate suppression.
type Store struct {
	shadows *mongo.Collection
	logger  *logger.Logger
}

// NewStore creates a shadow store over the given collection.
func NewStore(client *mongo.Client, database, collection string, log *logger.Logger) *Store {
	return &Store{
		shadows: client.Database(database).Collection(collection),
		logger:  log,
	}
}

// Get fetches the shadow for a device. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, deviceID string) (*Shadow, error) {
	var shadow Shadow
	err := s.shadows.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&shadow)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch shadow: %w", err)
	}
	return &shadow, nil
}

// Create inserts a new shadow with the given initial reported state at
// version 1. Fails if the device already has a shadow.
func (s *Store) Create(ctx context.Context, deviceID string, state map[string]interface{}) (*Shadow, error) {
	if state == nil {
		state = map[string]interface{}{}
	}
	shadow := &Shadow{
		DeviceID:  deviceID,
		Reported:  state,
		Desired:   map[string]interface{}{},
		Version:   1,
		Timestamp: time.Now().UTC(),
	}

	if _, err := s.shadows.InsertOne(ctx, shadow); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("shadow already exists for device %s", deviceID)
		}
		return nil, fmt.Errorf("failed to create shadow: %w", err)
	}

	s.logger.Info("shadow created", "deviceId", deviceID)
	return shadow, nil
}

// UpdateDesired replaces the desired map and bumps the version. Returns
// the updated shadow, or ErrNotFound when the device has none.
func (s *Store) UpdateDesired(ctx context.Context, deviceID string, desired map[string]interface{}) (*Shadow, error) {
	update := bson.M{
		"$set": bson.M{
			"desired":   desired,
			"timestamp": time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}

	return s.findOneAndUpdate(ctx, deviceID, update)
}

// UpdateReported merges reported fields into the shadow, reconciles the
// pending list against the new reported values and bumps the version.
func (s *Store) UpdateReported(ctx context.Context, deviceID string, reported map[string]interface{}) (*Shadow, error) {
	current, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(current.Reported)+len(reported))
	for k, v := range current.Reported {
		merged[k] = v
	}
	for k, v := range reported {
		merged[k] = v
	}

	set := bson.M{
		"reported":  merged,
		"timestamp": time.Now().UTC(),
	}

	if pending, changed := ReconcilePending(current.Desired, merged); changed {
		set["desired."+PendingKey] = pending
		s.logger.Debug("pending fields reconciled",
			"deviceId", deviceID,
			"remaining", pending)
	}

	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}

	return s.findOneAndUpdate(ctx, deviceID, update)
}

// Delete removes a device's shadow.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	res, err := s.shadows.DeleteOne(ctx, bson.M{"_id": deviceID})
	if err != nil {
		return fmt.Errorf("failed to delete shadow: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) findOneAndUpdate(ctx context.Context, deviceID string, update bson.M) (*Shadow, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated Shadow
	err := s.shadows.FindOneAndUpdate(ctx, bson.M{"_id": deviceID}, update, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update shadow: %w", err)
	}
	return &updated, nil
}
