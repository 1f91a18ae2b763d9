// Package mongo provides a MongoDB-backed Store for credgate.
//
// Each key is a document {_id, value, expiresAt}. Reads filter on expiresAt
// so a key disappears the moment its TTL passes; a TTL index reclaims the
// documents later. SetIfAbsent is an upsert that only matches an expired
// document, and a duplicate _id on insert means the key is held.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/clock"
)

type document struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// Store is a MongoDB-backed credgate.Store.
type Store struct {
	col   *mongo.Collection
	clock clock.Clock
}

var _ credgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the clock used to compute expiry deadlines.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store over col.
func New(col *mongo.Collection, opts ...Option) *Store {
	s := &Store{col: col, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials uri and returns a Store on database/collection together with
// the client, which the caller must Disconnect.
func Connect(ctx context.Context, uri, database, collection string, opts ...Option) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("credgate/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("credgate/mongo: ping: %w", err)
	}
	return New(client.Database(database).Collection(collection), opts...), client, nil
}

// EnsureIndexes creates the TTL index that removes expired documents.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("credgate/mongo: ensure indexes: %w", err)
	}
	return nil
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "expiresAt", Value: bson.D{{Key: "$gt", Value: s.clock.Now()}}},
	}
	var doc document
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credgate/mongo: get: %w", err)
	}
	return doc.Value, true, nil
}

// Set stores value at key, replacing any previous value and TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return credgate.ErrInvalidTTL
	}
	_, err := s.col.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		s.update(value, ttl),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("credgate/mongo: set: %w", err)
	}
	return nil
}

// SetIfAbsent stores value at key only when key holds no live value.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, credgate.ErrInvalidTTL
	}
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: s.clock.Now()}}},
	}
	_, err := s.col.UpdateOne(ctx, filter, s.update(value, ttl), options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A live document exists, so the upsert tried to insert a second _id.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credgate/mongo: set if absent: %w", err)
	}
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("credgate/mongo: delete: %w", err)
	}
	return nil
}

func (s *Store) update(value string, ttl time.Duration) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "value", Value: value},
		{Key: "expiresAt", Value: s.clock.Now().Add(ttl).UTC()},
	}}}
}
