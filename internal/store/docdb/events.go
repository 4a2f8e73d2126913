package docdb

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stagepipe/stagepipe/internal/domain"
	"github.com/stagepipe/stagepipe/internal/events"
)

// DefaultDBName holds the tray core's own collections (events, settings).
const DefaultDBName = "stagepipe"

const eventsCollection = "events"
const expireAtIndexName = "expire_at_1"

// EventStore persists scheduled HTTP invocations in the shared events
// collection. It implements [events.Store].
type EventStore struct {
	coll *mongo.Collection
}

// EventStore ensures the events collection exists with an ascending TTL
// index on expire_at whose grace exceeds the worker poll interval by the
// minimum lifespan margin.
func (g *Gateway) EventStore(ctx context.Context, pollInterval time.Duration) (*EventStore, error) {
	db, err := g.Database(ctx, DefaultDBName)
	if err != nil {
		return nil, err
	}
	coll := db.Collection(eventsCollection)

	grace := pollInterval + events.MinimumLifespanMargin
	model := mongo.IndexModel{
		Keys: bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().
			SetName(expireAtIndexName).
			SetExpireAfterSeconds(int32(grace / time.Second)),
	}
	if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
		// Poll interval changes alter the grace; rebuild the index when
		// it exists with different options.
		if !isIndexConflict(err) {
			return nil, err
		}
		if _, err := coll.Indexes().DropOne(ctx, expireAtIndexName); err != nil {
			return nil, err
		}
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return nil, err
		}
	}
	return &EventStore{coll: coll}, nil
}

// Insert appends one event document.
func (s *EventStore) Insert(ctx context.Context, e domain.Event) error {
	_, err := s.coll.InsertOne(ctx, e)
	return err
}

// FetchNewerThan returns every event with timestamp strictly greater
// than ts, ascending. Later writers produce greater timestamps only, so
// the result is stable under concurrent inserts.
func (s *EventStore) FetchNewerThan(ctx context.Context, ts time.Time) ([]domain.Event, error) {
	filter := bson.M{"timestamp": bson.M{"$gt": ts}}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []domain.Event
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isIndexConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "indexoptionsconflict") || strings.Contains(msg, "already exists with different options")
}
