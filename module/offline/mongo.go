package offline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collEntries = "offline_queue"

type mongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore binds the queue to db. EnsureIndexes should be called once
// during startup.
func NewMongoStore(db *mongo.Database) Store {
	return &mongoStore{coll: db.Collection(collEntries)}
}

func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collEntries).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "enqueued_at", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	return errors.WithStack(err)
}

func (s *mongoStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.coll.InsertOne(ctx, e)
	return errors.WithStack(err)
}

func (s *mongoStore) Pending(ctx context.Context, recipientID string, limit int) ([]*Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"recipient_id": recipientID}, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *mongoStore) Delete(ctx context.Context, recipientID, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "recipient_id": recipientID})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return res.DeletedCount == 1, nil
}

func (s *mongoStore) IncAttempts(ctx context.Context, id string) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"attempts": 1}})
	return errors.WithStack(err)
}

func (s *mongoStore) ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error {
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"recipient_id": recipientID, "message_id": messageID},
		bson.M{"$set": bson.M{"payload": payload}},
	)
	return errors.WithStack(err)
}

func (s *mongoStore) Expired(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"expires_at": bson.M{"$lt": now}}, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
