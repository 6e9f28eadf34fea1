package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collMessages = "messages"
	collSeq      = "conversation_seq"
	collMembers  = "conversation_members"
	collReads    = "read_state"
)

type mongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) Store {
	return &mongoStore{db: db}
}

func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}}},
	})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = db.Collection(collReads).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.WithStack(err)
}

func (s *mongoStore) NextSeq(ctx context.Context, convID string) (int64, error) {
	res := s.db.Collection(collSeq).FindOneAndUpdate(ctx,
		bson.M{"_id": convID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, errors.WithStack(err)
	}
	return doc.Seq, nil
}

func (s *mongoStore) Insert(ctx context.Context, m *Message) error {
	_, err := s.db.Collection(collMessages).InsertOne(ctx, m)
	return errors.WithStack(err)
}

func (s *mongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &m, nil
}

func (s *mongoStore) FindByClientID(ctx context.Context, senderID, clientMsgID string) (*Message, error) {
	var m Message
	err := s.db.Collection(collMessages).FindOne(ctx,
		bson.M{"sender_id": senderID, "client_msg_id": clientMsgID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &m, nil
}

func (s *mongoStore) UpdateContent(ctx context.Context, id, content string) error {
	_, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"content": content, "edited_at": time.Now()}})
	return errors.WithStack(err)
}

func (s *mongoStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"deleted": true, "content": ""}, "$unset": bson.M{"attachments": ""}})
	return errors.WithStack(err)
}

func (s *mongoStore) AddReaction(ctx context.Context, msgID, userID, emoji string) (bool, error) {
	res, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": msgID},
		bson.M{"$addToSet": bson.M{"reactions." + emoji: userID}})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *mongoStore) RemoveReaction(ctx context.Context, msgID, userID, emoji string) (bool, error) {
	res, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": msgID},
		bson.M{"$pull": bson.M{"reactions." + emoji: userID}})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *mongoStore) SetRead(ctx context.Context, convID, userID string, seq int64) (bool, error) {
	res, err := s.db.Collection(collReads).UpdateOne(ctx,
		bson.M{"conversation_id": convID, "user_id": userID},
		bson.M{"$max": bson.M{"seq": seq}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}

func (s *mongoStore) Members(ctx context.Context, convID string) ([]string, error) {
	cur, err := s.db.Collection(collMembers).Find(ctx, bson.M{"conversation_id": convID})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var docs []struct {
		UserID string `bson:"user_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.UserID)
	}
	return out, nil
}
