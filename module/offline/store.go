package offline

import (
	"context"
	"time"
)

// Entry is one undelivered payload for one recipient. MessageID lets
// edit/delete replace a still-queued payload in place.
type Entry struct {
	ID          string    `bson:"_id" json:"id"`
	RecipientID string    `bson:"recipient_id" json:"recipient_id"`
	MessageID   string    `bson:"message_id" json:"message_id"`
	Payload     []byte    `bson:"payload" json:"payload"`
	EnqueuedAt  time.Time `bson:"enqueued_at" json:"enqueued_at"`
	ExpiresAt   time.Time `bson:"expires_at" json:"expires_at"`
	Attempts    int       `bson:"attempts" json:"attempts"`
}

// Store abstracts the durable queue: production is Mongo (store.go pairs
// with mongo.go), tests use the memory implementation.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	// Pending returns un-acked entries for recipient in enqueue order.
	Pending(ctx context.Context, recipientID string, limit int) ([]*Entry, error)
	// Delete removes an entry owned by recipientID and reports whether this
	// call removed it. The bool is the exactly-once guard between ack and
	// expiry sweep; the recipient match keeps one user from acking away
	// another user's entries.
	Delete(ctx context.Context, recipientID, id string) (bool, error)
	IncAttempts(ctx context.Context, id string) error
	// ReplaceByMessage swaps the payload of every queued entry carrying
	// messageID for recipientID. Used by edit/delete-as-tombstone.
	ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error
	// Expired returns entries whose TTL has passed.
	Expired(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
}
