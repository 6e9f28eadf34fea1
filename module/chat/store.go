package chat

import "context"

// Store abstracts persistence and sequencing. Production is Mongo (the
// external message store's collections); tests use the memory implementation.
type Store interface {
	// NextSeq atomically advances and returns the per-conversation sequence
	// counter. Monotonic per conversation; the ordering guarantee rests on it.
	NextSeq(ctx context.Context, convID string) (int64, error)

	Insert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// FindByClientID suppresses duplicate client sends.
	FindByClientID(ctx context.Context, senderID, clientMsgID string) (*Message, error)
	UpdateContent(ctx context.Context, id, content string) error
	MarkDeleted(ctx context.Context, id string) error

	// AddReaction/RemoveReaction report whether state changed, making
	// re-application a no-op for callers (idempotence per message/user/emoji).
	AddReaction(ctx context.Context, msgID, userID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, msgID, userID, emoji string) (bool, error)

	// SetRead advances the reader's max-seq watermark; returns false when the
	// watermark already covers seq (idempotent re-read).
	SetRead(ctx context.Context, convID, userID string, seq int64) (bool, error)

	// Members lists conversation membership, maintained by channel-service.
	Members(ctx context.Context, convID string) ([]string, error)
}
