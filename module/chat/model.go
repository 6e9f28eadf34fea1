package chat

import "time"

// Message is the routed unit. Durable history lives in the external
// message-service; this core sequences, routes, and keeps enough state for
// edits, tombstones, reactions, and read receipts.
type Message struct {
	ID             string              `bson:"_id" json:"id"`
	ConversationID string              `bson:"conversation_id" json:"conversation_id"`
	SenderID       string              `bson:"sender_id" json:"sender_id"`
	ClientMsgID    string              `bson:"client_msg_id" json:"client_msg_id,omitempty"`
	Content        string              `bson:"content" json:"content"`
	Attachments    []Attachment        `bson:"attachments,omitempty" json:"attachments,omitempty"`
	ReplyTo        string              `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Seq            int64               `bson:"seq" json:"seq"`
	Reactions      map[string][]string `bson:"reactions,omitempty" json:"reactions,omitempty"` // emoji -> user ids
	CreatedAt      time.Time           `bson:"created_at" json:"created_at"`
	EditedAt       *time.Time          `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	Deleted        bool                `bson:"deleted" json:"deleted,omitempty"`
}

type Attachment struct {
	ID       string `bson:"id" json:"id"`
	Name     string `bson:"name" json:"name"`
	URL      string `bson:"url" json:"url"`
	MimeType string `bson:"mime_type" json:"mime_type,omitempty"`
	Size     int64  `bson:"size" json:"size,omitempty"`
}

// SendInput is the payload of a message.send event.
type SendInput struct {
	ConversationID string       `json:"conversation_id"`
	ClientMsgID    string       `json:"client_msg_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	HuddleID       string       `json:"huddle_id,omitempty"` // set for in-huddle chat
}

// ReadReceipt is broadcast on markRead.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Seq            int64     `json:"seq"`
	ReadAt         time.Time `json:"read_at"`
}
