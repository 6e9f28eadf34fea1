package fabric

import (
	"context"
	"time"
)

// Message is a frame relayed between nodes. Origin carries the publishing
// gateway id so a node can skip frames it originated itself.
type Message struct {
	Subject string `json:"subject"`
	Origin  string `json:"origin"`
	Data    []byte `json:"data"`
}

type Handler func(msg Message)

// PubSub is the cross-node publish/subscribe capability. Any broker with
// subject-based fan-out satisfies it; the production implementation is NATS.
type PubSub interface {
	Publish(ctx context.Context, subject, origin string, data []byte) error
	// Subscribe registers h for subject and returns an unsubscribe func.
	Subscribe(subject string, h Handler) (func(), error)
	Close() error
}

// State is the shared key-value capability backing cross-node presence:
// per-user connection sets with TTL, last-seen stamps, typing markers.
type State interface {
	AddConn(ctx context.Context, userID, connID, gatewayID string, ttl time.Duration) error
	RemoveConn(ctx context.Context, userID, connID string) error
	// Conns returns connID -> gatewayID for every live connection of userID,
	// across all nodes.
	Conns(ctx context.Context, userID string) (map[string]string, error)
	TouchConns(ctx context.Context, userID string, ttl time.Duration) error

	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, error)

	SetTyping(ctx context.Context, userID, topic string, ttl time.Duration) error
	ClearTyping(ctx context.Context, userID, topic string) error
	IsTyping(ctx context.Context, userID, topic string) (bool, error)
}

// Fabric bundles the two capabilities one node needs.
type Fabric struct {
	Bus   PubSub
	State State
}

// Subjects used on the bus. Topic traffic maps one subject per topic so
// nodes only receive traffic for topics they could have subscribers on.
const (
	SubjectTopicPrefix = "rt.topic."
	SubjectPresence    = "rt.presence"
	SubjectUserPrefix  = "rt.user." // direct-to-user delivery (offline drain, call ring)
)

func TopicSubject(topic string) string { return SubjectTopicPrefix + topic }
func UserSubject(userID string) string { return SubjectUserPrefix + userID }
