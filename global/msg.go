package global

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire event frame exchanged with clients:
// {event, topic, payload} over the per-connection channel.
type Envelope struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope failed: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event")
	}
	return env, nil
}

// BuildFrame marshals an outbound frame. Payload may be any JSON-able value.
func BuildFrame(event, topic string, payload any) ([]byte, error) {
	out := struct {
		Event   string `json:"event"`
		Topic   string `json:"topic,omitempty"`
		Payload any    `json:"payload,omitempty"`
	}{Event: event, Topic: topic, Payload: payload}
	return json.Marshal(&out)
}

// Client -> server events.
const (
	EventAuth              = "auth"
	EventPing              = "ping"
	EventJoin              = "join"
	EventLeave             = "leave"
	EventTyping            = "typing"
	EventTypingStop        = "typing.stop"
	EventMessageSend       = "message.send"
	EventMessageEdit       = "message.edit"
	EventMessageDelete     = "message.delete"
	EventReactionAdd       = "reaction.add"
	EventReactionDel       = "reaction.remove"
	EventMessageRead       = "message.read"
	EventCallInitiate      = "call.initiate"
	EventCallAnswer        = "call.answer"
	EventCallReject        = "call.reject"
	EventCallEnd           = "call.end"
	EventCallSignal        = "call.signal"
	EventHuddleCreate      = "huddle.create"
	EventHuddleJoin        = "huddle.join"
	EventHuddleLeave       = "huddle.leave"
	EventHuddleAudio       = "huddle.audio"
	EventHuddleVideo       = "huddle.video"
	EventHuddleScreenShare = "huddle.screenshare"
	EventQueueAck          = "queue.ack"
)

// Server -> client events.
const (
	EventAuthOK          = "auth.ok"
	EventError           = "error"
	EventPong            = "pong"
	EventPresenceUpdate  = "presence.update"
	EventTypingUpdate    = "typing.update"
	EventMessageNew      = "message.new"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventReactionAdded   = "reaction.added"
	EventReactionRemoved = "reaction.removed"
	EventReadReceipt     = "message.read.receipt"
	EventCallIncoming    = "call.incoming"
	EventCallRinging     = "call.ringing"
	EventCallAnswered    = "call.answered"
	EventCallStopRinging = "call.stop_ringing"
	EventCallRejected    = "call.rejected"
	EventCallMissed      = "call.missed"
	EventCallEnded       = "call.ended"
	EventCallSignalRelay = "call.signal"
	EventHuddleState     = "huddle.state"
	EventQueueDeliver    = "queue.deliver"
)
