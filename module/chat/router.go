package chat

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/module/offline"
	"github.com/quckapp/quckapp-sub001/service/audit"
	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/ids"
)

// Broadcaster delivers events to subscribers, local and remote.
type Broadcaster interface {
	Publish(ctx context.Context, topic, event string, payload any) error
	// DeliverToUser pushes directly to every connection of userID except
	// those already subscribed to skipTopic (they got the topic broadcast).
	DeliverToUser(ctx context.Context, userID, event string, payload any, skipTopic string) error
}

// Presence answers liveness; "unknown" degrades to offline so delivery
// falls back to the queue (at-least-once is safe, missing a user is not).
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Queue is the store-and-forward hook for unreachable recipients.
type Queue interface {
	Enqueue(ctx context.Context, recipientID, messageID string, payload []byte) (*offline.Entry, error)
	ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error
}

// Notifier fans out to external push/email/sms channels.
type Notifier interface {
	Dispatch(ctx context.Context, n *notify.Notification)
}

// Router handles message send/edit/delete/reaction/read-receipt events.
// Events from a single sender within one conversation are delivered in send
// order (per-conversation seq); cross-sender order is arrival order only.
type Router struct {
	store    Store
	bc       Broadcaster
	presence Presence
	queue    Queue
	notify   Notifier
	audit    audit.Publisher

	persistHuddleChat bool
	clock             func() time.Time
}

type RouterConfig struct {
	Store             Store
	Broadcaster       Broadcaster
	Presence          Presence
	Queue             Queue
	Notifier          Notifier
	Audit             audit.Publisher
	PersistHuddleChat bool
	Clock             func() time.Time
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Router{
		store:             cfg.Store,
		bc:                cfg.Broadcaster,
		presence:          cfg.Presence,
		queue:             cfg.Queue,
		notify:            cfg.Notifier,
		audit:             cfg.Audit,
		persistHuddleChat: cfg.PersistHuddleChat,
		clock:             cfg.Clock,
	}
}

// SendMessage sequences, persists, and routes one message. Recipients with a
// live connection get it immediately; the rest go through the queue and the
// notification dispatcher.
func (r *Router) SendMessage(ctx context.Context, senderID string, in SendInput) (*Message, error) {
	inHuddle := in.HuddleID != ""
	convKey := in.ConversationID
	topic := global.TopicConversation(in.ConversationID)
	if inHuddle {
		convKey = global.TopicHuddle(in.HuddleID)
		topic = global.TopicHuddle(in.HuddleID)
	}
	if convKey == "" {
		return nil, errs.ErrPayload.WrapMsg("missing conversation_id")
	}

	// duplicate client send: return the original, no re-broadcast
	if in.ClientMsgID != "" {
		if dup, err := r.store.FindByClientID(ctx, senderID, in.ClientMsgID); err == nil && dup != nil {
			return dup, nil
		}
	}

	seq, err := r.store.NextSeq(ctx, convKey)
	if err != nil {
		return nil, errs.ErrTransientDelivery.WrapMsg("seq alloc failed", "conv", convKey, "err", err)
	}

	m := &Message{
		ID:             ids.GenerateString(),
		ConversationID: convKey,
		SenderID:       senderID,
		ClientMsgID:    in.ClientMsgID,
		Content:        in.Content,
		Attachments:    in.Attachments,
		ReplyTo:        in.ReplyTo,
		Seq:            seq,
		CreatedAt:      r.clock(),
	}

	// huddle in-room chat is ephemeral unless the persistence policy is on
	if !inHuddle || r.persistHuddleChat {
		if err := r.store.Insert(ctx, m); err != nil {
			return nil, errs.ErrTransientDelivery.WrapMsg("persist failed", "msg", m.ID, "err", err)
		}
	}

	if err := r.bc.Publish(ctx, topic, global.EventMessageNew, m); err != nil {
		logger.Errorf("[chat] broadcast failed msg=%s err=%v", m.ID, err)
	}

	// huddle participants are in the room by definition; no offline fan-out
	if !inHuddle {
		r.fanToRecipients(ctx, topic, m)
	}

	r.audit.Publish(ctx, "message.sent", map[string]any{
		"message_id": m.ID, "conversation_id": convKey, "sender_id": senderID, "seq": seq,
	})
	return m, nil
}

func (r *Router) fanToRecipients(ctx context.Context, topic string, m *Message) {
	members, err := r.store.Members(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("[chat] members lookup failed conv=%s err=%v", m.ConversationID, err)
		return
	}
	frame, err := global.BuildFrame(global.EventMessageNew, topic, m)
	if err != nil {
		logger.Errorf("[chat] frame build failed msg=%s err=%v", m.ID, err)
		return
	}
	for _, user := range members {
		if user == m.SenderID {
			continue
		}
		online, perr := r.presence.IsOnline(ctx, user)
		if perr != nil {
			online = false // unknown degrades to queued delivery
		}
		if online {
			if err := r.bc.DeliverToUser(ctx, user, global.EventMessageNew, m, topic); err != nil {
				logger.Infof("[chat] direct deliver failed user=%s msg=%s err=%v", user, m.ID, err)
			}
			continue
		}
		if _, err := r.queue.Enqueue(ctx, user, m.ID, frame); err != nil {
			logger.Errorf("[chat] enqueue failed user=%s msg=%s err=%v", user, m.ID, err)
		}
		r.notify.Dispatch(ctx, &notify.Notification{
			RecipientID: user,
			Kind:        notify.KindMessage,
			Title:       "New message",
			Body:        previewOf(m),
			Data:        map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID},
		})
	}
}

// EditMessage broadcasts an update event and replaces any still-queued
// payload in place.
func (r *Router) EditMessage(ctx context.Context, senderID, msgID, content string) (*Message, error) {
	m, err := r.store.Get(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message", "id", msgID)
	}
	if m.SenderID != senderID {
		return nil, errs.ErrStateConflict.WrapMsg("only the sender may edit", "id", msgID)
	}
	if err := r.store.UpdateContent(ctx, msgID, content); err != nil {
		return nil, errs.ErrTransientDelivery.WrapMsg("edit persist failed", "id", msgID, "err", err)
	}
	now := r.clock()
	m.Content = content
	m.EditedAt = &now

	topic := topicOf(m)
	if err := r.bc.Publish(ctx, topic, global.EventMessageUpdated, m); err != nil {
		logger.Errorf("[chat] edit broadcast failed msg=%s err=%v", msgID, err)
	}
	r.replaceQueued(ctx, topic, m, global.EventMessageNew)
	return m, nil
}

// DeleteMessage broadcasts a tombstone; a queued copy becomes the tombstone.
func (r *Router) DeleteMessage(ctx context.Context, senderID, msgID string) error {
	m, err := r.store.Get(ctx, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return errs.ErrNotFound.WrapMsg("message", "id", msgID)
	}
	if m.SenderID != senderID {
		return errs.ErrStateConflict.WrapMsg("only the sender may delete", "id", msgID)
	}
	if err := r.store.MarkDeleted(ctx, msgID); err != nil {
		return errs.ErrTransientDelivery.WrapMsg("delete persist failed", "id", msgID, "err", err)
	}

	topic := topicOf(m)
	tomb := map[string]any{"id": m.ID, "conversation_id": m.ConversationID, "seq": m.Seq, "deleted": true}
	if err := r.bc.Publish(ctx, topic, global.EventMessageDeleted, tomb); err != nil {
		logger.Errorf("[chat] delete broadcast failed msg=%s err=%v", msgID, err)
	}

	frame, err := global.BuildFrame(global.EventMessageDeleted, topic, tomb)
	if err == nil {
		r.forEachRecipient(ctx, m, func(user string) {
			if err := r.queue.ReplaceByMessage(ctx, user, m.ID, frame); err != nil {
				logger.Errorf("[chat] queued tombstone failed user=%s msg=%s err=%v", user, m.ID, err)
			}
		})
	}
	r.audit.Publish(ctx, "message.deleted", map[string]any{"message_id": m.ID, "conversation_id": m.ConversationID})
	return nil
}

// AddReaction is idempotent per (message, user, emoji): re-applying changes
// nothing and broadcasts nothing.
func (r *Router) AddReaction(ctx context.Context, userID, msgID, emoji string) error {
	m, err := r.store.Get(ctx, msgID)
	if err != nil {
		return err
	}
	if m == nil || m.Deleted {
		return errs.ErrNotFound.WrapMsg("message", "id", msgID)
	}
	changed, err := r.store.AddReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return r.bc.Publish(ctx, topicOf(m), global.EventReactionAdded, map[string]any{
		"message_id": msgID, "user_id": userID, "emoji": emoji,
	})
}

func (r *Router) RemoveReaction(ctx context.Context, userID, msgID, emoji string) error {
	m, err := r.store.Get(ctx, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return errs.ErrNotFound.WrapMsg("message", "id", msgID)
	}
	changed, err := r.store.RemoveReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return r.bc.Publish(ctx, topicOf(m), global.EventReactionRemoved, map[string]any{
		"message_id": msgID, "user_id": userID, "emoji": emoji,
	})
}

// MarkRead advances the reader's watermark and broadcasts a receipt. Marking
// an already-read seq changes nothing.
func (r *Router) MarkRead(ctx context.Context, userID, convID string, seq int64) error {
	changed, err := r.store.SetRead(ctx, convID, userID, seq)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return r.bc.Publish(ctx, global.TopicConversation(convID), global.EventReadReceipt, ReadReceipt{
		ConversationID: convID, UserID: userID, Seq: seq, ReadAt: r.clock(),
	})
}

func (r *Router) replaceQueued(ctx context.Context, topic string, m *Message, event string) {
	frame, err := global.BuildFrame(event, topic, m)
	if err != nil {
		return
	}
	r.forEachRecipient(ctx, m, func(user string) {
		if err := r.queue.ReplaceByMessage(ctx, user, m.ID, frame); err != nil {
			logger.Errorf("[chat] queued replace failed user=%s msg=%s err=%v", user, m.ID, err)
		}
	})
}

func (r *Router) forEachRecipient(ctx context.Context, m *Message, fn func(user string)) {
	members, err := r.store.Members(ctx, m.ConversationID)
	if err != nil {
		return
	}
	for _, user := range members {
		if user != m.SenderID {
			fn(user)
		}
	}
}

func topicOf(m *Message) string {
	if kind, _, ok := global.SplitTopic(m.ConversationID); ok && kind == "huddle" {
		return m.ConversationID // huddle chat keys by the huddle topic itself
	}
	return global.TopicConversation(m.ConversationID)
}

func previewOf(m *Message) string {
	const max = 120
	if m.Content == "" && len(m.Attachments) > 0 {
		return "Sent an attachment"
	}
	if len(m.Content) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(m.Content[cut]) {
			cut--
		}
		return m.Content[:cut] + "…"
	}
	return m.Content
}
