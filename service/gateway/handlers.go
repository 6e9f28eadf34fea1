package gateway

import (
	"context"
	"encoding/json"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/module/chat"
	"github.com/quckapp/quckapp-sub001/tools/decode"
	"github.com/quckapp/quckapp-sub001/tools/errs"
)

// handlerFunc adapts a server method to the Handler interface.
type handlerFunc struct {
	event string
	fn    func(ctx context.Context, c *WsConn, env *global.Envelope) error
}

func (h handlerFunc) Event() string { return h.event }
func (h handlerFunc) Handle(ctx context.Context, c *WsConn, env *global.Envelope) error {
	return h.fn(ctx, c, env)
}

func (s *Server) registerHandlers() {
	for event, fn := range map[string]func(ctx context.Context, c *WsConn, env *global.Envelope) error{
		global.EventAuth:              s.handleAuth,
		global.EventPing:              s.handlePing,
		global.EventJoin:              s.handleJoin,
		global.EventLeave:             s.handleLeave,
		global.EventTyping:            s.handleTyping,
		global.EventTypingStop:        s.handleTypingStop,
		global.EventMessageSend:       s.handleMessageSend,
		global.EventMessageEdit:       s.handleMessageEdit,
		global.EventMessageDelete:     s.handleMessageDelete,
		global.EventReactionAdd:       s.handleReactionAdd,
		global.EventReactionDel:       s.handleReactionDel,
		global.EventMessageRead:       s.handleMessageRead,
		global.EventCallInitiate:      s.handleCallInitiate,
		global.EventCallAnswer:        s.handleCallAnswer,
		global.EventCallReject:        s.handleCallReject,
		global.EventCallEnd:           s.handleCallEnd,
		global.EventCallSignal:        s.handleCallSignal,
		global.EventHuddleCreate:      s.handleHuddleCreate,
		global.EventHuddleJoin:        s.handleHuddleJoin,
		global.EventHuddleLeave:       s.handleHuddleLeave,
		global.EventHuddleAudio:       s.handleHuddleAudio,
		global.EventHuddleVideo:       s.handleHuddleVideo,
		global.EventHuddleScreenShare: s.handleHuddleScreenShare,
		global.EventQueueAck:          s.handleQueueAck,
	} {
		s.disp.Register(handlerFunc{event: event, fn: fn})
	}
}

// ===== payloads =====

type authPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type msgIDPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

type readPayload struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

type callPayload struct {
	CallID   string `json:"call_id,omitempty"`
	CalleeID string `json:"callee_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type huddlePayload struct {
	HuddleID       string `json:"huddle_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Muted          bool   `json:"muted,omitempty"`
	On             bool   `json:"on,omitempty"`
}

type ackPayload struct {
	EntryID string `json:"entry_id"`
}

// ===== session =====

func (s *Server) handleAuth(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[authPayload](env.Payload)
	if err != nil || p.Token == "" {
		return errs.ErrPayload.WrapMsg("missing token")
	}
	if p.DeviceID != "" || p.Platform != "" {
		s.conns.SetDevice(c.ID, p.DeviceID, p.Platform)
	}
	claims, err := s.Authenticate(ctx, c, p.Token)
	if err != nil {
		return err
	}
	s.SendEvent(c, global.EventAuthOK, "", map[string]any{
		"conn_id": c.ID, "user_id": claims.Sub, "session_id": claims.SessionID,
	})
	return nil
}

func (s *Server) handlePing(ctx context.Context, c *WsConn, env *global.Envelope) error {
	_ = s.conns.Heartbeat(c.ID)
	if c.Authorized {
		if err := s.tracker.Heartbeat(ctx, c.UserID); err != nil {
			return err
		}
	}
	s.SendEvent(c, global.EventPong, "", nil)
	return nil
}

func (s *Server) handleJoin(ctx context.Context, c *WsConn, env *global.Envelope) error {
	if env.Topic == "" {
		return errs.ErrPayload.WrapMsg("missing topic")
	}
	if _, _, ok := global.SplitTopic(env.Topic); !ok {
		return errs.ErrPayload.WrapMsg("bad topic", "topic", env.Topic)
	}
	return s.joinTopic(c.ID, env.Topic)
}

func (s *Server) handleLeave(ctx context.Context, c *WsConn, env *global.Envelope) error {
	if env.Topic == "" {
		return errs.ErrPayload.WrapMsg("missing topic")
	}
	s.leaveTopic(c.ID, env.Topic)
	return nil
}

// ===== typing =====

func (s *Server) handleTyping(ctx context.Context, c *WsConn, env *global.Envelope) error {
	if env.Topic == "" {
		return errs.ErrPayload.WrapMsg("missing topic")
	}
	return s.tracker.SetTyping(ctx, c.UserID, env.Topic)
}

func (s *Server) handleTypingStop(ctx context.Context, c *WsConn, env *global.Envelope) error {
	if env.Topic == "" {
		return errs.ErrPayload.WrapMsg("missing topic")
	}
	return s.tracker.ClearTyping(ctx, c.UserID, env.Topic)
}

// ===== messaging =====

func (s *Server) handleMessageSend(ctx context.Context, c *WsConn, env *global.Envelope) error {
	in, err := decode.Map[chat.SendInput](env.Payload)
	if err != nil {
		return errs.ErrPayload.WrapMsg("bad send payload", "err", err)
	}
	_, err = s.router.SendMessage(ctx, c.UserID, *in)
	return err
}

func (s *Server) handleMessageEdit(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[msgIDPayload](env.Payload)
	if err != nil || p.MessageID == "" {
		return errs.ErrPayload.WrapMsg("missing message_id")
	}
	_, err = s.router.EditMessage(ctx, c.UserID, p.MessageID, p.Content)
	return err
}

func (s *Server) handleMessageDelete(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[msgIDPayload](env.Payload)
	if err != nil || p.MessageID == "" {
		return errs.ErrPayload.WrapMsg("missing message_id")
	}
	return s.router.DeleteMessage(ctx, c.UserID, p.MessageID)
}

func (s *Server) handleReactionAdd(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[msgIDPayload](env.Payload)
	if err != nil || p.MessageID == "" || p.Emoji == "" {
		return errs.ErrPayload.WrapMsg("missing message_id/emoji")
	}
	return s.router.AddReaction(ctx, c.UserID, p.MessageID, p.Emoji)
}

func (s *Server) handleReactionDel(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[msgIDPayload](env.Payload)
	if err != nil || p.MessageID == "" || p.Emoji == "" {
		return errs.ErrPayload.WrapMsg("missing message_id/emoji")
	}
	return s.router.RemoveReaction(ctx, c.UserID, p.MessageID, p.Emoji)
}

func (s *Server) handleMessageRead(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[readPayload](env.Payload)
	if err != nil || p.ConversationID == "" {
		return errs.ErrPayload.WrapMsg("missing conversation_id")
	}
	return s.router.MarkRead(ctx, c.UserID, p.ConversationID, p.Seq)
}

// ===== calls =====

func (s *Server) handleCallInitiate(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[callPayload](env.Payload)
	if err != nil || p.CalleeID == "" {
		return errs.ErrPayload.WrapMsg("missing callee_id")
	}
	snap, err := s.calls.Initiate(ctx, c.UserID, p.CalleeID, p.Type)
	if err != nil {
		return err
	}
	s.SendEvent(c, global.EventCallRinging, "", snap)
	return nil
}

func (s *Server) handleCallAnswer(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[callPayload](env.Payload)
	if err != nil || p.CallID == "" {
		return errs.ErrPayload.WrapMsg("missing call_id")
	}
	snap, err := s.calls.Answer(ctx, p.CallID, c.UserID, c.ID)
	if err != nil {
		return err
	}
	s.SendEvent(c, global.EventCallAnswered, "", snap)
	return nil
}

func (s *Server) handleCallReject(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[callPayload](env.Payload)
	if err != nil || p.CallID == "" {
		return errs.ErrPayload.WrapMsg("missing call_id")
	}
	_, err = s.calls.Reject(ctx, p.CallID, c.UserID)
	return err
}

func (s *Server) handleCallEnd(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[callPayload](env.Payload)
	if err != nil || p.CallID == "" {
		return errs.ErrPayload.WrapMsg("missing call_id")
	}
	_, err = s.calls.End(ctx, p.CallID, c.UserID)
	return err
}

func (s *Server) handleCallSignal(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[callPayload](env.Payload)
	if err != nil || p.CallID == "" {
		return errs.ErrPayload.WrapMsg("missing call_id")
	}
	blob, err := json.Marshal(p.Data)
	if err != nil {
		return errs.ErrPayload.WrapMsg("bad signal data", "err", err)
	}
	return s.calls.Signal(ctx, p.CallID, c.UserID, blob)
}

// ===== huddles =====

func (s *Server) handleHuddleCreate(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.ConversationID == "" {
		return errs.ErrPayload.WrapMsg("missing conversation_id")
	}
	snap, err := s.huddles.Create(ctx, p.ConversationID, c.UserID, c.ID)
	if err != nil {
		return err
	}
	return s.joinTopic(c.ID, global.TopicHuddle(snap.ID))
}

func (s *Server) handleHuddleJoin(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.HuddleID == "" {
		return errs.ErrPayload.WrapMsg("missing huddle_id")
	}
	if _, err := s.huddles.Join(ctx, p.HuddleID, c.UserID, c.ID); err != nil {
		return err
	}
	return s.joinTopic(c.ID, global.TopicHuddle(p.HuddleID))
}

func (s *Server) handleHuddleLeave(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.HuddleID == "" {
		return errs.ErrPayload.WrapMsg("missing huddle_id")
	}
	s.leaveTopic(c.ID, global.TopicHuddle(p.HuddleID))
	return s.huddles.Leave(ctx, p.HuddleID, c.UserID)
}

func (s *Server) handleHuddleAudio(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.HuddleID == "" {
		return errs.ErrPayload.WrapMsg("missing huddle_id")
	}
	return s.huddles.ToggleAudio(ctx, p.HuddleID, c.UserID, p.Muted)
}

func (s *Server) handleHuddleVideo(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.HuddleID == "" {
		return errs.ErrPayload.WrapMsg("missing huddle_id")
	}
	return s.huddles.ToggleVideo(ctx, p.HuddleID, c.UserID, p.On)
}

func (s *Server) handleHuddleScreenShare(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[huddlePayload](env.Payload)
	if err != nil || p.HuddleID == "" {
		return errs.ErrPayload.WrapMsg("missing huddle_id")
	}
	return s.huddles.ToggleScreenShare(ctx, p.HuddleID, c.UserID)
}

// ===== offline queue =====

func (s *Server) handleQueueAck(ctx context.Context, c *WsConn, env *global.Envelope) error {
	p, err := decode.Map[ackPayload](env.Payload)
	if err != nil || p.EntryID == "" {
		return errs.ErrPayload.WrapMsg("missing entry_id")
	}
	return s.queue.Ack(ctx, c.UserID, p.EntryID)
}
