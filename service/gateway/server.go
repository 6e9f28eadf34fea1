package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/module/call"
	"github.com/quckapp/quckapp-sub001/module/chat"
	"github.com/quckapp/quckapp-sub001/module/huddle"
	"github.com/quckapp/quckapp-sub001/module/offline"
	"github.com/quckapp/quckapp-sub001/service/audit"
	"github.com/quckapp/quckapp-sub001/service/fabric"
	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/service/presence"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/security"
)

// Server is one realtime node: the local connection registry plus the
// fabric glue that makes every delivery primitive cluster-wide. It is the
// Broadcaster/Transport implementation every domain manager routes through.
type Server struct {
	conf  global.Config
	conns *ConnManager
	fab   *fabric.Fabric
	disp  *Dispatcher
	audit audit.Publisher

	tracker  *presence.Tracker
	router   *chat.Router
	calls    *call.Manager
	huddles  *huddle.Manager
	queue    *offline.Manager
	notifier *notify.Dispatcher

	mu        sync.Mutex
	topicSubs map[string]*subRef // topic -> fabric subscription refcount
	userSubs  map[string]func()  // userID -> fabric unsubscribe

	presenceUnsub func()
	stopOnce      sync.Once
	stopCh        chan struct{}
}

type subRef struct {
	count int
	unsub func()
}

// remoteUserFrame is the fabric payload for direct-to-user delivery; the
// receiving node applies the skip/except filters against its own registry.
type remoteUserFrame struct {
	Frame      []byte `json:"frame"`
	SkipTopic  string `json:"skip_topic,omitempty"`
	ExceptConn string `json:"except_conn,omitempty"`
}

func NewServer(conf global.Config, conns *ConnManager, fab *fabric.Fabric, aud audit.Publisher) *Server {
	if aud == nil {
		aud = audit.Nop{}
	}
	s := &Server{
		conf:      conf,
		conns:     conns,
		fab:       fab,
		disp:      NewDispatcher(),
		audit:     aud,
		topicSubs: make(map[string]*subRef),
		userSubs:  make(map[string]func()),
		stopCh:    make(chan struct{}),
	}
	conns.OnEvict(func(c *WsConn) { s.teardown(c) })
	return s
}

// Attach wires the domain managers in after construction; they all depend
// on the server's delivery primitives.
func (s *Server) Attach(tracker *presence.Tracker, router *chat.Router, calls *call.Manager,
	huddles *huddle.Manager, queue *offline.Manager, notifier *notify.Dispatcher) {
	s.tracker = tracker
	s.router = router
	s.calls = calls
	s.huddles = huddles
	s.queue = queue
	s.notifier = notifier
	s.registerHandlers()
}

// Start subscribes the node-wide fabric subjects.
func (s *Server) Start() error {
	unsub, err := s.fab.Bus.Subscribe(fabric.SubjectPresence, s.onFabricPresence)
	if err != nil {
		return err
	}
	s.presenceUnsub = unsub
	return nil
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.presenceUnsub != nil {
		s.presenceUnsub()
	}
	s.mu.Lock()
	for _, ref := range s.topicSubs {
		ref.unsub()
	}
	for _, unsub := range s.userSubs {
		unsub()
	}
	s.topicSubs = make(map[string]*subRef)
	s.userSubs = make(map[string]func())
	s.mu.Unlock()
	s.conns.Close()
}

func (s *Server) Conns() *ConnManager        { return s.conns }
func (s *Server) Tracker() *presence.Tracker { return s.tracker }
func (s *Server) Calls() *call.Manager       { return s.calls }
func (s *Server) Huddles() *huddle.Manager   { return s.huddles }
func (s *Server) Router() *chat.Router       { return s.router }
func (s *Server) Queue() *offline.Manager    { return s.queue }

// ===== broadcaster / transport =====

// Publish fans a topic event out to local subscribers and across the
// fabric. The origin tag keeps this node from re-consuming its own frame.
func (s *Server) Publish(ctx context.Context, topic, event string, payload any) error {
	frame, err := global.BuildFrame(event, topic, payload)
	if err != nil {
		return err
	}
	s.deliverTopicLocal(topic, frame)
	return s.fab.Bus.Publish(ctx, fabric.TopicSubject(topic), s.conns.GwID(), frame)
}

// DeliverToUser pushes an event to every connection of userID on every
// node. Connections subscribed to skipTopic are left out; they already got
// the topic broadcast.
func (s *Server) DeliverToUser(ctx context.Context, userID, event string, payload any, skipTopic string) error {
	frame, err := global.BuildFrame(event, "", payload)
	if err != nil {
		return err
	}
	s.deliverUserLocal(userID, frame, skipTopic, "")
	data, err := json.Marshal(remoteUserFrame{Frame: frame, SkipTopic: skipTopic})
	if err != nil {
		return err
	}
	return s.fab.Bus.Publish(ctx, fabric.UserSubject(userID), s.conns.GwID(), data)
}

// DeliverToUserExcept targets every device of userID but one. Conn ids are
// node-unique snowflakes, so remote nodes simply never match the exception.
func (s *Server) DeliverToUserExcept(ctx context.Context, userID, exceptConnID, event string, payload any) error {
	frame, err := global.BuildFrame(event, "", payload)
	if err != nil {
		return err
	}
	s.deliverUserLocal(userID, frame, "", exceptConnID)
	data, err := json.Marshal(remoteUserFrame{Frame: frame, ExceptConn: exceptConnID})
	if err != nil {
		return err
	}
	return s.fab.Bus.Publish(ctx, fabric.UserSubject(userID), s.conns.GwID(), data)
}

// PublishPresence pushes a presence transition to every authorized local
// connection and to the other nodes.
func (s *Server) PublishPresence(ctx context.Context, info *presence.Info) error {
	frame, err := global.BuildFrame(global.EventPresenceUpdate, "", info)
	if err != nil {
		return err
	}
	s.deliverAllAuthorized(frame)
	return s.fab.Bus.Publish(ctx, fabric.SubjectPresence, s.conns.GwID(), frame)
}

// PublishTyping broadcasts a typing transition on the topic itself.
func (s *Server) PublishTyping(ctx context.Context, topic, userID string, typing bool) error {
	return s.Publish(ctx, topic, global.EventTypingUpdate, presence.TypingEvent{
		Topic: topic, UserID: userID, Typing: typing,
	})
}

// DeliverQueued is the offline drain hook: it wraps a queued entry in a
// queue.deliver frame and pushes it to the recipient's local connections.
func (s *Server) DeliverQueued(ctx context.Context, recipientID string, e *offline.Entry) error {
	conns := s.conns.UserConns(recipientID)
	if len(conns) == 0 {
		return errs.ErrTransientDelivery.WrapMsg("no local connection", "recipient", recipientID)
	}
	frame, err := global.BuildFrame(global.EventQueueDeliver, "", map[string]any{
		"entry_id": e.ID,
		"frame":    json.RawMessage(e.Payload),
	})
	if err != nil {
		return err
	}
	n := 0
	for _, c := range conns {
		if c.Enqueue(frame) {
			n++
		}
	}
	if n == 0 {
		return errs.ErrTransientDelivery.WrapMsg("send queues full", "recipient", recipientID)
	}
	return nil
}

// ===== local delivery =====

func (s *Server) deliverTopicLocal(topic string, frame []byte) {
	for _, c := range s.conns.TopicConns(topic) {
		s.enqueueOrDrop(c, frame)
	}
}

func (s *Server) deliverUserLocal(userID string, frame []byte, skipTopic, exceptConnID string) {
	for _, c := range s.conns.UserConns(userID) {
		if exceptConnID != "" && c.ID == exceptConnID {
			continue
		}
		if skipTopic != "" && s.conns.HasTopic(c.ID, skipTopic) {
			continue
		}
		s.enqueueOrDrop(c, frame)
	}
}

func (s *Server) deliverAllAuthorized(frame []byte) {
	for _, c := range s.conns.TopicConns(presenceFeed) {
		s.enqueueOrDrop(c, frame)
	}
}

// enqueueOrDrop pushes one frame; a connection that cannot keep up is
// disconnected rather than allowed to grow its queue unboundedly.
func (s *Server) enqueueOrDrop(c *WsConn, frame []byte) {
	if !c.Enqueue(frame) {
		logger.Warnf("[gateway] slow consumer disconnected conn=%s user=%s", c.ID, c.UserID)
		s.Disconnect(c.ID)
	}
}

// presenceFeed is an implicit topic every authorized connection joins, so
// presence fan-out reuses the topic index.
const presenceFeed = "presence:feed"

// ===== fabric handlers =====

func (s *Server) onFabricTopic(topic string) fabric.Handler {
	return func(msg fabric.Message) {
		if msg.Origin == s.conns.GwID() {
			return
		}
		s.deliverTopicLocal(topic, msg.Data)
	}
}

func (s *Server) onFabricUser(userID string) fabric.Handler {
	return func(msg fabric.Message) {
		if msg.Origin == s.conns.GwID() {
			return
		}
		var rf remoteUserFrame
		if err := json.Unmarshal(msg.Data, &rf); err != nil {
			logger.Errorf("[gateway] bad user frame subject=%s err=%v", msg.Subject, err)
			return
		}
		s.deliverUserLocal(userID, rf.Frame, rf.SkipTopic, rf.ExceptConn)
	}
}

func (s *Server) onFabricPresence(msg fabric.Message) {
	if msg.Origin == s.conns.GwID() {
		return
	}
	s.deliverAllAuthorized(msg.Data)
}

// ===== subscription refcounts =====

// joinTopic subscribes the connection and, on the topic's first local
// subscriber, bridges the topic's fabric subject onto this node.
func (s *Server) joinTopic(connID, topic string) error {
	changed, err := s.conns.Subscribe(connID, topic)
	if err != nil || !changed {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.topicSubs[topic]; ok {
		ref.count++
		return nil
	}
	unsub, err := s.fab.Bus.Subscribe(fabric.TopicSubject(topic), s.onFabricTopic(topic))
	if err != nil {
		return err
	}
	s.topicSubs[topic] = &subRef{count: 1, unsub: unsub}
	return nil
}

func (s *Server) leaveTopic(connID, topic string) {
	if !s.conns.Unsubscribe(connID, topic) {
		return
	}
	s.releaseTopic(topic)
}

func (s *Server) releaseTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.topicSubs[topic]
	if !ok {
		return
	}
	ref.count--
	if ref.count <= 0 {
		ref.unsub()
		delete(s.topicSubs, topic)
	}
}

// bindUserSubject bridges the user's fabric subject when their first
// connection lands on this node.
func (s *Server) bindUserSubject(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userSubs[userID]; ok {
		return nil
	}
	unsub, err := s.fab.Bus.Subscribe(fabric.UserSubject(userID), s.onFabricUser(userID))
	if err != nil {
		return err
	}
	s.userSubs[userID] = unsub
	return nil
}

func (s *Server) releaseUserSubject(userID string) {
	if len(s.conns.UserConns(userID)) > 0 {
		return
	}
	s.mu.Lock()
	if unsub, ok := s.userSubs[userID]; ok {
		unsub()
		delete(s.userSubs, userID)
	}
	s.mu.Unlock()
}

// ===== connection lifecycle =====

// Authenticate verifies the token and promotes the connection. First device
// of a user on this node also bridges their fabric subject and kicks the
// offline drain.
func (s *Server) Authenticate(ctx context.Context, c *WsConn, token string) (*security.Claims, error) {
	claims, err := security.Verify(security.Options{
		Secret: []byte(s.conf.JWTSecret),
		Issuer: s.conf.JWTIssuer,
	}, token)
	if err != nil {
		return nil, err
	}
	if _, err := s.conns.BindUser(c.ID, claims.Sub); err != nil {
		return nil, errs.ErrAuth.WrapMsg("bind failed", "err", err)
	}
	if _, err := s.conns.Subscribe(c.ID, presenceFeed); err != nil {
		logger.Errorf("[gateway] presence feed join failed conn=%s err=%v", c.ID, err)
	}
	if err := s.bindUserSubject(claims.Sub); err != nil {
		logger.Errorf("[gateway] user subject bind failed user=%s err=%v", claims.Sub, err)
	}
	if err := s.tracker.MarkOnline(ctx, claims.Sub, c.ID); err != nil {
		logger.Errorf("[gateway] mark online failed user=%s err=%v", claims.Sub, err)
	}
	s.queue.OnRecipientOnline(claims.Sub)
	s.audit.Publish(ctx, "connection.authenticated", map[string]any{
		"conn_id": c.ID, "user_id": claims.Sub, "session_id": claims.SessionID,
		"device_id": c.DeviceID, "platform": c.Platform,
	})
	return claims, nil
}

// teardown unwinds everything a dead connection held: topic refcounts,
// huddle membership, presence, the user's fabric subject.
func (s *Server) teardown(c *WsConn) {
	ctx := context.Background()
	for _, topic := range s.conns.TopicsOf(c) {
		s.releaseTopic(topic)
	}
	if !c.Authorized || c.UserID == "" {
		return
	}
	if s.huddles != nil {
		s.huddles.LeaveAll(ctx, c.UserID)
	}
	if s.tracker != nil {
		if err := s.tracker.MarkOffline(ctx, c.UserID, c.ID); err != nil {
			logger.Errorf("[gateway] mark offline failed user=%s err=%v", c.UserID, err)
		}
	}
	if s.queue != nil && len(s.conns.UserConns(c.UserID)) == 0 {
		s.queue.OnRecipientOffline(c.UserID)
	}
	s.releaseUserSubject(c.UserID)
}

// Disconnect removes the connection and runs teardown.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Remove(connID); c != nil {
		s.teardown(c)
	}
}

// ===== outbound =====

// SendError writes an error frame with the taxonomy code.
func (s *Server) SendError(c *WsConn, err error) {
	frame, berr := global.BuildFrame(global.EventError, "", map[string]any{
		"code":    errs.Code(err),
		"message": err.Error(),
	})
	if berr != nil {
		return
	}
	c.Enqueue(frame)
}

// SendEvent writes one frame directly to the connection.
func (s *Server) SendEvent(c *WsConn, event, topic string, payload any) {
	frame, err := global.BuildFrame(event, topic, payload)
	if err != nil {
		logger.Errorf("[gateway] frame build failed event=%s err=%v", event, err)
		return
	}
	c.Enqueue(frame)
}

// ===== write pump =====

const (
	writeDeadline = 5 * time.Second
	pingEvery     = 25 * time.Second
)

// writePump is the single writer goroutine of one connection.
func (s *Server) writePump(c *WsConn) {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case frame := <-c.SendChan:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				s.Disconnect(c.ID)
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Disconnect(c.ID)
				return
			}
		case <-t.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				s.Disconnect(c.ID)
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Disconnect(c.ID)
				return
			}
		case <-s.stopCh:
			return
		}
	}
}
