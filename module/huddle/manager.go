package huddle

import (
	"context"
	"sync"
	"time"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/service/audit"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/ids"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

// Transport broadcasts huddle state to the room's topic.
type Transport interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

type Config struct {
	Capacity int // participant cap per room
	Clock    func() time.Time
}

func (c *Config) norm() {
	if c.Capacity <= 0 {
		c.Capacity = 50
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager owns one actor per huddle, plus the conversation -> huddle index
// that makes Create idempotent. Rooms are destroyed when the last
// participant leaves.
type Manager struct {
	conf      Config
	transport Transport
	audit     audit.Publisher

	mu     sync.RWMutex
	actors map[string]*actor // huddle id -> actor
	byConv map[string]string // conversation id -> huddle id

	stopOnce sync.Once
	stopCh   chan struct{}
}

type actor struct {
	h    *Huddle
	cmds chan func()
	stop chan struct{}
}

func NewManager(conf Config, transport Transport, aud audit.Publisher) *Manager {
	conf.norm()
	if aud == nil {
		aud = audit.Nop{}
	}
	return &Manager{
		conf:      conf,
		transport: transport,
		audit:     aud,
		actors:    make(map[string]*actor),
		byConv:    make(map[string]string),
		stopCh:    make(chan struct{}),
	}
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	for _, a := range m.actors {
		close(a.stop)
	}
	m.actors = make(map[string]*actor)
	m.byConv = make(map[string]string)
	m.mu.Unlock()
}

// Create starts a huddle for the conversation, or joins the caller into the
// one already running there. One huddle per conversation.
func (m *Manager) Create(ctx context.Context, conversationID, creatorID, connID string) (*Huddle, error) {
	if conversationID == "" {
		return nil, errs.ErrPayload.WrapMsg("missing conversation_id")
	}
	m.mu.Lock()
	if id, ok := m.byConv[conversationID]; ok {
		m.mu.Unlock()
		return m.Join(ctx, id, creatorID, connID)
	}
	now := m.conf.Clock()
	h := &Huddle{
		ID:             ids.GenerateString(),
		ConversationID: conversationID,
		CreatorID:      creatorID,
		CreatedAt:      now,
		Participants: []Participant{
			{UserID: creatorID, ConnID: connID, JoinedAt: now},
		},
	}
	a := &actor{
		h:    h,
		cmds: make(chan func(), 64),
		stop: make(chan struct{}),
	}
	m.actors[h.ID] = a
	m.byConv[conversationID] = h.ID
	m.mu.Unlock()
	snap := h.snapshot() // before the actor starts; it owns h from then on
	safe.SafeGo("huddle.actor", func() { m.run(a) })

	m.broadcastState(ctx, snap)
	m.audit.Publish(ctx, "huddle.created", map[string]any{
		"huddle_id": h.ID, "conversation_id": conversationID, "creator_id": creatorID,
	})
	return snap, nil
}

func (m *Manager) run(a *actor) {
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.stop:
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) do(huddleID string, fn func(h *Huddle) error) error {
	m.mu.RLock()
	a := m.actors[huddleID]
	m.mu.RUnlock()
	if a == nil {
		return errs.ErrNotFound.WrapMsg("huddle", "id", huddleID)
	}
	errCh := make(chan error, 1)
	select {
	case a.cmds <- func() { errCh <- fn(a.h) }:
	case <-a.stop:
		return errs.ErrNotFound.WrapMsg("huddle", "id", huddleID)
	}
	select {
	case err := <-errCh:
		return err
	case <-a.stop:
		return errs.ErrNotFound.WrapMsg("huddle", "id", huddleID)
	}
}

// Get returns a snapshot of the huddle.
func (m *Manager) Get(ctx context.Context, huddleID string) (*Huddle, error) {
	var snap *Huddle
	err := m.do(huddleID, func(h *Huddle) error {
		snap = h.snapshot()
		return nil
	})
	return snap, err
}

// ForConversation resolves the live huddle in a conversation, if any.
func (m *Manager) ForConversation(ctx context.Context, conversationID string) (*Huddle, error) {
	m.mu.RLock()
	id, ok := m.byConv[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("huddle", "conversation", conversationID)
	}
	return m.Get(ctx, id)
}

// Join adds a participant. Joining a room you are already in refreshes the
// connection; a full room returns CapacityExceeded.
func (m *Manager) Join(ctx context.Context, huddleID, userID, connID string) (*Huddle, error) {
	var snap *Huddle
	err := m.do(huddleID, func(h *Huddle) error {
		if p := h.participant(userID); p != nil {
			p.ConnID = connID
			snap = h.snapshot()
			return nil
		}
		if len(h.Participants) >= m.conf.Capacity {
			return errs.ErrCapacityExceeded.WrapMsg("huddle full", "id", huddleID, "capacity", m.conf.Capacity)
		}
		h.Participants = append(h.Participants, Participant{
			UserID: userID, ConnID: connID, JoinedAt: m.conf.Clock(),
		})
		snap = h.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.broadcastState(ctx, snap)
	return snap, nil
}

// Leave removes a participant. A leaver holding the screen share releases
// it; the last leaver destroys the room.
func (m *Manager) Leave(ctx context.Context, huddleID, userID string) error {
	var (
		snap  *Huddle
		empty bool
	)
	err := m.do(huddleID, func(h *Huddle) error {
		p := h.participant(userID)
		if p == nil {
			return errs.ErrNotFound.WrapMsg("not in huddle", "user", userID)
		}
		for i := range h.Participants {
			if h.Participants[i].UserID == userID {
				h.Participants = append(h.Participants[:i], h.Participants[i+1:]...)
				break
			}
		}
		if h.ScreenSharerID == userID {
			h.ScreenSharerID = ""
		}
		empty = len(h.Participants) == 0
		snap = h.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	if empty {
		m.destroy(ctx, snap)
		return nil
	}
	m.broadcastState(ctx, snap)
	return nil
}

// LeaveAll drops the user from every room they are in (connection teardown).
func (m *Manager) LeaveAll(ctx context.Context, userID string) {
	m.mu.RLock()
	roomIDs := make([]string, 0, len(m.actors))
	for id := range m.actors {
		roomIDs = append(roomIDs, id)
	}
	m.mu.RUnlock()
	for _, id := range roomIDs {
		if err := m.Leave(ctx, id, userID); err != nil && errs.Code(err) != errs.CodeNotFound {
			logger.Infof("[huddle] leave-all failed huddle=%s user=%s err=%v", id, userID, err)
		}
	}
}

// ToggleAudio flips the participant's mute flag and broadcasts the room.
func (m *Manager) ToggleAudio(ctx context.Context, huddleID, userID string, muted bool) error {
	var snap *Huddle
	err := m.do(huddleID, func(h *Huddle) error {
		p := h.participant(userID)
		if p == nil {
			return errs.ErrNotFound.WrapMsg("not in huddle", "user", userID)
		}
		p.Muted = muted
		snap = h.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.broadcastState(ctx, snap)
	return nil
}

// ToggleVideo flips the participant's camera flag and broadcasts the room.
func (m *Manager) ToggleVideo(ctx context.Context, huddleID, userID string, on bool) error {
	var snap *Huddle
	err := m.do(huddleID, func(h *Huddle) error {
		p := h.participant(userID)
		if p == nil {
			return errs.ErrNotFound.WrapMsg("not in huddle", "user", userID)
		}
		p.VideoOn = on
		snap = h.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.broadcastState(ctx, snap)
	return nil
}

// ToggleScreenShare acquires or releases the room's single screen-share
// slot. Free slot -> caller takes it; caller's slot -> released; someone
// else's slot -> StateConflict.
func (m *Manager) ToggleScreenShare(ctx context.Context, huddleID, userID string) error {
	var snap *Huddle
	err := m.do(huddleID, func(h *Huddle) error {
		if h.participant(userID) == nil {
			return errs.ErrNotFound.WrapMsg("not in huddle", "user", userID)
		}
		switch h.ScreenSharerID {
		case "":
			h.ScreenSharerID = userID
		case userID:
			h.ScreenSharerID = ""
		default:
			return errs.ErrStateConflict.WrapMsg("screen share held", "by", h.ScreenSharerID)
		}
		snap = h.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.broadcastState(ctx, snap)
	return nil
}

func (m *Manager) destroy(ctx context.Context, snap *Huddle) {
	m.mu.Lock()
	if a, ok := m.actors[snap.ID]; ok {
		delete(m.actors, snap.ID)
		close(a.stop)
	}
	if m.byConv[snap.ConversationID] == snap.ID {
		delete(m.byConv, snap.ConversationID)
	}
	m.mu.Unlock()

	if err := m.transport.Publish(ctx, global.TopicHuddle(snap.ID), global.EventHuddleState,
		map[string]any{"id": snap.ID, "conversation_id": snap.ConversationID, "ended": true}); err != nil {
		logger.Infof("[huddle] end broadcast failed id=%s err=%v", snap.ID, err)
	}
	m.audit.Publish(ctx, "huddle.ended", map[string]any{
		"huddle_id": snap.ID, "conversation_id": snap.ConversationID,
	})
}

func (m *Manager) broadcastState(ctx context.Context, snap *Huddle) {
	if err := m.transport.Publish(ctx, global.TopicHuddle(snap.ID), global.EventHuddleState, snap); err != nil {
		logger.Infof("[huddle] state broadcast failed id=%s err=%v", snap.ID, err)
	}
	// the bound conversation sees room state too, so members can join late
	if err := m.transport.Publish(ctx, global.TopicConversation(snap.ConversationID), global.EventHuddleState, snap); err != nil {
		logger.Infof("[huddle] conv broadcast failed id=%s err=%v", snap.ID, err)
	}
}
