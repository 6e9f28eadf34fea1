package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/service/audit"
	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/ids"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

// Transport delivers call events to devices, local and remote.
type Transport interface {
	Publish(ctx context.Context, topic, event string, payload any) error
	DeliverToUser(ctx context.Context, userID, event string, payload any, skipTopic string) error
	// DeliverToUserExcept targets every device of userID but one: the
	// answering device keeps its session, the rest stop ringing.
	DeliverToUserExcept(ctx context.Context, userID, exceptConnID, event string, payload any) error
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, n *notify.Notification)
}

// ===== config =====

type Config struct {
	RingTimeout  time.Duration // unanswered -> missed
	ArchiveAfter time.Duration // terminal calls dropped from the table after this
	Clock        func() time.Time
}

func (c *Config) norm() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 60 * time.Second
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager owns one actor per call. All mutations of one call run on its
// actor goroutine (single-writer); other components talk to it only through
// the manager's message-passing API.
type Manager struct {
	conf      Config
	transport Transport
	presence  Presence
	notify    Notifier
	audit     audit.Publisher

	mu     sync.RWMutex
	actors map[string]*actor

	stopOnce sync.Once
	stopCh   chan struct{}
}

type actor struct {
	call *Call
	cmds chan func()
	stop chan struct{}
}

func NewManager(conf Config, transport Transport, presence Presence, notifier Notifier, aud audit.Publisher) *Manager {
	conf.norm()
	if aud == nil {
		aud = audit.Nop{}
	}
	return &Manager{
		conf:      conf,
		transport: transport,
		presence:  presence,
		notify:    notifier,
		audit:     aud,
		actors:    make(map[string]*actor),
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
	m.mu.Unlock()
}

// Initiate creates a call in ringing state and relays an incoming event to
// every device of the callee. If none is reachable the notification
// dispatcher fires while the ring timer keeps running.
func (m *Manager) Initiate(ctx context.Context, callerID, calleeID, typ string) (*Call, error) {
	if callerID == "" || calleeID == "" || callerID == calleeID {
		return nil, errs.ErrPayload.WrapMsg("bad call parties")
	}
	if typ != TypeAudio && typ != TypeVideo {
		return nil, errs.ErrPayload.WrapMsg("bad call type", "type", typ)
	}
	now := m.conf.Clock()
	joined := now
	c := &Call{
		ID:          ids.GenerateString(),
		Type:        typ,
		InitiatorID: callerID,
		State:       StateRinging, // initiated collapses into ringing on create
		CreatedAt:   now,
		Participants: []Participant{
			{UserID: callerID, Status: PartJoined, JoinedAt: &joined},
			{UserID: calleeID, Status: PartRinging},
		},
	}
	a := &actor{
		call: c,
		cmds: make(chan func(), 64),
		stop: make(chan struct{}),
	}
	snap := c.snapshot() // before the actor starts; it owns c from then on
	m.mu.Lock()
	m.actors[c.ID] = a
	m.mu.Unlock()
	safe.SafeGo("call.actor", func() { m.run(a) })

	if err := m.transport.DeliverToUser(ctx, calleeID, global.EventCallIncoming, snap, ""); err != nil {
		logger.Infof("[call] incoming deliver failed call=%s callee=%s err=%v", c.ID, calleeID, err)
	}
	online, err := m.presence.IsOnline(ctx, calleeID)
	if err != nil || !online {
		m.notify.Dispatch(ctx, &notify.Notification{
			RecipientID: calleeID,
			Kind:        notify.KindCallInvite,
			Priority:    notify.PriorityTimeSensitive,
			Title:       "Incoming call",
			Body:        "Incoming " + typ + " call",
			Data:        map[string]string{"call_id": c.ID, "caller_id": callerID},
		})
	}
	m.audit.Publish(ctx, "call.initiated", map[string]any{"call_id": c.ID, "caller_id": callerID, "callee_id": calleeID, "type": typ})
	return snap, nil
}

func (m *Manager) run(a *actor) {
	ring := time.NewTimer(m.conf.RingTimeout)
	defer ring.Stop()
	for {
		select {
		case fn := <-a.cmds:
			fn()
			if a.call.State != StateRinging {
				ring.Stop()
			}
			if a.call.State.Terminal() {
				m.archiveLater(a.call.ID)
			}
		case <-ring.C:
			// the timer can fire after an answer won the race; archive only
			// when the timeout actually ended the call
			if m.onRingTimeout(a) {
				m.archiveLater(a.call.ID)
			}
		case <-a.stop:
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) archiveLater(callID string) {
	time.AfterFunc(m.conf.ArchiveAfter, func() {
		m.mu.Lock()
		if a, ok := m.actors[callID]; ok {
			delete(m.actors, callID)
			close(a.stop)
		}
		m.mu.Unlock()
	})
}

// do runs fn on the call's actor goroutine and waits for the result.
func (m *Manager) do(callID string, fn func(c *Call) error) error {
	m.mu.RLock()
	a := m.actors[callID]
	m.mu.RUnlock()
	if a == nil {
		return errs.ErrNotFound.WrapMsg("call", "id", callID)
	}
	errCh := make(chan error, 1)
	select {
	case a.cmds <- func() { errCh <- fn(a.call) }:
	case <-a.stop:
		return errs.ErrNotFound.WrapMsg("call", "id", callID)
	}
	select {
	case err := <-errCh:
		return err
	case <-a.stop:
		return errs.ErrNotFound.WrapMsg("call", "id", callID)
	}
}

// Get returns a snapshot of the call.
func (m *Manager) Get(ctx context.Context, callID string) (*Call, error) {
	var snap *Call
	err := m.do(callID, func(c *Call) error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// Answer succeeds only while the call is ringing and the answering identity
// is the ringing callee. The device answering wins; every other device of
// that callee is told to stop ringing. A later answer returns StateConflict.
func (m *Manager) Answer(ctx context.Context, callID, calleeID, connID string) (*Call, error) {
	var snap *Call
	err := m.do(callID, func(c *Call) error {
		if c.State != StateRinging {
			return errs.ErrStateConflict.WrapMsg("call not ringing", "state", string(c.State))
		}
		p := c.participant(calleeID)
		if p == nil || p.Status != PartRinging {
			return errs.ErrStateConflict.WrapMsg("not a ringing participant", "user", calleeID)
		}
		now := m.conf.Clock()
		c.State = StateActive
		c.AnsweredAt = &now
		c.AnsweredBy = connID
		p.Status = PartJoined
		p.JoinedAt = &now
		snap = c.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	stop := map[string]any{"call_id": callID, "answered_conn_id": connID}
	if err := m.transport.DeliverToUserExcept(ctx, calleeID, connID, global.EventCallStopRinging, stop); err != nil {
		logger.Infof("[call] stop-ringing deliver failed call=%s err=%v", callID, err)
	}
	if err := m.transport.DeliverToUser(ctx, snap.InitiatorID, global.EventCallAnswered, snap, ""); err != nil {
		logger.Infof("[call] answered deliver failed call=%s err=%v", callID, err)
	}
	_ = m.transport.Publish(ctx, global.TopicCall(callID), global.EventCallAnswered, snap)
	m.audit.Publish(ctx, "call.answered", map[string]any{"call_id": callID, "callee_id": calleeID})
	return snap, nil
}

// Reject moves a ringing call to rejected.
func (m *Manager) Reject(ctx context.Context, callID, userID string) (*Call, error) {
	var snap *Call
	err := m.do(callID, func(c *Call) error {
		if c.State != StateRinging {
			return errs.ErrStateConflict.WrapMsg("call not ringing", "state", string(c.State))
		}
		p := c.participant(userID)
		if p == nil || p.Status != PartRinging {
			return errs.ErrStateConflict.WrapMsg("not a ringing participant", "user", userID)
		}
		now := m.conf.Clock()
		c.State = StateRejected
		c.EndedAt = &now
		p.Status = PartRejected
		snap = c.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.transport.DeliverToUser(ctx, snap.InitiatorID, global.EventCallRejected, snap, ""); err != nil {
		logger.Infof("[call] rejected deliver failed call=%s err=%v", callID, err)
	}
	if err := m.transport.DeliverToUserExcept(ctx, userID, "", global.EventCallStopRinging,
		map[string]any{"call_id": callID}); err != nil {
		logger.Infof("[call] stop-ringing deliver failed call=%s err=%v", callID, err)
	}
	m.audit.Publish(ctx, "call.rejected", map[string]any{"call_id": callID, "user_id": userID})
	return snap, nil
}

// End terminates a ringing or active call and records its duration.
func (m *Manager) End(ctx context.Context, callID, userID string) (*Call, error) {
	var snap *Call
	err := m.do(callID, func(c *Call) error {
		if c.State != StateRinging && c.State != StateActive {
			return errs.ErrStateConflict.WrapMsg("call already terminal", "state", string(c.State))
		}
		if c.participant(userID) == nil {
			return errs.ErrStateConflict.WrapMsg("not a participant", "user", userID)
		}
		now := m.conf.Clock()
		c.State = StateEnded
		c.EndedAt = &now
		if c.AnsweredAt != nil {
			c.DurationSec = int64(now.Sub(*c.AnsweredAt) / time.Second)
		}
		for i := range c.Participants {
			if c.Participants[i].Status == PartJoined {
				c.Participants[i].Status = PartLeft
				c.Participants[i].LeftAt = &now
			}
		}
		snap = c.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = m.transport.Publish(ctx, global.TopicCall(callID), global.EventCallEnded, snap)
	for _, p := range snap.Participants {
		if err := m.transport.DeliverToUser(ctx, p.UserID, global.EventCallEnded, snap, global.TopicCall(callID)); err != nil {
			logger.Infof("[call] ended deliver failed call=%s user=%s err=%v", callID, p.UserID, err)
		}
	}
	m.audit.Publish(ctx, "call.ended", map[string]any{"call_id": callID, "duration_sec": snap.DurationSec})
	return snap, nil
}

// Invite rings an additional user into a ringing or active call
// (management API path).
func (m *Manager) Invite(ctx context.Context, callID, inviterID, userID string) (*Call, error) {
	var snap *Call
	err := m.do(callID, func(c *Call) error {
		if c.State != StateRinging && c.State != StateActive {
			return errs.ErrStateConflict.WrapMsg("call already terminal", "state", string(c.State))
		}
		if c.participant(inviterID) == nil {
			return errs.ErrStateConflict.WrapMsg("inviter not a participant", "user", inviterID)
		}
		if c.participant(userID) != nil {
			return errs.ErrStateConflict.WrapMsg("already a participant", "user", userID)
		}
		c.Participants = append(c.Participants, Participant{UserID: userID, Status: PartRinging})
		snap = c.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.transport.DeliverToUser(ctx, userID, global.EventCallIncoming, snap, ""); err != nil {
		logger.Infof("[call] invite deliver failed call=%s user=%s err=%v", callID, userID, err)
	}
	if online, perr := m.presence.IsOnline(ctx, userID); perr != nil || !online {
		m.notify.Dispatch(ctx, &notify.Notification{
			RecipientID: userID,
			Kind:        notify.KindCallInvite,
			Priority:    notify.PriorityTimeSensitive,
			Title:       "Incoming call",
			Body:        "Incoming " + snap.Type + " call",
			Data:        map[string]string{"call_id": callID, "caller_id": inviterID},
		})
	}
	return snap, nil
}

// Signal relays an opaque blob (offer/answer/candidate) verbatim to the
// other participants. Once the call is terminal, relaying is refused.
func (m *Manager) Signal(ctx context.Context, callID, fromUserID string, blob json.RawMessage) error {
	var targets []string
	err := m.do(callID, func(c *Call) error {
		if c.State != StateRinging && c.State != StateActive {
			return errs.ErrStateConflict.WrapMsg("signaling refused, call terminal", "state", string(c.State))
		}
		if c.participant(fromUserID) == nil {
			return errs.ErrStateConflict.WrapMsg("not a participant", "user", fromUserID)
		}
		for _, p := range c.Participants {
			if p.UserID != fromUserID && p.Status != PartLeft && p.Status != PartRejected {
				targets = append(targets, p.UserID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	payload := map[string]any{"call_id": callID, "from": fromUserID, "data": blob}
	for _, user := range targets {
		if err := m.transport.DeliverToUser(ctx, user, global.EventCallSignalRelay, payload, ""); err != nil {
			logger.Infof("[call] signal relay failed call=%s user=%s err=%v", callID, user, err)
		}
	}
	return nil
}

// onRingTimeout runs on the actor goroutine. It reports whether the call
// transitioned to missed; a stale fire against a live call is a no-op.
func (m *Manager) onRingTimeout(a *actor) bool {
	c := a.call
	if c.State != StateRinging {
		return false
	}
	now := m.conf.Clock()
	c.State = StateMissed
	c.EndedAt = &now
	var ringing []string
	for i := range c.Participants {
		if c.Participants[i].Status == PartRinging {
			c.Participants[i].Status = PartMissed
			ringing = append(ringing, c.Participants[i].UserID)
		}
	}
	snap := c.snapshot()

	ctx := context.Background()
	if err := m.transport.DeliverToUser(ctx, c.InitiatorID, global.EventCallMissed, snap, ""); err != nil {
		logger.Infof("[call] missed deliver failed call=%s err=%v", c.ID, err)
	}
	for _, user := range ringing {
		_ = m.transport.DeliverToUserExcept(ctx, user, "", global.EventCallStopRinging, map[string]any{"call_id": c.ID})
	}
	m.audit.Publish(ctx, "call.missed", map[string]any{"call_id": c.ID})
	return true
}
