package presence

import (
	"context"
	"sync"
	"time"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/service/fabric"
)

// Status values reported by Query.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown" // shared state unreachable
)

type Info struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Broadcaster pushes presence transitions to interested peers.
type Broadcaster interface {
	PublishPresence(ctx context.Context, info *Info) error
	PublishTyping(ctx context.Context, topic, userID string, typing bool) error
}

type Config struct {
	GatewayID string
	// ConnTTL bounds how long a dead node's connections linger in shared
	// state before they expire on their own.
	ConnTTL time.Duration
	// Debounce delays the offline broadcast after the last connection drops
	// so a quick reconnect stays invisible.
	Debounce  time.Duration
	TypingTTL time.Duration
	Clock     func() time.Time
}

func (c *Config) norm() {
	if c.ConnTTL <= 0 {
		c.ConnTTL = 60 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 3 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Tracker keeps the cross-node view of who is reachable. Connection facts
// live in shared state (fabric.State); the tracker adds the debounce that
// keeps flapping connections from spamming presence events.
type Tracker struct {
	conf  Config
	state fabric.State
	bc    Broadcaster

	mu       sync.Mutex
	pending  map[string]*time.Timer // userID -> armed offline debounce
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf Config, state fabric.State, bc Broadcaster) *Tracker {
	conf.norm()
	return &Tracker{
		conf:    conf,
		state:   state,
		bc:      bc,
		pending: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	for user, tm := range t.pending {
		tm.Stop()
		delete(t.pending, user)
	}
	t.mu.Unlock()
}

// MarkOnline registers a connection. The first connection of a user
// broadcasts the online transition; more devices are silent. A reconnect
// inside the debounce window cancels the pending offline broadcast.
func (t *Tracker) MarkOnline(ctx context.Context, userID, connID string) error {
	t.mu.Lock()
	if tm, ok := t.pending[userID]; ok {
		tm.Stop()
		delete(t.pending, userID)
	}
	t.mu.Unlock()

	conns, err := t.state.Conns(ctx, userID)
	if err != nil {
		logger.Errorf("[presence] conns lookup failed user=%s err=%v", userID, err)
	}
	if err := t.state.AddConn(ctx, userID, connID, t.conf.GatewayID, t.conf.ConnTTL); err != nil {
		return err
	}
	if err == nil && len(conns) == 0 {
		if berr := t.bc.PublishPresence(ctx, &Info{UserID: userID, Status: StatusOnline}); berr != nil {
			logger.Errorf("[presence] online broadcast failed user=%s err=%v", userID, berr)
		}
	}
	return nil
}

// MarkOffline drops a connection and stamps last-seen. If it was the user's
// last connection the offline broadcast is armed behind the debounce; a
// connection surviving elsewhere keeps the user online.
func (t *Tracker) MarkOffline(ctx context.Context, userID, connID string) error {
	if err := t.state.RemoveConn(ctx, userID, connID); err != nil {
		return err
	}
	now := t.conf.Clock()
	if err := t.state.SetLastSeen(ctx, userID, now); err != nil {
		logger.Errorf("[presence] last-seen stamp failed user=%s err=%v", userID, err)
	}
	conns, err := t.state.Conns(ctx, userID)
	if err != nil || len(conns) > 0 {
		return nil
	}

	t.mu.Lock()
	if tm, ok := t.pending[userID]; ok {
		tm.Stop()
	}
	t.pending[userID] = time.AfterFunc(t.conf.Debounce, func() { t.fireOffline(userID) })
	t.mu.Unlock()
	return nil
}

// fireOffline rechecks shared state when the debounce expires; a reconnect
// on another node within the window suppresses the broadcast.
func (t *Tracker) fireOffline(userID string) {
	select {
	case <-t.stopCh:
		return
	default:
	}
	t.mu.Lock()
	delete(t.pending, userID)
	t.mu.Unlock()

	ctx := context.Background()
	conns, err := t.state.Conns(ctx, userID)
	if err != nil {
		logger.Errorf("[presence] offline recheck failed user=%s err=%v", userID, err)
		return
	}
	if len(conns) > 0 {
		return
	}
	info := &Info{UserID: userID, Status: StatusOffline}
	if at, err := t.state.LastSeen(ctx, userID); err == nil && !at.IsZero() {
		info.LastSeen = &at
	}
	if err := t.bc.PublishPresence(ctx, info); err != nil {
		logger.Errorf("[presence] offline broadcast failed user=%s err=%v", userID, err)
	}
}

// Heartbeat refreshes the TTL on every connection of the user.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	return t.state.TouchConns(ctx, userID, t.conf.ConnTTL)
}

// IsOnline reports whether the user has any live connection on any node.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	conns, err := t.state.Conns(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

// Conns exposes the connection map (connID -> gatewayID) for routing.
func (t *Tracker) Conns(ctx context.Context, userID string) (map[string]string, error) {
	return t.state.Conns(ctx, userID)
}

// Query reports online/offline with last-seen; state errors report unknown
// rather than guessing.
func (t *Tracker) Query(ctx context.Context, userID string) *Info {
	conns, err := t.state.Conns(ctx, userID)
	if err != nil {
		return &Info{UserID: userID, Status: StatusUnknown}
	}
	if len(conns) > 0 {
		return &Info{UserID: userID, Status: StatusOnline}
	}
	info := &Info{UserID: userID, Status: StatusOffline}
	if at, lerr := t.state.LastSeen(ctx, userID); lerr == nil && !at.IsZero() {
		info.LastSeen = &at
	}
	return info
}

// SetTyping marks the user typing in a topic. The marker self-expires after
// TypingTTL if the stop event never arrives.
func (t *Tracker) SetTyping(ctx context.Context, userID, topic string) error {
	if err := t.state.SetTyping(ctx, userID, topic, t.conf.TypingTTL); err != nil {
		return err
	}
	return t.bc.PublishTyping(ctx, topic, userID, true)
}

func (t *Tracker) ClearTyping(ctx context.Context, userID, topic string) error {
	if err := t.state.ClearTyping(ctx, userID, topic); err != nil {
		return err
	}
	return t.bc.PublishTyping(ctx, topic, userID, false)
}

// TypingEvent is the payload broadcast on typing.update.
type TypingEvent struct {
	Topic  string `json:"topic"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}
