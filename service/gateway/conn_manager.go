package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

// ===== config =====

type ManagerConf struct {
	UnauthTTL     time.Duration // grace period to authenticate after upgrade
	AuthTTL       time.Duration // heartbeat-renewed TTL for authorized conns
	SweepEvery    time.Duration
	MaxPerUser    int // <=0 unlimited; over limit evicts the oldest conn
	SendQueueSize int
	Clock         func() time.Time // injectable for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 30 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// ===== data =====

// WsConn is one websocket connection in the registry. Frames go out through
// SendChan only; a single writer goroutine owns the socket's write side.
type WsConn struct {
	ID         string
	UserID     string
	Authorized bool
	DeviceID   string
	Platform   string

	Conn   *websocket.Conn
	Remote net.Addr

	SendChan chan []byte
	topics   map[string]struct{} // topic subscriptions of this connection

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time
	TTL       time.Duration // switches on authorization
	ExpireAt  time.Time     // expiry is enforced by the sweeper
}

// Enqueue pushes a frame onto the connection's bounded queue. A full queue
// means a slow consumer; the frame is dropped and the caller decides whether
// to close.
func (c *WsConn) Enqueue(frame []byte) bool {
	select {
	case c.SendChan <- frame:
		return true
	default:
		return false
	}
}

// ConnManager is the node-local connection registry: primary index by conn
// id, secondary by user. Expired connections are closed by a sweeper.
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*WsConn
	byUser map[string]map[string]*WsConn

	conf     ManagerConf
	gwID     string
	stopOnce sync.Once
	stopCh   chan struct{}

	// onEvict is called outside the lock for every connection the registry
	// closes on its own (TTL expiry, per-user eviction).
	onEvict func(c *WsConn)
}

// ===== construct/close =====

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*WsConn),
		byUser: make(map[string]map[string]*WsConn),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	safe.SafeGo("gateway.sweeper", m.sweeper)
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) OnEvict(fn func(c *WsConn)) { m.onEvict = fn }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*WsConn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*WsConn)
	m.byUser = make(map[string]map[string]*WsConn)
	m.mu.Unlock()
	for _, c := range conns {
		closeQuiet(c.Conn)
	}
}

// ===== registry ops =====

// AddUnauth registers a fresh connection before authentication. It must
// authenticate within UnauthTTL or the sweeper closes it.
func (m *ConnManager) AddUnauth(connID string, conn *websocket.Conn) (*WsConn, error) {
	if connID == "" || conn == nil {
		return nil, errors.New("connID/conn empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[connID]; exists {
		return nil, errors.New("connID exists")
	}
	c := &WsConn{
		ID:        connID,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		SendChan:  make(chan []byte, m.conf.SendQueueSize),
		topics:    make(map[string]struct{}),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
	}
	m.byID[connID] = c
	return c, nil
}

// BindUser flips the connection to authorized, switches it to AuthTTL and
// enforces MaxPerUser (oldest connection is evicted).
func (m *ConnManager) BindUser(connID, userID string) (evicted *WsConn, err error) {
	if connID == "" || userID == "" {
		return nil, errors.New("connID/userID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	c, ok := m.byID[connID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.New("connID not found")
	}
	if m.conf.MaxPerUser > 0 && len(m.byUser[userID]) >= m.conf.MaxPerUser {
		evicted = m.oldestLocked(userID)
		if evicted != nil {
			m.dropLocked(evicted)
		}
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*WsConn)
	}
	m.byUser[userID][connID] = c

	c.UserID = userID
	c.Authorized = true
	c.TTL = m.conf.AuthTTL
	c.ExpireAt = now.Add(m.conf.AuthTTL)
	c.UpdatedAt = now
	c.Heartbeat = now
	m.mu.Unlock()

	if evicted != nil {
		logger.Infof("[gateway] evicted oldest conn user=%s conn=%s", userID, evicted.ID)
		if m.onEvict != nil {
			m.onEvict(evicted)
		}
		closeQuiet(evicted.Conn)
	}
	return evicted, nil
}

// SetDevice records the device metadata sent with the auth payload.
func (m *ConnManager) SetDevice(connID, deviceID, platform string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[connID]; ok {
		c.DeviceID = deviceID
		c.Platform = platform
	}
}

// Heartbeat renews the connection's expiry.
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return errors.New("connID not found")
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	c.UpdatedAt = now
	return nil
}

// AttachPongHandler renews the heartbeat on websocket pongs.
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, connID string) {
	if conn == nil || connID == "" {
		return
	}
	conn.SetPongHandler(func(string) error {
		_ = m.Heartbeat(connID) // conn may just have been swept
		return nil
	})
}

// Remove closes and unregisters one connection. Returns the registry entry
// so the caller can run teardown (presence, huddles, topic refcounts).
func (m *ConnManager) Remove(connID string) *WsConn {
	m.mu.Lock()
	c, ok := m.byID[connID]
	if ok {
		m.dropLocked(c)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	closeQuiet(c.Conn)
	return c
}

func (m *ConnManager) Get(connID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[connID]
	return c, ok
}

// UserConns lists the user's live connections on this node.
func (m *ConnManager) UserConns(userID string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]*WsConn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// ===== topic subscriptions =====

// Subscribe marks the connection as a subscriber of topic. Reports whether
// the connection actually changed (idempotent joins broadcast nothing).
func (m *ConnManager) Subscribe(connID, topic string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return false, errors.New("connID not found")
	}
	if _, dup := c.topics[topic]; dup {
		return false, nil
	}
	c.topics[topic] = struct{}{}
	return true, nil
}

func (m *ConnManager) Unsubscribe(connID, topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return false
	}
	if _, sub := c.topics[topic]; !sub {
		return false
	}
	delete(c.topics, topic)
	return true
}

func (m *ConnManager) HasTopic(connID, topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[connID]
	if !ok {
		return false
	}
	_, sub := c.topics[topic]
	return sub
}

// TopicConns lists local subscribers of topic.
func (m *ConnManager) TopicConns(topic string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WsConn
	for _, c := range m.byID {
		if _, sub := c.topics[topic]; sub {
			out = append(out, c)
		}
	}
	return out
}

// Topics snapshots the connection's subscriptions.
func (m *ConnManager) Topics(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[connID]
	if !ok {
		return nil
	}
	return m.topicsOfLocked(c)
}

// TopicsOf snapshots subscriptions of an already-removed connection, for
// teardown after Remove has dropped it from the index.
func (m *ConnManager) TopicsOf(c *WsConn) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicsOfLocked(c)
}

func (m *ConnManager) topicsOfLocked(c *WsConn) []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// ===== sweeper =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce(m.conf.Clock())
		}
	}
}

// SweepOnce closes every connection past its expiry. Exported so tests can
// drive it with a fake clock.
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.Lock()
	for _, c := range m.byID {
		if now.After(c.ExpireAt) {
			expired = append(expired, c)
			m.dropLocked(c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		logger.Infof("[gateway] conn expired conn=%s user=%s", c.ID, c.UserID)
		if m.onEvict != nil {
			m.onEvict(c)
		}
		closeQuiet(c.Conn)
	}
	return len(expired)
}

// ===== internals =====

// dropLocked removes c from both indexes; caller holds the write lock and
// closes the socket after unlocking.
func (m *ConnManager) dropLocked(c *WsConn) {
	delete(m.byID, c.ID)
	if c.Authorized && c.UserID != "" {
		if mm := m.byUser[c.UserID]; mm != nil {
			delete(mm, c.ID)
			if len(mm) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
}

func (m *ConnManager) oldestLocked(userID string) *WsConn {
	var oldest *WsConn
	for _, c := range m.byUser[userID] {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
