package fabric

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Fabric for single-node runs and tests. Clock is
// injectable so TTL behavior can be tested without sleeping.
type Memory struct {
	mu     sync.RWMutex
	subSeq int
	subs   map[string]map[int]Handler

	conns    map[string]map[string]string // user -> connID -> gatewayID
	connExp  map[string]time.Time         // user -> conn hash expiry
	lastSeen map[string]time.Time
	typing   map[string]time.Time // topic|user -> expiry

	Clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]map[int]Handler),
		conns:    make(map[string]map[string]string),
		connExp:  make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]time.Time),
		Clock:    time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, subject, origin string, data []byte) error {
	m.mu.RLock()
	hs := make([]Handler, 0, len(m.subs[subject]))
	for _, h := range m.subs[subject] {
		hs = append(hs, h)
	}
	m.mu.RUnlock()

	msg := Message{Subject: subject, Origin: origin, Data: data}
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (m *Memory) Subscribe(subject string, h Handler) (func(), error) {
	m.mu.Lock()
	m.subSeq++
	id := m.subSeq
	if m.subs[subject] == nil {
		m.subs[subject] = make(map[int]Handler)
	}
	m.subs[subject][id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[subject], id)
	}, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) AddConn(ctx context.Context, userID, connID, gatewayID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[userID] == nil {
		m.conns[userID] = make(map[string]string)
	}
	m.conns[userID][connID] = gatewayID
	m.connExp[userID] = m.Clock().Add(ttl)
	return nil
}

func (m *Memory) RemoveConn(ctx context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm := m.conns[userID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.conns, userID)
			delete(m.connExp, userID)
		}
	}
	return nil
}

func (m *Memory) Conns(ctx context.Context, userID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if exp, ok := m.connExp[userID]; ok && m.Clock().After(exp) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.conns[userID]))
	for k, v := range m.conns[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) TouchConns(ctx context.Context, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[userID]; ok {
		m.connExp[userID] = m.Clock().Add(ttl)
	}
	return nil
}

func (m *Memory) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = at
	return nil
}

func (m *Memory) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[userID], nil
}

func (m *Memory) SetTyping(ctx context.Context, userID, topic string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[topic+"|"+userID] = m.Clock().Add(ttl)
	return nil
}

func (m *Memory) ClearTyping(ctx context.Context, userID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.typing, topic+"|"+userID)
	return nil
}

func (m *Memory) IsTyping(ctx context.Context, userID, topic string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.typing[topic+"|"+userID]
	if !ok {
		return false, nil
	}
	return m.Clock().Before(exp), nil
}
