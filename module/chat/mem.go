package chat

import (
	"context"
	"sync"
	"time"
)

type memStore struct {
	mu      sync.RWMutex
	seqs    map[string]int64
	byID    map[string]*Message
	byCID   map[string]*Message // sender|clientMsgID
	reads   map[string]int64    // conv|user -> max seq
	members map[string][]string
}

// NewMemStore is the in-process Store used by tests and single-node dev.
func NewMemStore() *memStore {
	return &memStore{
		seqs:    make(map[string]int64),
		byID:    make(map[string]*Message),
		byCID:   make(map[string]*Message),
		reads:   make(map[string]int64),
		members: make(map[string][]string),
	}
}

// SetMembers seeds conversation membership (channel-service's job in prod).
func (s *memStore) SetMembers(convID string, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[convID] = append([]string(nil), users...)
}

func cidKey(sender, cid string) string { return sender + "|" + cid }

func (s *memStore) NextSeq(ctx context.Context, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[convID]++
	return s.seqs[convID], nil
}

func (s *memStore) Insert(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.byID[m.ID] = &cp
	if m.ClientMsgID != "" {
		s.byCID[cidKey(m.SenderID, m.ClientMsgID)] = &cp
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) FindByClientID(ctx context.Context, senderID, clientMsgID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byCID[cidKey(senderID, clientMsgID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) UpdateContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		now := time.Now()
		m.Content = content
		m.EditedAt = &now
	}
	return nil
}

func (s *memStore) MarkDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Deleted = true
		m.Content = ""
		m.Attachments = nil
	}
	return nil
}

func (s *memStore) AddReaction(ctx context.Context, msgID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[msgID]
	if !ok {
		return false, nil
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return false, nil
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true, nil
}

func (s *memStore) RemoveReaction(ctx context.Context, msgID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[msgID]
	if !ok || m.Reactions == nil {
		return false, nil
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			m.Reactions[emoji] = append(users[:i:i], users[i+1:]...)
			if len(m.Reactions[emoji]) == 0 {
				delete(m.Reactions, emoji)
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) SetRead(ctx context.Context, convID, userID string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := convID + "|" + userID
	if s.reads[k] >= seq {
		return false, nil
	}
	s.reads[k] = seq
	return true, nil
}

func (s *memStore) Members(ctx context.Context, convID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.members[convID]...), nil
}
