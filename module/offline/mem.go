package offline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps the queue in process. Used by single-node dev runs and
// tests; semantics mirror the mongo implementation.
type memStore struct {
	mu     sync.RWMutex
	byID   map[string]*Entry
	byUser map[string][]string // recipient -> entry ids in enqueue order
}

func NewMemStore() Store {
	return &memStore{
		byID:   make(map[string]*Entry),
		byUser: make(map[string][]string),
	}
}

func (s *memStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.byID[e.ID] = &cp
	s.byUser[e.RecipientID] = append(s.byUser[e.RecipientID], e.ID)
	return nil
}

func (s *memStore) Pending(ctx context.Context, recipientID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[recipientID]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, recipientID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.RecipientID != recipientID {
		return false, nil
	}
	delete(s.byID, id)
	ids := s.byUser[e.RecipientID]
	for i, v := range ids {
		if v == id {
			s.byUser[e.RecipientID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byUser[e.RecipientID]) == 0 {
		delete(s.byUser, e.RecipientID)
	}
	return true, nil
}

func (s *memStore) IncAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		e.Attempts++
	}
	return nil
}

func (s *memStore) ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byUser[recipientID] {
		if e, ok := s.byID[id]; ok && e.MessageID == messageID {
			e.Payload = append([]byte(nil), payload...)
		}
	}
	return nil
}

func (s *memStore) Expired(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.byID {
		if now.After(e.ExpiresAt) {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}
