package offline

import (
	"context"
	"sync"
	"time"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/ids"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

// DeliverFunc pushes one queued entry to a live connection of recipientID.
// It returns an error when the recipient has no reachable connection.
type DeliverFunc func(ctx context.Context, recipientID string, e *Entry) error

// ===== config =====

type Config struct {
	TTL        time.Duration // default 7 days
	AckTimeout time.Duration // how long a drain waits for one ack
	SweepEvery time.Duration
	BatchSize  int
	Clock      func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager is the store-and-forward queue: durable per-recipient entries,
// drained in enqueue order on reconnect, each delivery gated on an
// application-level ack (at-least-once; clients de-duplicate by message id).
type Manager struct {
	store   Store
	conf    Config
	deliver DeliverFunc

	mu       sync.Mutex
	draining map[string]chan struct{} // recipient -> abandon signal
	acks     map[string]chan struct{} // entry id -> ack signal

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager(store Store, conf Config, deliver DeliverFunc) *Manager {
	conf.norm()
	m := &Manager{
		store:    store,
		conf:     conf,
		deliver:  deliver,
		draining: make(map[string]chan struct{}),
		acks:     make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}
	safe.SafeGo("offline.sweeper", m.sweeper)
	return m
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Enqueue writes a durable entry with zero attempts and the configured TTL.
func (m *Manager) Enqueue(ctx context.Context, recipientID, messageID string, payload []byte) (*Entry, error) {
	now := m.conf.Clock()
	e := &Entry{
		ID:          ids.GenerateString(),
		RecipientID: recipientID,
		MessageID:   messageID,
		Payload:     append([]byte(nil), payload...),
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(m.conf.TTL),
	}
	if err := m.store.Insert(ctx, e); err != nil {
		return nil, errs.ErrTransientDelivery.WrapMsg("enqueue failed", "recipient", recipientID, "err", err)
	}
	return e, nil
}

// ReplaceByMessage swaps a still-queued payload in place (message edit, or a
// tombstone on delete).
func (m *Manager) ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error {
	return m.store.ReplaceByMessage(ctx, recipientID, messageID, payload)
}

// Ack confirms a delivered entry and removes it. The entry must belong to
// recipientID; acks for someone else's entry are a silent no-op. Safe to
// call twice; only the first call deletes.
func (m *Manager) Ack(ctx context.Context, recipientID, entryID string) error {
	deleted, err := m.store.Delete(ctx, recipientID, entryID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	m.mu.Lock()
	ch := m.acks[entryID]
	delete(m.acks, entryID)
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

// OnRecipientOnline starts a drain for recipientID unless one is already in
// flight (single-flight per recipient).
func (m *Manager) OnRecipientOnline(recipientID string) {
	m.mu.Lock()
	if _, busy := m.draining[recipientID]; busy {
		m.mu.Unlock()
		return
	}
	abandon := make(chan struct{})
	m.draining[recipientID] = abandon
	m.mu.Unlock()

	safe.SafeGo("offline.drain", func() { m.drain(recipientID, abandon) })
}

// OnRecipientOffline abandons (not rolls back) a drain in progress; un-acked
// entries stay queued for the next online event.
func (m *Manager) OnRecipientOffline(recipientID string) {
	m.mu.Lock()
	abandon := m.draining[recipientID]
	m.mu.Unlock()
	if abandon != nil {
		select {
		case <-abandon:
		default:
			close(abandon)
		}
	}
}

func (m *Manager) drain(recipientID string, abandon chan struct{}) {
	defer func() {
		m.mu.Lock()
		delete(m.draining, recipientID)
		m.mu.Unlock()
	}()

	ctx := context.Background()
	for {
		select {
		case <-abandon:
			return
		case <-m.stopCh:
			return
		default:
		}

		entries, err := m.store.Pending(ctx, recipientID, m.conf.BatchSize)
		if err != nil {
			logger.Errorf("[offline] pending query failed recipient=%s err=%v", recipientID, err)
			return
		}
		if len(entries) == 0 {
			return
		}

		for _, e := range entries {
			select {
			case <-abandon:
				return
			case <-m.stopCh:
				return
			default:
			}
			if m.conf.Clock().After(e.ExpiresAt) {
				// past TTL, drop instead of deliver; deleting here keeps the
				// next Pending batch from returning the same entry forever
				deleted, err := m.store.Delete(ctx, e.RecipientID, e.ID)
				if err != nil {
					logger.Errorf("[offline] expire delete failed entry=%s err=%v", e.ID, err)
					return
				}
				if deleted {
					logger.Warnf("[offline] entry expired, dropped without delivery entry=%s recipient=%s attempts=%d code=%d",
						e.ID, e.RecipientID, e.Attempts, errs.CodePermanentExpiry)
				}
				continue
			}

			ackCh := make(chan struct{})
			m.mu.Lock()
			m.acks[e.ID] = ackCh
			m.mu.Unlock()

			if err := m.deliver(ctx, recipientID, e); err != nil {
				m.dropAckWait(e.ID)
				logger.Infof("[offline] deliver failed, drain abandoned recipient=%s entry=%s err=%v", recipientID, e.ID, err)
				return
			}
			_ = m.store.IncAttempts(ctx, e.ID)

			timer := time.NewTimer(m.conf.AckTimeout)
			select {
			case <-ackCh:
				timer.Stop()
			case <-abandon:
				timer.Stop()
				m.dropAckWait(e.ID)
				return
			case <-m.stopCh:
				timer.Stop()
				m.dropAckWait(e.ID)
				return
			case <-timer.C:
				// no ack; entry stays queued, resume on next online event
				m.dropAckWait(e.ID)
				return
			}
		}
	}
}

func (m *Manager) dropAckWait(entryID string) {
	m.mu.Lock()
	delete(m.acks, entryID)
	m.mu.Unlock()
}

// ===== TTL sweep =====

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce deletes entries past TTL without further attempts and reports
// them as silently dropped. Exported so tests can drive it directly.
func (m *Manager) SweepOnce(ctx context.Context) int {
	now := m.conf.Clock()
	dropped := 0
	for {
		expired, err := m.store.Expired(ctx, now, m.conf.BatchSize)
		if err != nil {
			logger.Errorf("[offline] expired query failed err=%v", err)
			return dropped
		}
		if len(expired) == 0 {
			return dropped
		}
		for _, e := range expired {
			deleted, err := m.store.Delete(ctx, e.RecipientID, e.ID)
			if err != nil {
				logger.Errorf("[offline] expire delete failed entry=%s err=%v", e.ID, err)
				continue
			}
			if deleted {
				dropped++
				logger.Warnf("[offline] entry expired, dropped without delivery entry=%s recipient=%s attempts=%d code=%d",
					e.ID, e.RecipientID, e.Attempts, errs.CodePermanentExpiry)
			}
		}
		if len(expired) < m.conf.BatchSize {
			return dropped
		}
	}
}
