package huddle

import (
	"context"
	"sync"
	"testing"

	"github.com/quckapp/quckapp-sub001/tools/errs"
)

type fakeTransport struct {
	mu     sync.Mutex
	topics []string
	events []string
}

func (f *fakeTransport) Publish(ctx context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) stateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == "huddle.state" {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, conf Config) (*Manager, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	m := NewManager(conf, tr, nil)
	t.Cleanup(m.Close)
	return m, tr
}

func TestCreateIsIdempotentPerConversation(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	h1, err := m.Create(ctx, "conv-1", "alice", "c1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h2, err := m.Create(ctx, "conv-1", "bob", "c2")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if h1.ID != h2.ID {
		t.Fatalf("two huddles for one conversation: %s vs %s", h1.ID, h2.ID)
	}
	if len(h2.Participants) != 2 {
		t.Fatalf("participants = %d, want 2 (second create joins)", len(h2.Participants))
	}
}

func TestJoinCapacity(t *testing.T) {
	m, _ := newTestManager(t, Config{Capacity: 2})
	ctx := context.Background()

	h, _ := m.Create(ctx, "conv-1", "alice", "c1")
	if _, err := m.Join(ctx, h.ID, "bob", "c2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := m.Join(ctx, h.ID, "carol", "c3"); errs.Code(err) != errs.CodeCapacityExceeded {
		t.Fatalf("over-capacity join err = %v, want capacity code", err)
	}
	// rejoining does not double count
	if _, err := m.Join(ctx, h.ID, "bob", "c2b"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestScreenShareLock(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	h, _ := m.Create(ctx, "conv-1", "alice", "c1")
	if _, err := m.Join(ctx, h.ID, "bob", "c2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := m.ToggleScreenShare(ctx, h.ID, "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// second holder is refused while the slot is taken
	if err := m.ToggleScreenShare(ctx, h.ID, "bob"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("steal err = %v, want state conflict", err)
	}
	// owner toggling again releases
	if err := m.ToggleScreenShare(ctx, h.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.ToggleScreenShare(ctx, h.ID, "bob"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	snap, _ := m.Get(ctx, h.ID)
	if snap.ScreenSharerID != "bob" {
		t.Fatalf("sharer = %q, want bob", snap.ScreenSharerID)
	}
}

func TestLeaveReleasesScreenShare(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	h, _ := m.Create(ctx, "conv-1", "alice", "c1")
	if _, err := m.Join(ctx, h.ID, "bob", "c2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.ToggleScreenShare(ctx, h.ID, "bob"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Leave(ctx, h.ID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap, _ := m.Get(ctx, h.ID)
	if snap.ScreenSharerID != "" {
		t.Fatalf("sharer = %q, want released", snap.ScreenSharerID)
	}
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	h, _ := m.Create(ctx, "conv-1", "alice", "c1")
	if err := m.Leave(ctx, h.ID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := m.Get(ctx, h.ID); errs.Code(err) != errs.CodeNotFound {
		t.Fatalf("get after destroy err = %v, want not found", err)
	}
	// a new huddle can start in the same conversation
	h2, err := m.Create(ctx, "conv-1", "bob", "c2")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if h2.ID == h.ID {
		t.Fatalf("room id reused after destroy")
	}
}

func TestMediaTogglesBroadcast(t *testing.T) {
	m, tr := newTestManager(t, Config{})
	ctx := context.Background()

	h, _ := m.Create(ctx, "conv-1", "alice", "c1")
	before := tr.stateCount()
	if err := m.ToggleAudio(ctx, h.ID, "alice", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := m.ToggleVideo(ctx, h.ID, "alice", true); err != nil {
		t.Fatalf("video: %v", err)
	}
	if got := tr.stateCount(); got <= before {
		t.Fatalf("state broadcasts = %d, want more than %d", got, before)
	}
	snap, _ := m.Get(ctx, h.ID)
	if !snap.Participants[0].Muted || !snap.Participants[0].VideoOn {
		t.Fatalf("participant flags = %+v, want muted+video", snap.Participants[0])
	}
}

func TestLeaveAll(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	h1, _ := m.Create(ctx, "conv-1", "alice", "c1")
	h2, _ := m.Create(ctx, "conv-2", "alice", "c1")
	if _, err := m.Join(ctx, h1.ID, "bob", "c2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	m.LeaveAll(ctx, "alice")

	snap, err := m.Get(ctx, h1.ID)
	if err != nil {
		t.Fatalf("h1 gone: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].UserID != "bob" {
		t.Fatalf("h1 participants = %+v, want only bob", snap.Participants)
	}
	if _, err := m.Get(ctx, h2.ID); errs.Code(err) != errs.CodeNotFound {
		t.Fatalf("h2 should be destroyed, err = %v", err)
	}
}
