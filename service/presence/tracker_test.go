package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quckapp/quckapp-sub001/service/fabric"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	presence []*Info
	typing   []TypingEvent
}

func (f *fakeBroadcaster) PublishPresence(ctx context.Context, info *Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *info
	f.presence = append(f.presence, &cp)
	return nil
}

func (f *fakeBroadcaster) PublishTyping(ctx context.Context, topic, userID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, TypingEvent{Topic: topic, UserID: userID, Typing: typing})
	return nil
}

func (f *fakeBroadcaster) statuses(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.presence {
		if p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

func newTestTracker(t *testing.T, debounce time.Duration) (*Tracker, *fakeBroadcaster, *fabric.Memory) {
	t.Helper()
	state := fabric.NewMemory()
	bc := &fakeBroadcaster{}
	tr := NewTracker(Config{GatewayID: "gw-1", Debounce: debounce}, state, bc)
	t.Cleanup(tr.Close)
	return tr, bc, state
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never held")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirstConnectionBroadcastsOnline(t *testing.T) {
	tr, bc, _ := newTestTracker(t, 10*time.Millisecond)
	ctx := context.Background()

	if err := tr.MarkOnline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("online: %v", err)
	}
	if got := bc.statuses("alice"); len(got) != 1 || got[0] != StatusOnline {
		t.Fatalf("broadcasts = %v, want [online]", got)
	}
	// a second device is silent
	if err := tr.MarkOnline(ctx, "alice", "c2"); err != nil {
		t.Fatalf("second online: %v", err)
	}
	if got := bc.statuses("alice"); len(got) != 1 {
		t.Fatalf("broadcasts = %v, want no second online", got)
	}
}

func TestOfflineIsDebounced(t *testing.T) {
	tr, bc, _ := newTestTracker(t, 20*time.Millisecond)
	ctx := context.Background()

	_ = tr.MarkOnline(ctx, "alice", "c1")
	if err := tr.MarkOffline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	// inside the window nothing is broadcast yet
	if got := bc.statuses("alice"); len(got) != 1 {
		t.Fatalf("broadcasts = %v, want only online so far", got)
	}
	waitFor(t, func() bool {
		got := bc.statuses("alice")
		return len(got) == 2 && got[1] == StatusOffline
	})
}

func TestQuickReconnectSuppressesOffline(t *testing.T) {
	tr, bc, _ := newTestTracker(t, 40*time.Millisecond)
	ctx := context.Background()

	_ = tr.MarkOnline(ctx, "alice", "c1")
	_ = tr.MarkOffline(ctx, "alice", "c1")
	// reconnect inside the window
	time.Sleep(10 * time.Millisecond)
	_ = tr.MarkOnline(ctx, "alice", "c2")

	time.Sleep(80 * time.Millisecond)
	got := bc.statuses("alice")
	for _, s := range got {
		if s == StatusOffline {
			t.Fatalf("offline broadcast leaked through a quick reconnect: %v", got)
		}
	}
}

func TestSecondDeviceKeepsUserOnline(t *testing.T) {
	tr, bc, _ := newTestTracker(t, 10*time.Millisecond)
	ctx := context.Background()

	_ = tr.MarkOnline(ctx, "alice", "c1")
	_ = tr.MarkOnline(ctx, "alice", "c2")
	_ = tr.MarkOffline(ctx, "alice", "c1")

	time.Sleep(50 * time.Millisecond)
	if got := bc.statuses("alice"); len(got) != 1 {
		t.Fatalf("broadcasts = %v, want no offline while c2 lives", got)
	}
	online, err := tr.IsOnline(ctx, "alice")
	if err != nil || !online {
		t.Fatalf("IsOnline = %v/%v, want true", online, err)
	}
}

func TestQueryReportsLastSeen(t *testing.T) {
	tr, _, state := newTestTracker(t, 5*time.Millisecond)
	ctx := context.Background()

	_ = tr.MarkOnline(ctx, "alice", "c1")
	if info := tr.Query(ctx, "alice"); info.Status != StatusOnline {
		t.Fatalf("status = %s, want online", info.Status)
	}

	_ = tr.MarkOffline(ctx, "alice", "c1")
	info := tr.Query(ctx, "alice")
	if info.Status != StatusOffline {
		t.Fatalf("status = %s, want offline", info.Status)
	}
	if info.LastSeen == nil || info.LastSeen.IsZero() {
		t.Fatalf("last seen missing after disconnect")
	}

	at, _ := state.LastSeen(ctx, "alice")
	if !at.Equal(*info.LastSeen) {
		t.Fatalf("query last seen %v != state %v", info.LastSeen, at)
	}
}

func TestTypingBroadcasts(t *testing.T) {
	tr, bc, state := newTestTracker(t, 10*time.Millisecond)
	ctx := context.Background()

	if err := tr.SetTyping(ctx, "alice", "conversation:conv-1"); err != nil {
		t.Fatalf("typing: %v", err)
	}
	typing, _ := state.IsTyping(ctx, "alice", "conversation:conv-1")
	if !typing {
		t.Fatalf("typing marker missing")
	}
	if err := tr.ClearTyping(ctx, "alice", "conversation:conv-1"); err != nil {
		t.Fatalf("clear typing: %v", err)
	}
	typing, _ = state.IsTyping(ctx, "alice", "conversation:conv-1")
	if typing {
		t.Fatalf("typing marker not cleared")
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.typing) != 2 || !bc.typing[0].Typing || bc.typing[1].Typing {
		t.Fatalf("typing events = %+v, want start then stop", bc.typing)
	}
}
