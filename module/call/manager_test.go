package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/tools/errs"
)

type fakeTransport struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	kind   string // publish/user/except
	target string
	except string
	event  string
}

func (f *fakeTransport) Publish(ctx context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{kind: "publish", target: topic, event: event})
	return nil
}

func (f *fakeTransport) DeliverToUser(ctx context.Context, userID, event string, payload any, skipTopic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{kind: "user", target: userID, event: event})
	return nil
}

func (f *fakeTransport) DeliverToUserExcept(ctx context.Context, userID, exceptConnID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{kind: "except", target: userID, except: exceptConnID, event: event})
	return nil
}

func (f *fakeTransport) count(kind, target, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind && e.target == target && e.event == event {
			n++
		}
	}
	return n
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return f.online[userID], nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (f *fakeNotifier) Dispatch(ctx context.Context, n *notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func newTestManager(t *testing.T, conf Config) (*Manager, *fakeTransport, *fakeNotifier) {
	t.Helper()
	tr := &fakeTransport{}
	nt := &fakeNotifier{}
	m := NewManager(conf, tr, &fakePresence{online: map[string]bool{"alice": true, "bob": true}}, nt, nil)
	t.Cleanup(m.Close)
	return m, tr, nt
}

func TestInitiateRingsCallee(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{RingTimeout: time.Minute})

	c, err := m.Initiate(context.Background(), "alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if c.State != StateRinging {
		t.Fatalf("state = %s, want ringing", c.State)
	}
	if got := tr.count("user", "bob", "call.incoming"); got != 1 {
		t.Fatalf("incoming deliveries = %d, want 1", got)
	}
}

func TestInitiateRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute})

	if _, err := m.Initiate(context.Background(), "alice", "alice", TypeAudio); errs.Code(err) != errs.CodePayload {
		t.Fatalf("self call err = %v, want payload code", err)
	}
	if _, err := m.Initiate(context.Background(), "alice", "bob", "hologram"); errs.Code(err) != errs.CodePayload {
		t.Fatalf("bad type err = %v, want payload code", err)
	}
}

func TestAnswerExclusive(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	ctx := context.Background()

	c, err := m.Initiate(ctx, "alice", "bob", TypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	snap, err := m.Answer(ctx, c.ID, "bob", "conn-1")
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if snap.State != StateActive || snap.AnsweredBy != "conn-1" {
		t.Fatalf("snap = %+v, want active via conn-1", snap)
	}

	// second device answers the same call: state conflict
	if _, err := m.Answer(ctx, c.ID, "bob", "conn-2"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("second answer err = %v, want state conflict", err)
	}

	// the other devices were told to stop ringing, sparing the winner
	if got := tr.count("except", "bob", "call.stop_ringing"); got != 1 {
		t.Fatalf("stop_ringing deliveries = %d, want 1", got)
	}
}

func TestAnswerByNonCallee(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	ctx := context.Background()

	c, _ := m.Initiate(ctx, "alice", "bob", TypeAudio)
	if _, err := m.Answer(ctx, c.ID, "mallory", "conn-9"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("stranger answer err = %v, want state conflict", err)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	m, tr, nt := newTestManager(t, Config{RingTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	c, err := m.Initiate(ctx, "alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := m.Get(ctx, c.ID)
		if err == nil && snap.State == StateMissed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never went missed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tr.count("user", "alice", "call.missed"); got != 1 {
		t.Fatalf("missed deliveries to caller = %d, want 1", got)
	}

	// answering after timeout is refused
	if _, err := m.Answer(ctx, c.ID, "bob", "conn-1"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("late answer err = %v, want state conflict", err)
	}
	_ = nt
}

func TestStaleRingFireLeavesAnsweredCall(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute, ArchiveAfter: 20 * time.Millisecond})
	ctx := context.Background()

	c, err := m.Initiate(ctx, "alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := m.Answer(ctx, c.ID, "bob", "conn-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// a ring timer firing after the answer must neither end nor archive
	m.mu.RLock()
	a := m.actors[c.ID]
	m.mu.RUnlock()
	if m.onRingTimeout(a) {
		t.Fatalf("stale ring fire ended an answered call")
	}

	time.Sleep(60 * time.Millisecond)
	snap, err := m.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("call archived out from under its parties: %v", err)
	}
	if snap.State != StateActive {
		t.Fatalf("state = %s, want active", snap.State)
	}
}

func TestOfflineCalleeGetsNotification(t *testing.T) {
	tr := &fakeTransport{}
	nt := &fakeNotifier{}
	m := NewManager(Config{RingTimeout: time.Minute}, tr,
		&fakePresence{online: map[string]bool{"alice": true}}, nt, nil)
	defer m.Close()

	if _, err := m.Initiate(context.Background(), "alice", "bob", TypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if len(nt.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(nt.sent))
	}
	n := nt.sent[0]
	if n.RecipientID != "bob" || n.Kind != notify.KindCallInvite || n.Priority != notify.PriorityTimeSensitive {
		t.Fatalf("notification = %+v, want time-sensitive call invite for bob", n)
	}
}

func TestRejectEndsRinging(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	ctx := context.Background()

	c, _ := m.Initiate(ctx, "alice", "bob", TypeAudio)
	snap, err := m.Reject(ctx, c.ID, "bob")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if snap.State != StateRejected {
		t.Fatalf("state = %s, want rejected", snap.State)
	}
	if got := tr.count("user", "alice", "call.rejected"); got != 1 {
		t.Fatalf("rejected deliveries = %d, want 1", got)
	}
}

func TestEndRecordsDuration(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute, Clock: clock})
	ctx := context.Background()

	c, _ := m.Initiate(ctx, "alice", "bob", TypeAudio)
	if _, err := m.Answer(ctx, c.ID, "bob", "conn-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	now = now.Add(42 * time.Second)
	snap, err := m.End(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if snap.DurationSec != 42 {
		t.Fatalf("duration = %d, want 42", snap.DurationSec)
	}
	if _, err := m.End(ctx, c.ID, "alice"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("double end err = %v, want state conflict", err)
	}
}

func TestSignalRelaysOnlyWhileLive(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	ctx := context.Background()
	blob := json.RawMessage(`{"sdp":"offer"}`)

	c, _ := m.Initiate(ctx, "alice", "bob", TypeAudio)
	if err := m.Signal(ctx, c.ID, "alice", blob); err != nil {
		t.Fatalf("signal while ringing: %v", err)
	}
	if got := tr.count("user", "bob", "call.signal"); got != 1 {
		t.Fatalf("signal relays = %d, want 1", got)
	}

	if _, err := m.Reject(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := m.Signal(ctx, c.ID, "alice", blob); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("signal after terminal err = %v, want state conflict", err)
	}
}

func TestSignalFromStranger(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	ctx := context.Background()

	c, _ := m.Initiate(ctx, "alice", "bob", TypeAudio)
	err := m.Signal(ctx, c.ID, "mallory", json.RawMessage(`{}`))
	if errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("stranger signal err = %v, want state conflict", err)
	}
}

func TestUnknownCall(t *testing.T) {
	m, _, _ := newTestManager(t, Config{RingTimeout: time.Minute})
	if _, err := m.Get(context.Background(), "nope"); errs.Code(err) != errs.CodeNotFound {
		t.Fatalf("get err = %v, want not found", err)
	}
}
