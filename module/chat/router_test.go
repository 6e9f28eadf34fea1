package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/module/offline"
	"github.com/quckapp/quckapp-sub001/service/notify"
	"github.com/quckapp/quckapp-sub001/tools/errs"
)

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []pubRec
	direct    []pubRec
}

type pubRec struct {
	topic string
	event string
	user  string
}

func (f *fakeBroadcaster) Publish(ctx context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, pubRec{topic: topic, event: event})
	return nil
}

func (f *fakeBroadcaster) DeliverToUser(ctx context.Context, userID, event string, payload any, skipTopic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, pubRec{event: event, user: userID, topic: skipTopic})
	return nil
}

func (f *fakeBroadcaster) pubCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.event == event {
			n++
		}
	}
	return n
}

type fakePresence struct {
	online map[string]bool
	err    error
}

func (f *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.online[userID], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queuedRec
	replaced []queuedRec
}

type queuedRec struct {
	user    string
	msgID   string
	payload []byte
}

func (f *fakeQueue) Enqueue(ctx context.Context, recipientID, messageID string, payload []byte) (*offline.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, queuedRec{user: recipientID, msgID: messageID, payload: payload})
	return &offline.Entry{ID: "e-" + messageID, RecipientID: recipientID, MessageID: messageID}, nil
}

func (f *fakeQueue) ReplaceByMessage(ctx context.Context, recipientID, messageID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, queuedRec{user: recipientID, msgID: messageID, payload: payload})
	return nil
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

type fixture struct {
	router *Router
	store  *memStore
	bc     *fakeBroadcaster
	queue  *fakeQueue
	notify *fakeNotifier
	pres   *fakePresence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemStore()
	store.SetMembers("conv-1", "alice", "bob", "carol")
	bc := &fakeBroadcaster{}
	q := &fakeQueue{}
	nt := &fakeNotifier{}
	pres := &fakePresence{online: map[string]bool{"alice": true, "bob": true}}
	r := NewRouter(RouterConfig{
		Store:       store,
		Broadcaster: bc,
		Presence:    pres,
		Queue:       q,
		Notifier:    nt,
		Clock:       func() time.Time { return time.Unix(7000, 0) },
	})
	return &fixture{router: r, store: store, bc: bc, queue: q, notify: nt, pres: pres}
}

func TestSendAssignsMonotonicSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		m, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "hi"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if m.Seq <= last {
			t.Fatalf("seq %d not monotonic after %d", m.Seq, last)
		}
		last = m.Seq
	}
}

func TestSendDuplicateClientMsgID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", ClientMsgID: "c-1", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	m2, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", ClientMsgID: "c-1", Content: "hi"})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if m1.ID != m2.ID || m1.Seq != m2.Seq {
		t.Fatalf("duplicate send produced a new message: %s/%d vs %s/%d", m1.ID, m1.Seq, m2.ID, m2.Seq)
	}
	if got := f.bc.pubCount(global.EventMessageNew); got != 1 {
		t.Fatalf("broadcasts = %d, want 1 (no re-broadcast)", got)
	}
}

func TestSendFansOutOfflineRecipients(t *testing.T) {
	f := newFixture(t)
	f.pres.online = map[string]bool{"alice": true, "bob": true} // carol offline
	ctx := context.Background()

	m, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// bob online: direct delivery, no queue
	f.bc.mu.Lock()
	directUsers := map[string]bool{}
	for _, d := range f.bc.direct {
		directUsers[d.user] = true
	}
	f.bc.mu.Unlock()
	if !directUsers["bob"] || directUsers["carol"] {
		t.Fatalf("direct = %v, want bob only", directUsers)
	}

	// carol offline: queued and notified
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.enqueued) != 1 || f.queue.enqueued[0].user != "carol" || f.queue.enqueued[0].msgID != m.ID {
		t.Fatalf("enqueued = %+v, want one entry for carol", f.queue.enqueued)
	}
	var frame global.Envelope
	if err := json.Unmarshal(f.queue.enqueued[0].payload, &frame); err != nil {
		t.Fatalf("queued payload not a frame: %v", err)
	}
	if frame.Event != global.EventMessageNew {
		t.Fatalf("queued frame event = %s", frame.Event)
	}
	f.notify.mu.Lock()
	defer f.notify.mu.Unlock()
	if len(f.notify.sent) != 1 || f.notify.sent[0].RecipientID != "carol" {
		t.Fatalf("notifications = %+v, want one for carol", f.notify.sent)
	}
}

func TestPresenceErrorDegradesToQueue(t *testing.T) {
	f := newFixture(t)
	f.pres.err = errs.ErrTransientDelivery.Wrap()
	ctx := context.Background()

	if _, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.enqueued) != 2 { // bob and carol both treated as offline
		t.Fatalf("enqueued = %d, want 2", len(f.queue.enqueued))
	}
}

func TestEditOnlyBySender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "v1"})
	if _, err := f.router.EditMessage(ctx, "bob", m.ID, "v2"); errs.Code(err) != errs.CodeStateConflict {
		t.Fatalf("foreign edit err = %v, want state conflict", err)
	}
	edited, err := f.router.EditMessage(ctx, "alice", m.ID, "v2")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "v2" || edited.EditedAt == nil {
		t.Fatalf("edited = %+v", edited)
	}
	// still-queued copies are replaced in place
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.replaced) == 0 {
		t.Fatalf("edit did not replace queued payloads")
	}
}

func TestDeleteBroadcastsTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "v1"})
	if err := f.router.DeleteMessage(ctx, "alice", m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := f.bc.pubCount(global.EventMessageDeleted); got != 1 {
		t.Fatalf("tombstone broadcasts = %d, want 1", got)
	}
	// queued copies become tombstones
	f.queue.mu.Lock()
	found := false
	for _, r := range f.queue.replaced {
		var frame global.Envelope
		if json.Unmarshal(r.payload, &frame) == nil && frame.Event == global.EventMessageDeleted {
			found = true
		}
	}
	f.queue.mu.Unlock()
	if !found {
		t.Fatalf("queued copies not replaced with tombstone")
	}
	if _, err := f.router.EditMessage(ctx, "alice", m.ID, "v2"); errs.Code(err) != errs.CodeNotFound {
		t.Fatalf("edit after delete err = %v, want not found", err)
	}
}

func TestReactionIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", Content: "v1"})
	if err := f.router.AddReaction(ctx, "bob", m.ID, "thumbsup"); err != nil {
		t.Fatalf("react: %v", err)
	}
	if err := f.router.AddReaction(ctx, "bob", m.ID, "thumbsup"); err != nil {
		t.Fatalf("re-react: %v", err)
	}
	if got := f.bc.pubCount(global.EventReactionAdded); got != 1 {
		t.Fatalf("reaction broadcasts = %d, want 1", got)
	}
	if err := f.router.RemoveReaction(ctx, "bob", m.ID, "thumbsup"); err != nil {
		t.Fatalf("unreact: %v", err)
	}
	if err := f.router.RemoveReaction(ctx, "bob", m.ID, "thumbsup"); err != nil {
		t.Fatalf("re-unreact: %v", err)
	}
	if got := f.bc.pubCount(global.EventReactionRemoved); got != 1 {
		t.Fatalf("removal broadcasts = %d, want 1", got)
	}
}

func TestMarkReadWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.router.MarkRead(ctx, "bob", "conv-1", 5); err != nil {
		t.Fatalf("read: %v", err)
	}
	// lower or equal watermark changes nothing
	if err := f.router.MarkRead(ctx, "bob", "conv-1", 5); err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if err := f.router.MarkRead(ctx, "bob", "conv-1", 3); err != nil {
		t.Fatalf("lower read: %v", err)
	}
	if got := f.bc.pubCount(global.EventReadReceipt); got != 1 {
		t.Fatalf("receipt broadcasts = %d, want 1", got)
	}
	if err := f.router.MarkRead(ctx, "bob", "conv-1", 9); err != nil {
		t.Fatalf("advance read: %v", err)
	}
	if got := f.bc.pubCount(global.EventReadReceipt); got != 2 {
		t.Fatalf("receipt broadcasts = %d, want 2", got)
	}
}

func TestHuddleChatEphemeralByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.router.SendMessage(ctx, "alice", SendInput{ConversationID: "conv-1", HuddleID: "h-1", Content: "in-room"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stored, _ := f.store.Get(ctx, m.ID)
	if stored != nil {
		t.Fatalf("huddle chat persisted with policy off")
	}
	// no offline fan-out for in-room chat
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.enqueued) != 0 {
		t.Fatalf("huddle chat was queued offline")
	}
	if got := f.bc.pubCount(global.EventMessageNew); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	// one ascii byte then 3-byte runes, so the cut lands mid-rune
	long := "a" + strings.Repeat("界", 80)
	got := previewOf(&Message{Content: long})
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") || len(got) > 120+len("…") {
		t.Fatalf("preview = %q, want truncated with ellipsis", got)
	}

	short := previewOf(&Message{Content: "hello"})
	if short != "hello" {
		t.Fatalf("preview = %q, want unchanged", short)
	}
}
