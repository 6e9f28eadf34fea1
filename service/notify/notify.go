package notify

import (
	"context"
	"time"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/ids"
)

// Priority flags. Call invites are time-sensitive, distinct from ordinary
// message notifications.
const (
	PriorityNormal        = "normal"
	PriorityTimeSensitive = "time_sensitive"
)

// Kinds.
const (
	KindMessage    = "message"
	KindCallInvite = "call_invite"
)

type Notification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Kind        string            `json:"kind"`
	Priority    string            `json:"priority"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Channel is one delivery channel (push/email/sms). Implementations hand the
// notification to an external provider pipeline; they never deliver inline.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// PreferenceStore answers which channels a recipient has enabled.
type PreferenceStore interface {
	ChannelEnabled(ctx context.Context, recipientID, channel string) bool
}

// AllEnabled is the default preference store: every channel on.
type AllEnabled struct{}

func (AllEnabled) ChannelEnabled(context.Context, string, string) bool { return true }

// Dispatcher fans a notification out to every enabled channel. Channels are
// attempted independently; one channel's failure never blocks another.
type Dispatcher struct {
	channels []Channel
	prefs    PreferenceStore
}

func NewDispatcher(prefs PreferenceStore, channels ...Channel) *Dispatcher {
	if prefs == nil {
		prefs = AllEnabled{}
	}
	return &Dispatcher{channels: channels, prefs: prefs}
}

func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) {
	if n.ID == "" {
		n.ID = ids.GenerateString()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	for _, ch := range d.channels {
		if !d.prefs.ChannelEnabled(ctx, n.RecipientID, ch.Name()) {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			logger.Errorf("[notify] channel=%s recipient=%s err=%v", ch.Name(), n.RecipientID, err)
		}
	}
}
