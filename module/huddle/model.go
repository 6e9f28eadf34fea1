package huddle

import "time"

// Participant is one user inside a huddle room with their media flags.
type Participant struct {
	UserID   string    `json:"user_id"`
	ConnID   string    `json:"-"`
	Muted    bool      `json:"muted"`
	VideoOn  bool      `json:"video_on"`
	JoinedAt time.Time `json:"joined_at"`
}

// Huddle is a drop-in audio room bound to a conversation. At most one
// huddle exists per conversation; it lives while anyone is inside.
type Huddle struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	CreatorID      string        `json:"creator_id"`
	Participants   []Participant `json:"participants"`
	ScreenSharerID string        `json:"screen_sharer_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (h *Huddle) participant(userID string) *Participant {
	for i := range h.Participants {
		if h.Participants[i].UserID == userID {
			return &h.Participants[i]
		}
	}
	return nil
}

func (h *Huddle) snapshot() *Huddle {
	cp := *h
	cp.Participants = append([]Participant(nil), h.Participants...)
	return &cp
}
