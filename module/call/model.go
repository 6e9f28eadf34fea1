package call

import "time"

type State string

// State edges: initiated -> ringing -> {active, rejected, missed, ended},
// active -> ended. Everything else is a StateConflict.
const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateActive    State = "active"
	StateRejected  State = "rejected"
	StateMissed    State = "missed"
	StateEnded     State = "ended"
)

func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateMissed, StateEnded:
		return true
	}
	return false
}

// Call types.
const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

// Participant statuses.
const (
	PartCalling  = "calling"
	PartRinging  = "ringing"
	PartJoined   = "joined"
	PartRejected = "rejected"
	PartMissed   = "missed"
	PartLeft     = "left"
)

type Participant struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

type Call struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	InitiatorID  string        `json:"initiator_id"`
	Participants []Participant `json:"participants"`
	State        State         `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	AnsweredAt   *time.Time    `json:"answered_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	AnsweredBy   string        `json:"answered_by,omitempty"` // winning connection id
	DurationSec  int64         `json:"duration_sec,omitempty"`
}

func (c *Call) participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

func (c *Call) snapshot() *Call {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	return &cp
}
