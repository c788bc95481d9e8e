package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a room state change recorded in the broadcast log.
type EventKind string

const (
	EventJoined           EventKind = "joined"
	EventLeft             EventKind = "left"
	EventChat             EventKind = "chat"
	EventPollCreated      EventKind = "poll_created"
	EventPollVote         EventKind = "poll_vote"
	EventPollClosed       EventKind = "poll_closed"
	EventSessionStarted   EventKind = "session_started"
	EventSessionEnded     EventKind = "session_ended"
	EventRecordingStarted EventKind = "recording_started"
	EventRecordingStopped EventKind = "recording_stopped"
)

// Event is one immutable entry of a room's broadcast log. Seq is assigned by the log.
type Event struct {
	Seq           int64           `json:"seq"`
	RoomID        string          `json:"room_id"`
	Kind          EventKind       `json:"kind"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	At            time.Time       `json:"at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d (%s): empty payload", e.Seq, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// JoinedPayload is carried by joined events.
type JoinedPayload struct {
	Participant Participant `json:"participant"`
	Rejoin      bool        `json:"rejoin,omitempty"`
}

// LeftPayload is carried by left events.
type LeftPayload struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
}

// ChatPayload is carried by chat events. Text is stored verbatim.
type ChatPayload struct {
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session end reasons.
const (
	SessionEndedByTeacher   = "ended"
	SessionEndedTeacherLeft = "teacher_left"
)

// SessionPayload is carried by session_started and session_ended events.
type SessionPayload struct {
	TeacherID string `json:"teacher_id"`
	Reason    string `json:"reason,omitempty"`
}

// PollCreatedPayload is carried by poll_created events.
type PollCreatedPayload struct {
	PollID   string   `json:"poll_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PollVotePayload is carried by poll_vote events. The voter is Event.ParticipantID.
type PollVotePayload struct {
	PollID string `json:"poll_id"`
	Option int    `json:"option"`
}

// Poll close reasons.
const (
	PollClosedByTeacher  = "closed"
	PollClosedSuperseded = "superseded"
	PollClosedSessionEnd = "session_ended"
)

// PollClosedPayload is carried by poll_closed events.
type PollClosedPayload struct {
	PollID string `json:"poll_id"`
	Tally  Tally  `json:"tally"`
	Reason string `json:"reason,omitempty"`
}

// RecordingPayload is carried by recording_started and recording_stopped events.
type RecordingPayload struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}
