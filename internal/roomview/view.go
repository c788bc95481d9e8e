// Package roomview folds a room's snapshot and event stream into the state a client
// renders: members, session phase, chat, and the active poll.
package roomview

import (
	"errors"
	"fmt"
	"time"

	"github.com/lowband-classroom/backend/internal/models"
)

// ErrGap is returned by Apply when an event does not directly follow LastSeq.
var ErrGap = errors.New("roomview: event sequence gap")

// DefaultChatLimit bounds the chat history kept by a view.
const DefaultChatLimit = 500

// ChatLine is one rendered chat message.
type ChatLine struct {
	Seq           int64     `json:"seq"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Text          string    `json:"text"`
	At            time.Time `json:"at"`
}

// ClosedPoll is the last poll result broadcast in the room.
type ClosedPoll struct {
	PollID   string       `json:"poll_id"`
	Question string       `json:"question"`
	Options  []string     `json:"options"`
	Tally    models.Tally `json:"tally"`
	Reason   string       `json:"reason,omitempty"`
}

// View is the client-local derived state of one room.
type View struct {
	RoomID    string
	LastSeq   int64
	State     models.RoomState
	Teacher   *models.Participant
	Members   map[string]models.Participant
	Chat      []ChatLine
	Poll      *models.PollState
	LastPoll  *ClosedPoll
	Recording bool
	ChatLimit int
}

// New returns an empty view of an idle room.
func New(roomID string) *View {
	return &View{
		RoomID:    roomID,
		State:     models.RoomIdle,
		Members:   make(map[string]models.Participant),
		ChatLimit: DefaultChatLimit,
	}
}

// MemberCount is the presence count: members with a joined not yet followed by left.
func (v *View) MemberCount() int { return len(v.Members) }

// Reset replaces the view with a snapshot. Chat history older than the snapshot is kept.
func (v *View) Reset(snap models.Snapshot) {
	v.RoomID = snap.RoomID
	v.LastSeq = snap.Seq
	v.State = snap.State
	v.Teacher = nil
	if snap.Teacher != nil {
		t := *snap.Teacher
		v.Teacher = &t
	}
	v.Members = make(map[string]models.Participant, len(snap.Members))
	for _, p := range snap.Members {
		v.Members[p.ID] = p
	}
	v.Poll = nil
	if snap.Poll != nil {
		p := *snap.Poll
		p.Votes = make(map[string]int, len(snap.Poll.Votes))
		for k, val := range snap.Poll.Votes {
			p.Votes[k] = val
		}
		v.Poll = &p
	}
	v.Recording = snap.Recording
}

// Apply folds one event into the view. It reports false for an event at or below
// LastSeq (already applied) and ErrGap when events are missing before it.
func (v *View) Apply(ev models.Event) (bool, error) {
	if ev.Seq <= v.LastSeq {
		return false, nil
	}
	if ev.Seq != v.LastSeq+1 {
		return false, fmt.Errorf("%w: have %d, got %d", ErrGap, v.LastSeq, ev.Seq)
	}
	if err := v.apply(ev); err != nil {
		return false, err
	}
	v.LastSeq = ev.Seq
	return true, nil
}

func (v *View) apply(ev models.Event) error {
	switch ev.Kind {
	case models.EventJoined:
		var p models.JoinedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		v.Members[p.Participant.ID] = p.Participant
		if p.Participant.IsTeacher() {
			t := p.Participant
			v.Teacher = &t
		}
	case models.EventLeft:
		delete(v.Members, ev.ParticipantID)
		if v.Teacher != nil && v.Teacher.ID == ev.ParticipantID {
			v.Teacher = nil
		}
	case models.EventSessionStarted:
		v.State = models.RoomLive
	case models.EventSessionEnded:
		v.State = models.RoomIdle
	case models.EventChat:
		var p models.ChatPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		v.Chat = append(v.Chat, ChatLine{Seq: ev.Seq, ParticipantID: ev.ParticipantID, DisplayName: p.DisplayName, Text: p.Text, At: ev.At})
		if v.ChatLimit > 0 && len(v.Chat) > v.ChatLimit {
			v.Chat = v.Chat[len(v.Chat)-v.ChatLimit:]
		}
	case models.EventPollCreated:
		var p models.PollCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		v.Poll = &models.PollState{
			ID:       p.PollID,
			Question: p.Question,
			Options:  p.Options,
			Status:   models.PollOpen,
			Votes:    make(map[string]int),
		}
	case models.EventPollVote:
		var p models.PollVotePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if v.Poll != nil && v.Poll.ID == p.PollID {
			v.Poll.Votes[ev.ParticipantID] = p.Option
		}
	case models.EventPollClosed:
		var p models.PollClosedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		closed := &ClosedPoll{PollID: p.PollID, Tally: p.Tally, Reason: p.Reason}
		if v.Poll != nil && v.Poll.ID == p.PollID {
			closed.Question = v.Poll.Question
			closed.Options = v.Poll.Options
			v.Poll = nil
		}
		v.LastPoll = closed
	case models.EventRecordingStarted:
		v.Recording = true
	case models.EventRecordingStopped:
		v.Recording = false
	}
	return nil
}

// CurrentTally counts the open poll's votes as seen so far.
func (v *View) CurrentTally() models.Tally {
	if v.Poll == nil {
		return nil
	}
	return v.Poll.Tally()
}

// ShouldRefreshRecordings reports whether a participant with role should re-fetch the
// recordings list after ev.
func ShouldRefreshRecordings(role models.Role, ev models.Event) bool {
	if role != models.RoleStudent {
		return false
	}
	return ev.Kind == models.EventSessionEnded || ev.Kind == models.EventRecordingStopped
}
