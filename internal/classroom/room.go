package classroom

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lowband-classroom/backend/internal/eventlog"
	"github.com/lowband-classroom/backend/internal/models"
)

// room is the authoritative state of one classroom. Every method runs on the
// room's own goroutine, so fields need no locking.
type room struct {
	id        string
	state     models.RoomState
	teacher   *models.Participant
	members   map[string]models.Participant
	poll      *poll
	recording *models.RecordingPayload
	log       *eventlog.Log

	policy models.VotePolicy
	newID  func() string

	// stopped collects recordings ended during the current operation.
	stopped []models.RecordingPayload
}

func newRoom(id string, log *eventlog.Log, policy models.VotePolicy, newID func() string) *room {
	return &room{
		id:      id,
		state:   models.RoomIdle,
		members: make(map[string]models.Participant),
		log:     log,
		policy:  policy,
		newID:   newID,
	}
}

func (r *room) emit(kind models.EventKind, participantID string, payload interface{}) error {
	if _, err := r.log.Append(kind, participantID, payload); err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	return nil
}

func (r *room) isTeacher(participantID string) bool {
	return r.teacher != nil && r.teacher.ID == participantID
}

func (r *room) requireTeacher(participantID, action string) error {
	if !r.isTeacher(participantID) {
		return models.Errorf(models.CodeNotAuthorized, "only the teacher can %s", action)
	}
	return nil
}

func (r *room) requireMember(participantID string) (models.Participant, error) {
	p, ok := r.members[participantID]
	if !ok {
		return models.Participant{}, models.Errorf(models.CodeNotAuthorized, "%s is not a member of room %s", participantID, r.id)
	}
	return p, nil
}

func (r *room) join(p models.Participant) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return models.Errorf(models.CodeInvalidState, "participant id is required")
	}
	if !p.Role.Valid() {
		return models.Errorf(models.CodeInvalidState, "unknown role %q", p.Role)
	}
	if existing, ok := r.members[p.ID]; ok {
		if existing.Role != p.Role {
			return models.Errorf(models.CodeInvalidState, "%s already joined as %s", p.ID, existing.Role)
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
			r.members[p.ID] = existing
		}
		return r.emit(models.EventJoined, p.ID, models.JoinedPayload{Participant: existing, Rejoin: true})
	}
	if p.IsTeacher() {
		if r.teacher != nil {
			return models.Errorf(models.CodeRoleConflict, "room %s already has teacher %s", r.id, r.teacher.ID)
		}
		t := p
		r.teacher = &t
	}
	r.members[p.ID] = p
	return r.emit(models.EventJoined, p.ID, models.JoinedPayload{Participant: p})
}

func (r *room) leave(participantID string) error {
	p, ok := r.members[participantID]
	if !ok {
		return nil
	}
	if r.isTeacher(participantID) {
		if r.state == models.RoomLive {
			if err := r.endSession(models.SessionEndedTeacherLeft); err != nil {
				return err
			}
		}
		r.teacher = nil
	}
	delete(r.members, participantID)
	return r.emit(models.EventLeft, participantID, models.LeftPayload{ParticipantID: participantID, Role: p.Role})
}

func (r *room) startSession(teacherID string) error {
	if err := r.requireTeacher(teacherID, "start the session"); err != nil {
		return err
	}
	if r.state == models.RoomLive {
		return models.Errorf(models.CodeInvalidState, "session already live")
	}
	r.state = models.RoomLive
	return r.emit(models.EventSessionStarted, teacherID, models.SessionPayload{TeacherID: teacherID})
}

func (r *room) stopSession(teacherID string) error {
	if err := r.requireTeacher(teacherID, "end the session"); err != nil {
		return err
	}
	if r.state != models.RoomLive {
		return models.Errorf(models.CodeInvalidState, "session is not live")
	}
	return r.endSession(models.SessionEndedByTeacher)
}

// endSession closes the open poll and recording, then goes idle.
func (r *room) endSession(reason string) error {
	teacherID := ""
	if r.teacher != nil {
		teacherID = r.teacher.ID
	}
	if r.poll != nil {
		if _, err := r.closePollWith(teacherID, models.PollClosedSessionEnd); err != nil {
			return err
		}
	}
	if r.recording != nil {
		if err := r.finishRecording(teacherID, *r.recording); err != nil {
			return err
		}
	}
	r.state = models.RoomIdle
	return r.emit(models.EventSessionEnded, teacherID, models.SessionPayload{TeacherID: teacherID, Reason: reason})
}

func (r *room) postChat(participantID, text string) error {
	p, err := r.requireMember(participantID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return models.Errorf(models.CodeInvalidState, "empty chat message")
	}
	if r.state != models.RoomLive && !p.IsTeacher() {
		return models.Errorf(models.CodeInvalidState, "students can chat only while the session is live")
	}
	return r.emit(models.EventChat, participantID, models.ChatPayload{Text: text, DisplayName: p.DisplayName})
}

func (r *room) createPoll(teacherID, question string, options []string) (string, error) {
	if err := r.requireTeacher(teacherID, "create a poll"); err != nil {
		return "", err
	}
	if r.state != models.RoomLive {
		return "", models.Errorf(models.CodeInvalidState, "polls require a live session")
	}
	p, err := newPoll(r.newID(), question, options, r.policy)
	if err != nil {
		return "", err
	}
	if r.poll != nil {
		if _, err := r.closePollWith(teacherID, models.PollClosedSuperseded); err != nil {
			return "", err
		}
	}
	r.poll = p
	payload := models.PollCreatedPayload{PollID: p.id, Question: p.question, Options: p.options}
	if err := r.emit(models.EventPollCreated, teacherID, payload); err != nil {
		return "", err
	}
	return p.id, nil
}

func (r *room) vote(participantID, pollID string, option int) error {
	if _, err := r.requireMember(participantID); err != nil {
		return err
	}
	if r.poll == nil {
		return models.Errorf(models.CodePollNotOpen, "no open poll in room %s", r.id)
	}
	if pollID != "" && pollID != r.poll.id {
		return models.Errorf(models.CodePollNotOpen, "poll %s is not open", pollID)
	}
	if err := r.poll.vote(participantID, option); err != nil {
		return err
	}
	return r.emit(models.EventPollVote, participantID, models.PollVotePayload{PollID: r.poll.id, Option: option})
}

func (r *room) closePoll(teacherID string) (models.Tally, error) {
	if err := r.requireTeacher(teacherID, "close the poll"); err != nil {
		return nil, err
	}
	if r.poll == nil {
		return nil, models.Errorf(models.CodePollNotOpen, "no open poll in room %s", r.id)
	}
	return r.closePollWith(teacherID, models.PollClosedByTeacher)
}

// closePollWith broadcasts the final tally once and discards the poll.
func (r *room) closePollWith(actorID, reason string) (models.Tally, error) {
	p := r.poll
	tally := p.close()
	r.poll = nil
	if err := r.emit(models.EventPollClosed, actorID, models.PollClosedPayload{PollID: p.id, Tally: tally, Reason: reason}); err != nil {
		return nil, err
	}
	return tally, nil
}

func (r *room) startRecording(teacherID, title string) error {
	if err := r.requireTeacher(teacherID, "record"); err != nil {
		return err
	}
	if r.state != models.RoomLive {
		return models.Errorf(models.CodeInvalidState, "recording requires a live session")
	}
	if r.recording != nil {
		return models.Errorf(models.CodeInvalidState, "already recording")
	}
	rec := models.RecordingPayload{Title: strings.TrimSpace(title)}
	r.recording = &rec
	return r.emit(models.EventRecordingStarted, teacherID, rec)
}

func (r *room) stopRecording(teacherID string, rec models.RecordingPayload) error {
	if err := r.requireTeacher(teacherID, "stop recording"); err != nil {
		return err
	}
	if r.recording == nil {
		return models.Errorf(models.CodeInvalidState, "not recording")
	}
	if strings.TrimSpace(rec.Title) == "" {
		rec.Title = r.recording.Title
	}
	return r.finishRecording(teacherID, rec)
}

func (r *room) finishRecording(actorID string, rec models.RecordingPayload) error {
	r.recording = nil
	r.stopped = append(r.stopped, rec)
	return r.emit(models.EventRecordingStopped, actorID, rec)
}

func (r *room) takeStopped() []models.RecordingPayload {
	out := r.stopped
	r.stopped = nil
	return out
}

func (r *room) canCapture(participantID string) bool {
	return r.state == models.RoomLive && r.isTeacher(participantID)
}

func (r *room) snapshot() models.Snapshot {
	snap := models.Snapshot{
		RoomID:    r.id,
		Seq:       r.log.LastSeq(),
		State:     r.state,
		Members:   make([]models.Participant, 0, len(r.members)),
		Recording: r.recording != nil,
	}
	if r.teacher != nil {
		t := *r.teacher
		snap.Teacher = &t
	}
	for _, p := range r.members {
		snap.Members = append(snap.Members, p)
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })
	if r.poll != nil {
		snap.Poll = r.poll.state()
	}
	return snap
}
