package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/lowband-classroom/backend/internal/models"
)

// PollCreated is the ack data of create_poll.
type PollCreated struct {
	PollID string `json:"poll_id"`
}

// PollResult is the ack data of close_poll.
type PollResult struct {
	Tally models.Tally `json:"tally"`
}

// identityFromQuery reads the caller-supplied participant identity.
func identityFromQuery(q url.Values) (models.Participant, error) {
	id := strings.TrimSpace(q.Get("participant_id"))
	if id == "" {
		return models.Participant{}, fmt.Errorf("participant_id required")
	}
	role, ok := models.ParseRole(q.Get("role"))
	if !ok {
		return models.Participant{}, fmt.Errorf("role must be teacher or student")
	}
	return models.Participant{ID: id, Role: role, DisplayName: strings.TrimSpace(q.Get("display_name"))}, nil
}

func malformed(event string, err error) error {
	return models.Errorf(models.CodeInvalidState, "malformed %s: %v", event, err)
}

// apply runs a room action for p. Join, leave and replay are transport specific and
// handled by the callers.
func (h *Hub) apply(ctx context.Context, p models.Participant, msg models.Message) (interface{}, error) {
	roomID := msg.RoomID
	switch msg.Event {
	case models.MsgStartSession:
		return nil, h.coord.StartSession(ctx, roomID, p.ID)
	case models.MsgEndSession:
		return nil, h.coord.EndSession(ctx, roomID, p.ID)
	case models.MsgChat:
		var req models.ChatRequest
		if err := msg.Decode(&req); err != nil {
			return nil, malformed(msg.Event, err)
		}
		return nil, h.coord.PostChat(ctx, roomID, p.ID, req.Text)
	case models.MsgCreatePoll:
		var req models.CreatePollRequest
		if err := msg.Decode(&req); err != nil {
			return nil, malformed(msg.Event, err)
		}
		id, err := h.coord.CreatePoll(ctx, roomID, p.ID, req.Question, req.Options)
		if err != nil {
			return nil, err
		}
		return PollCreated{PollID: id}, nil
	case models.MsgVote:
		var req models.VoteRequest
		if err := msg.Decode(&req); err != nil {
			return nil, malformed(msg.Event, err)
		}
		return nil, h.coord.Vote(ctx, roomID, p.ID, req.PollID, req.Option)
	case models.MsgClosePoll:
		tally, err := h.coord.ClosePoll(ctx, roomID, p.ID)
		if err != nil {
			return nil, err
		}
		return PollResult{Tally: tally}, nil
	case models.MsgStartRecording:
		var req models.RecordingRequest
		if err := msg.Decode(&req); err != nil {
			return nil, malformed(msg.Event, err)
		}
		return nil, h.coord.StartRecording(ctx, roomID, p.ID, req.Title)
	case models.MsgStopRecording:
		var req models.RecordingRequest
		if err := msg.Decode(&req); err != nil {
			return nil, malformed(msg.Event, err)
		}
		return nil, h.coord.StopRecording(ctx, roomID, p.ID, models.RecordingPayload{Title: req.Title, URL: req.URL})
	}
	return nil, models.Errorf(models.CodeInvalidState, "unknown event %q", msg.Event)
}
