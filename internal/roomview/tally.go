package roomview

import (
	"fmt"

	"github.com/lowband-classroom/backend/internal/models"
)

// FoldTally recomputes a poll's tally from the event stream: the option count comes
// from poll_created, each participant's last poll_vote counts once, and folding stops
// at the poll's poll_closed.
func FoldTally(events []models.Event, pollID string) (models.Tally, error) {
	var (
		options = -1
		votes   = make(map[string]int)
	)
	for _, ev := range events {
		switch ev.Kind {
		case models.EventPollCreated:
			var p models.PollCreatedPayload
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			if p.PollID == pollID {
				options = len(p.Options)
			}
		case models.EventPollVote:
			var p models.PollVotePayload
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			if p.PollID == pollID {
				votes[ev.ParticipantID] = p.Option
			}
		case models.EventPollClosed:
			var p models.PollClosedPayload
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			if p.PollID == pollID {
				if options < 0 {
					return nil, fmt.Errorf("poll %s closed before it was created", pollID)
				}
				return models.TallyVotes(options, votes), nil
			}
		}
	}
	if options < 0 {
		return nil, fmt.Errorf("poll %s not found", pollID)
	}
	return models.TallyVotes(options, votes), nil
}

// ClosedTally returns the tally embedded in a poll's poll_closed event.
func ClosedTally(events []models.Event, pollID string) (models.Tally, bool) {
	for _, ev := range events {
		if ev.Kind != models.EventPollClosed {
			continue
		}
		var p models.PollClosedPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		if p.PollID == pollID {
			return p.Tally, true
		}
	}
	return nil, false
}
