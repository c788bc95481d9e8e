package classroom

import (
	"strings"

	"github.com/lowband-classroom/backend/internal/models"
)

// poll is the active poll of a room. It is only touched from the room's goroutine.
type poll struct {
	id       string
	question string
	options  []string
	status   models.PollStatus
	votes    map[string]int
	policy   models.VotePolicy
}

func newPoll(id, question string, options []string, policy models.VotePolicy) (*poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, models.Errorf(models.CodeInvalidPoll, "question is required")
	}
	if len(options) < 2 {
		return nil, models.Errorf(models.CodeInvalidPoll, "at least 2 options required, got %d", len(options))
	}
	opts := make([]string, len(options))
	for i, o := range options {
		o = strings.TrimSpace(o)
		if o == "" {
			return nil, models.Errorf(models.CodeInvalidPoll, "option %d is empty", i)
		}
		opts[i] = o
	}
	return &poll{
		id:       id,
		question: question,
		options:  opts,
		status:   models.PollOpen,
		votes:    make(map[string]int),
		policy:   policy,
	}, nil
}

func (p *poll) vote(participantID string, option int) error {
	if p.status != models.PollOpen {
		return models.Errorf(models.CodePollNotOpen, "poll %s is closed", p.id)
	}
	if option < 0 || option >= len(p.options) {
		return models.Errorf(models.CodeInvalidOption, "option %d out of range [0,%d)", option, len(p.options))
	}
	if _, voted := p.votes[participantID]; voted && p.policy == models.FirstVoteWins {
		return models.Errorf(models.CodeInvalidState, "participant %s already voted", participantID)
	}
	p.votes[participantID] = option
	return nil
}

// close freezes the poll and returns its final tally.
func (p *poll) close() models.Tally {
	p.status = models.PollClosed
	return models.TallyVotes(len(p.options), p.votes)
}

func (p *poll) state() *models.PollState {
	votes := make(map[string]int, len(p.votes))
	for k, v := range p.votes {
		votes[k] = v
	}
	return &models.PollState{
		ID:       p.id,
		Question: p.question,
		Options:  append([]string(nil), p.options...),
		Status:   p.status,
		Votes:    votes,
	}
}
