package models

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollOpen   PollStatus = "open"
	PollClosed PollStatus = "closed"
)

// VotePolicy decides what happens when a participant votes twice on an open poll.
type VotePolicy string

const (
	// LastVoteWins overwrites the previous vote.
	LastVoteWins VotePolicy = "last_vote_wins"
	// FirstVoteWins rejects re-votes.
	FirstVoteWins VotePolicy = "first_vote_wins"
)

// ParseVotePolicy returns the policy for s, defaulting to LastVoteWins.
func ParseVotePolicy(s string) (VotePolicy, bool) {
	switch VotePolicy(s) {
	case "", LastVoteWins:
		return LastVoteWins, true
	case FirstVoteWins:
		return FirstVoteWins, true
	}
	return LastVoteWins, false
}

// Tally is the per-option vote count, indexed like the poll's options.
type Tally []int

// Total returns the number of counted votes.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// ByOption keys the tally by option text.
func (t Tally) ByOption(options []string) map[string]int {
	out := make(map[string]int, len(options))
	for i, o := range options {
		if i < len(t) {
			out[o] = t[i]
		} else {
			out[o] = 0
		}
	}
	return out
}

// Equal reports whether two tallies count the same votes per option.
func (t Tally) Equal(other Tally) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// TallyVotes counts a participant -> option mapping over n options.
func TallyVotes(n int, votes map[string]int) Tally {
	t := make(Tally, n)
	for _, idx := range votes {
		if idx >= 0 && idx < n {
			t[idx]++
		}
	}
	return t
}

// PollState is the externally visible state of a poll, used in snapshots.
type PollState struct {
	ID       string         `json:"id"`
	Question string         `json:"question"`
	Options  []string       `json:"options"`
	Status   PollStatus     `json:"status"`
	Votes    map[string]int `json:"votes"`
}

// Tally counts the snapshot's votes.
func (p PollState) Tally() Tally {
	return TallyVotes(len(p.Options), p.Votes)
}
