package services

import (
	"sort"
	"time"

	"battle-orchestrator/config"
	"battle-orchestrator/models"
)

// Outcome is the result of winner selection over a closed battle.
type Outcome struct {
	WinnerAddress     string // empty when there is no valid winner
	WinningSide       string
	TotalParticipants int
	TotalSubmissions  int
}

func (o Outcome) HasWinner() bool {
	return o.WinnerAddress != ""
}

// WinnerSelector decides a battle's winner. Implementations must be
// deterministic for a given input and resolve ties to "no winner" rather
// than an arbitrary pick.
type WinnerSelector interface {
	Select(participants []models.Participant, submissions []models.Submission) Outcome
}

// NewWinnerSelector returns the selector named by policy, defaulting to side majority.
func NewWinnerSelector(policy string) WinnerSelector {
	if policy == config.WinnerPolicyTopContributor {
		return TopContributorSelector{}
	}
	return SideMajoritySelector{}
}

type contributor struct {
	address string
	count   int
	first   time.Time
}

// tally counts submissions per participant; submissions from non-participants are ignored.
func tally(participants map[string]bool, submissions []models.Submission) []contributor {
	byUser := make(map[string]*contributor)
	for _, s := range submissions {
		if !participants[s.UserAddress] {
			continue
		}
		c, ok := byUser[s.UserAddress]
		if !ok {
			c = &contributor{address: s.UserAddress, first: s.CreatedAt}
			byUser[s.UserAddress] = c
		}
		c.count++
		if s.CreatedAt.Before(c.first) {
			c.first = s.CreatedAt
		}
	}
	out := make([]contributor, 0, len(byUser))
	for _, c := range byUser {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		if !out[i].first.Equal(out[j].first) {
			return out[i].first.Before(out[j].first)
		}
		return out[i].address < out[j].address
	})
	return out
}

func participantSet(participants []models.Participant) map[string]bool {
	set := make(map[string]bool, len(participants))
	for _, p := range participants {
		set[p.UserAddress] = true
	}
	return set
}

// SideMajoritySelector awards the side with strictly more submissions. Inside
// that side the participant with the most submissions wins, ties going to the
// earliest first submission and then the lower address. A side tie yields no
// winner.
type SideMajoritySelector struct{}

func (SideMajoritySelector) Select(participants []models.Participant, submissions []models.Submission) Outcome {
	out := Outcome{TotalParticipants: len(participants), TotalSubmissions: len(submissions)}
	members := participantSet(participants)

	sides := make(map[string][]models.Submission)
	for _, s := range submissions {
		if members[s.UserAddress] {
			sides[s.Side] = append(sides[s.Side], s)
		}
	}

	best, bestCount, tied := "", 0, false
	for side, subs := range sides {
		switch {
		case len(subs) > bestCount:
			best, bestCount, tied = side, len(subs), false
		case len(subs) == bestCount:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return out
	}

	ranked := tally(members, sides[best])
	out.WinningSide = best
	out.WinnerAddress = ranked[0].address
	return out
}

// TopContributorSelector awards the participant with strictly the most
// submissions across all sides.
type TopContributorSelector struct{}

func (TopContributorSelector) Select(participants []models.Participant, submissions []models.Submission) Outcome {
	out := Outcome{TotalParticipants: len(participants), TotalSubmissions: len(submissions)}

	ranked := tally(participantSet(participants), submissions)
	if len(ranked) == 0 {
		return out
	}
	if len(ranked) > 1 && ranked[1].count == ranked[0].count {
		return out
	}
	out.WinnerAddress = ranked[0].address
	return out
}
