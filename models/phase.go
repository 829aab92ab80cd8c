package models

import "fmt"

// Phase is the match state machine position. It is a closed set; raw strings
// only appear at the DB/JSON boundary and go through ParsePhase on the way in.
type Phase string

const (
	PhaseLobby         Phase = "LOBBY"
	PhaseNight         Phase = "NIGHT"
	PhaseDayAnnounce   Phase = "DAY_ANNOUNCE"
	PhaseDayOpening    Phase = "DAY_OPENING"
	PhaseDayDiscussion Phase = "DAY_DISCUSSION"
	PhaseDayVote       Phase = "DAY_VOTE"
	PhaseDayResolution Phase = "DAY_RESOLUTION"
	PhaseEnded         Phase = "ENDED"
)

// ParsePhase validates a raw phase string from a row or request.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	switch p {
	case PhaseLobby, PhaseNight, PhaseDayAnnounce, PhaseDayOpening,
		PhaseDayDiscussion, PhaseDayVote, PhaseDayResolution, PhaseEnded:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", raw)
}

// RoundCount returns how many rounds a phase lasts. Zero-round phases
// (DAY_ANNOUNCE, DAY_RESOLUTION) resolve and transition immediately.
func RoundCount(p Phase) int {
	switch p {
	case PhaseNight:
		return 4
	case PhaseDayOpening:
		return 1
	case PhaseDayDiscussion:
		return 3
	case PhaseDayVote:
		return 1
	case PhaseLobby, PhaseDayAnnounce, PhaseDayResolution, PhaseEnded:
		return 0
	}
	return 0
}

// Terminal reports whether no further transitions leave this phase.
func (p Phase) Terminal() bool { return p == PhaseEnded }
