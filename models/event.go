package models

import (
	"time"

	"gorm.io/datatypes"
)

// Visibility scopes for match events.
//
//   - "public": every player (and spectators) can see it
//   - "wolves": only wolf-team players can see it
//   - "player": only the single player in VisibilityPlayerID can see it
const (
	VisibilityPublic = "public"
	VisibilityWolves = "wolves"
	VisibilityPlayer = "player"
)

// Match event types.
const (
	EventMatchCreated      = "match_created"
	EventPhaseChanged      = "phase_changed"
	EventPublicMessage     = "public_message"
	EventWolfChat          = "wolf_chat"
	EventVoteCast          = "vote_cast"
	EventWolfKillChosen    = "wolf_kill_chosen"
	EventSeerInspectChosen = "seer_inspect_chosen"
	EventSeerResult        = "seer_result"
	EventDoctorProtect     = "doctor_protect"
	EventNightOutcome      = "night_outcome"
	EventVoteOutcome       = "vote_outcome"
	EventPlayerReady       = "player_ready"
	EventMatchEnded        = "match_ended"
)

// MatchEvent is one row of the append-only per-match history. For a fixed
// match_id, seq is gap-free and strictly increasing from 1; rows are never
// updated or deleted.
type MatchEvent struct {
	ID      uint   `json:"-" gorm:"primaryKey"`
	MatchID string `json:"match_id" gorm:"not null;uniqueIndex:ux_match_seq,priority:1"`
	Seq     int64  `json:"seq" gorm:"not null;uniqueIndex:ux_match_seq,priority:2"`

	At         time.Time `json:"at" gorm:"not null"`
	Type       string    `json:"type" gorm:"size:64;not null"`
	Visibility string    `json:"visibility" gorm:"size:16;not null;default:'public'"`
	// VisibilityPlayerID is set only for "player"-scoped events.
	VisibilityPlayerID string         `json:"visibility_player_id,omitempty" gorm:"index"`
	Payload            datatypes.JSON `json:"payload" gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (MatchEvent) TableName() string { return "match_events" }
