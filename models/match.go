package models

import (
	"time"

	"gorm.io/datatypes"
)

// Match is the durable record for one werewolf match. The row and its
// MatchPlayers are always read and written together inside one transaction;
// no handler ever updates a subset of the snapshot.
type Match struct {
	ID                 string     `json:"id" gorm:"primaryKey"`
	WorldID            string     `json:"world_id" gorm:"not null;index"`
	QueueID            string     `json:"queue_id" gorm:"not null"`
	BuildingInstanceID string     `json:"building_instance_id" gorm:"not null"`
	Phase              string     `json:"phase" gorm:"not null;index"`
	DayNumber          int        `json:"day_number" gorm:"not null;default:0"`
	NightNumber        int        `json:"night_number" gorm:"not null;default:0"`
	PhaseStartedAt     time.Time  `json:"phase_started_at" gorm:"not null"`
	PhaseEndsAt        time.Time  `json:"phase_ends_at" gorm:"not null;index"`
	StartedAt          time.Time  `json:"started_at" gorm:"not null"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Winner             string     `json:"winner,omitempty"` // WOLVES | VILLAGERS
	PublicSummary      string     `json:"public_summary"`
	PlayersAlive       int        `json:"players_alive" gorm:"not null"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Players []MatchPlayer `json:"players,omitempty" gorm:"foreignKey:MatchID"`
}

const (
	WinnerWolves    = "WOLVES"
	WinnerVillagers = "VILLAGERS"
)

// MatchPlayer is one seat in a match. Exactly one row exists per
// (match_id, seat) and per (match_id, player_id) for the match lifetime.
type MatchPlayer struct {
	ID          string `json:"id" gorm:"primaryKey"`
	MatchID     string `json:"match_id" gorm:"not null;uniqueIndex:ux_match_seat,priority:1;uniqueIndex:ux_match_player,priority:1"`
	PlayerID    string `json:"player_id" gorm:"not null;uniqueIndex:ux_match_player,priority:2;index"`
	DisplayName string `json:"display_name"`
	Seat        int    `json:"seat" gorm:"not null;uniqueIndex:ux_match_seat,priority:2"`
	Role        string `json:"-" gorm:"not null"` // exposure decided by the read API
	Alive       bool   `json:"alive" gorm:"not null;default:true"`
	Ready       bool   `json:"ready" gorm:"not null;default:false"`

	EliminatedAt *time.Time `json:"eliminated_at,omitempty"`
	RevealedRole string     `json:"revealed_role,omitempty"`

	// Doctor rule: may not protect the same player two nights running.
	DoctorLastProtectedPlayerID string `json:"-"`

	// SeerHistory is the ordered list of past inspections, JSON-encoded
	// []SeerInspection.
	SeerHistory datatypes.JSON `json:"-"`

	// OpeningDoneDay is the day number whose DAY_OPENING statement this
	// player already gave (0 = none yet).
	OpeningDoneDay int `json:"-" gorm:"not null;default:0"`

	VoteTargetPlayerID  string     `json:"-"`
	LastPublicMessageAt *time.Time `json:"last_public_message_at,omitempty"`
	LastWolfChatAt      *time.Time `json:"-"`

	// Pending night action targets, cleared when a new night starts.
	WolfKillTargetPlayerID      string `json:"-"`
	SeerInspectTargetPlayerID   string `json:"-"`
	DoctorProtectTargetPlayerID string `json:"-"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// SeerInspection is one entry of a seer's inspection history.
type SeerInspection struct {
	Night          int    `json:"night"`
	TargetPlayerID string `json:"target_player_id"`
	TargetName     string `json:"target_name"`
	IsWolf         bool   `json:"is_wolf"`
}
