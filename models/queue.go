package models

import "time"

// QueueEntry is one waiting player in a matchmaking queue. Entries are
// created on join and deleted on leave or when a match consumes them.
type QueueEntry struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	QueueID     string    `json:"queue_id" gorm:"not null;uniqueIndex:ux_queue_player,priority:1"`
	PlayerID    string    `json:"player_id" gorm:"not null;uniqueIndex:ux_queue_player,priority:2;index"`
	DisplayName string    `json:"display_name"`
	WorldID     string    `json:"world_id" gorm:"not null"`
	JoinedAt    time.Time `json:"joined_at" gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (QueueEntry) TableName() string { return "queue_entries" }
