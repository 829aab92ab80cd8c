package models

import "time"

// Building is the physical structure placed in the shared world for one
// match. Placed once at match creation and never moved.
type Building struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	MatchID   string    `json:"match_id" gorm:"not null;uniqueIndex"`
	WorldID   string    `json:"world_id" gorm:"not null;index"`
	X         int       `json:"x" gorm:"not null"`
	Y         int       `json:"y" gorm:"not null"`
	Label     string    `json:"label"`
	ObjectKey string    `json:"object_key"` // slugged label, stable key on the map
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
