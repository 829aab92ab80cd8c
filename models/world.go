package models

import (
	"time"

	"gorm.io/datatypes"
)

// WorldMap is the local snapshot of a world's tile grid used for building
// placement. ObjectLayers holds the JSON-encoded stack of object layers
// ([][][]int, layer -> row -> cell); a non-zero cell blocks placement.
type WorldMap struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	Name         string         `json:"name"`
	Width        int            `json:"width" gorm:"not null"`
	Height       int            `json:"height" gorm:"not null"`
	ObjectLayers datatypes.JSON `json:"object_layers" gorm:"not null"`
	CreatedAt    time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// PlayerProfile is a local denormalized snapshot of a town character's
// display data, used to resolve queue display names when the client does
// not send one.
type PlayerProfile struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	PlayerID    string    `json:"player_id" gorm:"uniqueIndex;not null"`
	DisplayName string    `json:"display_name" gorm:"not null"`
	WorldID     string    `json:"world_id" gorm:"index"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
