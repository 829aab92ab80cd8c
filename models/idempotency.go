package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord stores the result of a previously executed command,
// keyed by (scope, key). Replays return the stored result without
// re-executing side effects; a key reused by a different player or match
// is a conflict. Rows are immutable once written.
type IdempotencyRecord struct {
	ID       string `json:"id" gorm:"primaryKey"`
	Scope    string `json:"scope" gorm:"not null;uniqueIndex:ux_scope_key,priority:1"`
	Key      string `json:"key" gorm:"not null;uniqueIndex:ux_scope_key,priority:2"`
	PlayerID string `json:"player_id" gorm:"not null"`
	MatchID  string `json:"match_id"`

	Result    datatypes.JSON `json:"result" gorm:"not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
