package services

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"town-match-service/models"
)

// appendEvent writes the next row of a match's append-only history inside
// the caller's transaction. Seq is MAX(seq)+1 for the match; because every
// writer holds the same transactional snapshot, the sequence stays gap-free
// and strictly increasing from 1.
func appendEvent(tx *gorm.DB, matchID string, at time.Time, eventType, visibility, visibilityPlayerID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var maxSeq int64
	if err := tx.Model(&models.MatchEvent{}).
		Where("match_id = ?", matchID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return err
	}

	event := models.MatchEvent{
		MatchID:            matchID,
		Seq:                maxSeq + 1,
		At:                 at,
		Type:               eventType,
		Visibility:         visibility,
		VisibilityPlayerID: visibilityPlayerID,
		Payload:            raw,
	}
	return tx.Create(&event).Error
}
