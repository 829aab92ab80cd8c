package services

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"town-match-service/models"
)

const (
	idempotencyKeyMinLen = 8
	idempotencyKeyMaxLen = 128
)

// validateIdempotencyKey enforces the length bounds on client-supplied
// keys. Empty is fine (the caller just gets no replay protection).
func validateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if n := utf8.RuneCountInString(key); n < idempotencyKeyMinLen || n > idempotencyKeyMaxLen {
		return validationf("idempotency key must be %d-%d characters, got %d",
			idempotencyKeyMinLen, idempotencyKeyMaxLen, n)
	}
	return nil
}

// runIdempotent executes fn exactly once per (scope, key). On a replay it
// returns the stored result bytes with replayed=true and fn is not called.
// The record is written in the same transaction as fn's side effects, so
// either both persist or neither does.
//
// fn returns the value to store and hand back to the caller; it must be
// JSON-marshalable.
func runIdempotent(tx *gorm.DB, scope, key, playerID, matchID string, fn func() (any, error)) (json.RawMessage, bool, error) {
	if key == "" {
		result, err := fn()
		if err != nil {
			return nil, false, err
		}
		raw, err := json.Marshal(result)
		return raw, false, err
	}

	var existing models.IdempotencyRecord
	err := tx.Where("scope = ? AND key = ?", scope, key).First(&existing).Error
	if err == nil {
		if existing.PlayerID != playerID || existing.MatchID != matchID {
			return nil, false, conflictf("idempotency key already used by another player or match")
		}
		return json.RawMessage(existing.Result), true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	result, err := fn()
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, err
	}

	record := models.IdempotencyRecord{
		ID:       uuid.NewString(),
		Scope:    scope,
		Key:      key,
		PlayerID: playerID,
		MatchID:  matchID,
		Result:   raw,
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, false, err
	}
	return raw, false, nil
}
