package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"town-match-service/models"
	"town-match-service/utils"
)

// MatchArchiver uploads finished matches' event logs to R2 so the town
// history survives database retention. Runs on a ticker; a failed upload
// is retried on the next pass because archived_at stays null.
type MatchArchiver struct {
	DB *gorm.DB
}

func NewMatchArchiver(db *gorm.DB) *MatchArchiver {
	return &MatchArchiver{DB: db}
}

type archivedMatch struct {
	Match  models.Match        `json:"match"`
	Events []models.MatchEvent `json:"events"`
}

// Poll scans for unarchived ended matches on each tick.
func (a *MatchArchiver) Poll(ctx context.Context, interval time.Duration) {
	log.Println("Starting match archiver...")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Match archiver stopped.")
			return
		case <-ticker.C:
			var matches []models.Match
			err := a.DB.Where("phase = ? AND archived_at IS NULL", string(models.PhaseEnded)).
				Limit(20).
				Find(&matches).Error
			if err != nil {
				log.Printf("❌ [Archiver] DB error: %v", err)
				continue
			}

			for _, m := range matches {
				if err := a.archiveOne(ctx, m); err != nil {
					log.Printf("❌ [Archiver] Failed to archive match %s: %v", m.ID, err)
					continue
				}
				log.Printf("✅ [Archiver] Archived match %s", m.ID)
			}
		}
	}
}

func (a *MatchArchiver) archiveOne(ctx context.Context, m models.Match) error {
	var events []models.MatchEvent
	if err := a.DB.Where("match_id = ?", m.ID).Order("seq ASC").Find(&events).Error; err != nil {
		return err
	}

	payload, err := json.Marshal(archivedMatch{Match: m, Events: events})
	if err != nil {
		return err
	}

	key := fmt.Sprintf("matches/%s/%s.json", m.StartedAt.UTC().Format("2006/01/02"), m.ID)
	if err := utils.UploadBytesToR2(ctx, key, "application/json", payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	return a.DB.Model(&models.Match{}).Where("id = ?", m.ID).Update("archived_at", &now).Error
}
