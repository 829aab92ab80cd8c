package workers

import (
	"log"
	"time"

	"gorm.io/gorm"

	"town-match-service/models"
	"town-match-service/services"
)

// RecurringScheduler is the slice of the scheduler the sweeper needs.
type RecurringScheduler interface {
	Every(interval time.Duration, name string, job func())
}

// StartPhaseSweeper registers a recurring job that re-drives matches whose
// phase deadline has passed without a transition, a one-shot callback lost
// to a crash or restart. Catch-up goes through the same fenced AdvancePhase
// path as the timers, so sweeping a healthy match is a no-op.
func StartPhaseSweeper(db *gorm.DB, engine *services.PhaseEngine, scheduler RecurringScheduler, interval time.Duration) {
	scheduler.Every(interval, "phase-sweeper", func() {
		var matches []models.Match
		cutoff := engine.Now().Add(-engine.Config.RoundBuffer)
		err := db.Where("phase <> ? AND phase_ends_at <= ?", string(models.PhaseEnded), cutoff).
			Limit(100).
			Find(&matches).Error
		if err != nil {
			log.Printf("[Sweeper] DB error: %v", err)
			return
		}

		for _, m := range matches {
			phase, err := models.ParsePhase(m.Phase)
			if err != nil {
				log.Printf("[Sweeper] Match %s has unknown phase %q, skipping", m.ID, m.Phase)
				continue
			}
			if err := engine.AdvancePhase(m.ID, phase, m.PhaseEndsAt); err != nil {
				log.Printf("[Sweeper] Failed to advance overdue match %s: %v", m.ID, err)
			} else {
				log.Printf("[Sweeper] Re-drove overdue match %s (%s)", m.ID, m.Phase)
			}
		}
	})
}
