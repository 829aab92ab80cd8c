// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler registers delayed callbacks. Delivery is at-least-once and may
// be late; every job re-validates state (fencing) before mutating anything,
// so duplicate or stale firings are harmless.
type Scheduler interface {
	RunAfter(delay time.Duration, name string, job func())
}

// GocronScheduler runs delayed jobs on a shared gocron scheduler.
type GocronScheduler struct {
	sched gocron.Scheduler
}

func NewGocronScheduler() (*GocronScheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()
	return &GocronScheduler{sched: sched}, nil
}

func (g *GocronScheduler) RunAfter(delay time.Duration, name string, job func()) {
	start := gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	if delay <= 0 {
		// gocron rejects start times in the past; overdue jobs run now.
		start = gocron.OneTimeJobStartImmediately()
	}
	_, err := g.sched.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(job),
		gocron.WithName(name),
	)
	if err != nil {
		log.Printf("[Scheduler] Failed to register job %s: %v", name, err)
	}
}

// Every registers a recurring job; used by the background workers.
func (g *GocronScheduler) Every(interval time.Duration, name string, job func()) {
	_, err := g.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(job),
		gocron.WithName(name),
	)
	if err != nil {
		log.Printf("[Scheduler] Failed to register recurring job %s: %v", name, err)
	}
}

// Shutdown stops the underlying scheduler.
func (g *GocronScheduler) Shutdown() {
	if err := g.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
}
