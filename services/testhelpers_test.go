package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"town-match-service/models"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.QueueEntry{},
		&models.Match{},
		&models.MatchPlayer{},
		&models.Building{},
		&models.MatchEvent{},
		&models.IdempotencyRecord{},
		&models.WorldMap{},
		&models.PlayerProfile{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeClock is a manually advanced clock shared by the engine and tests.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

// fakeScheduler records scheduled jobs instead of running them; tests fire
// them explicitly to simulate timer delivery (including duplicates).
type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

type scheduledJob struct {
	Delay time.Duration
	Name  string
	Run   func()
}

func (s *fakeScheduler) RunAfter(delay time.Duration, name string, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{Delay: delay, Name: name, Run: job})
}

// drain returns and clears the pending jobs.
func (s *fakeScheduler) drain() []scheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobs
	s.jobs = nil
	return jobs
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func testConfig() MatchConfig {
	return MatchConfig{
		RoundDuration:        time.Second,
		RoundBuffer:          100 * time.Millisecond,
		RoundResponseTimeout: 500 * time.Millisecond,
	}
}

// testEnv wires a full service stack over one in-memory DB.
type testEnv struct {
	DB        *gorm.DB
	Clock     *fakeClock
	Scheduler *fakeScheduler
	Engine    *PhaseEngine
	Queue     *QueueService
	Actions   *ActionService
	Matches   *MatchService
	App       *fiber.App
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	sched := &fakeScheduler{}

	engine := NewPhaseEngine(db, sched, testConfig())
	engine.Now = clock.Now

	env := &testEnv{
		DB:        db,
		Clock:     clock,
		Scheduler: sched,
		Engine:    engine,
		Queue:     NewQueueService(db, engine, NewPlacementService(db)),
		Actions:   NewActionService(db, engine),
		Matches:   NewMatchService(db),
	}
	env.seedWorld(t, "town", 10, 10)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		playerID := c.Get("X-Player-ID")
		if playerID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-Player-ID"})
		}
		c.Locals("player_id", playerID)
		return c.Next()
	})
	app.Post("/queue/join", env.Queue.JoinQueue)
	app.Post("/queue/leave", env.Queue.LeaveQueue)
	app.Get("/queue/status", env.Queue.QueueStatus)
	app.Get("/matches", env.Matches.List)
	app.Get("/matches/:id", env.Matches.GetState)
	app.Get("/matches/:id/events", env.Matches.GetEvents)
	app.Get("/matches/:id/building", env.Matches.GetBuilding)
	app.Get("/worlds/:id/buildings", env.Matches.BuildingsInWorld)
	app.Post("/matches/:id/ready", env.Actions.Ready)
	app.Post("/matches/:id/say", env.Actions.SayPublic)
	app.Post("/matches/:id/vote", env.Actions.Vote)
	app.Post("/matches/:id/wolf-kill", env.Actions.WolfKill)
	app.Post("/matches/:id/seer-inspect", env.Actions.SeerInspect)
	app.Post("/matches/:id/doctor-protect", env.Actions.DoctorProtect)
	app.Post("/matches/:id/wolf-chat", env.Actions.WolfChat)
	env.App = app

	return env
}

func (env *testEnv) seedWorld(t *testing.T, id string, width, height int) {
	t.Helper()
	layer := make([][]int, height)
	for y := range layer {
		layer[y] = make([]int, width)
	}
	raw, err := json.Marshal([][][]int{layer})
	if err != nil {
		t.Fatalf("marshal world layers: %v", err)
	}
	world := models.WorldMap{ID: id, Name: id, Width: width, Height: height, ObjectLayers: datatypes.JSON(raw)}
	if err := env.DB.Create(&world).Error; err != nil {
		t.Fatalf("seed world: %v", err)
	}
}

// do issues a request against the test app and decodes the JSON response.
func (env *testEnv) do(t *testing.T, method, path, playerID string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Player-ID", playerID)

	resp, err := env.App.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: bad response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, decoded
}

// formMatch pushes eight players through the queue with strictly
// increasing join times and returns the created match.
func (env *testEnv) formMatch(t *testing.T) *models.Match {
	t.Helper()
	for i := 1; i <= models.MatchQuorum; i++ {
		playerID := fmt.Sprintf("p%d", i)
		status, _ := env.do(t, http.MethodPost, "/queue/join", playerID, map[string]any{
			"preferred_display_name": fmt.Sprintf("Player %d", i),
		})
		if status != http.StatusOK {
			t.Fatalf("join %s: status %d", playerID, status)
		}
		env.Clock.Advance(time.Millisecond)
	}
	var match models.Match
	if err := env.DB.First(&match).Error; err != nil {
		t.Fatalf("expected a match to be formed: %v", err)
	}
	return &match
}

// playersByRole indexes a match's players by role.
func (env *testEnv) playersByRole(t *testing.T, matchID string) map[models.Role][]models.MatchPlayer {
	t.Helper()
	var rows []models.MatchPlayer
	if err := env.DB.Where("match_id = ?", matchID).Order("seat ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load players: %v", err)
	}
	byRole := map[models.Role][]models.MatchPlayer{}
	for _, p := range rows {
		byRole[models.Role(p.Role)] = append(byRole[models.Role(p.Role)], p)
	}
	return byRole
}

// reloadMatch fetches the current match row.
func (env *testEnv) reloadMatch(t *testing.T, matchID string) *models.Match {
	t.Helper()
	var match models.Match
	if err := env.DB.First(&match, "id = ?", matchID).Error; err != nil {
		t.Fatalf("reload match: %v", err)
	}
	return &match
}

// advance fires the engine's fenced transition using the match's current
// fencing pair, simulating the scheduled callback.
func (env *testEnv) advance(t *testing.T, matchID string) {
	t.Helper()
	m := env.reloadMatch(t, matchID)
	phase, err := models.ParsePhase(m.Phase)
	if err != nil {
		t.Fatalf("parse phase: %v", err)
	}
	env.Clock.Advance(m.PhaseEndsAt.Sub(env.Clock.Now()) + time.Millisecond)
	if err := env.Engine.AdvancePhase(matchID, phase, m.PhaseEndsAt); err != nil {
		t.Fatalf("advance phase: %v", err)
	}
}
