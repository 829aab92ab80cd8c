package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"

	"town-match-service/models"
)

const displayNameMaxLen = 32

// queueWorlds maps the supported matchmaking queues to the world each
// queue's matches are placed in. Anything else is rejected.
var queueWorlds = map[string]string{
	"default": "town",
}

// QueueService owns the matchmaking queue: join, leave, status, and the
// formation check that turns a full queue into a match.
type QueueService struct {
	DB        *gorm.DB
	Engine    *PhaseEngine
	Placement *PlacementService
}

func NewQueueService(db *gorm.DB, engine *PhaseEngine, placement *PlacementService) *QueueService {
	return &QueueService{DB: db, Engine: engine, Placement: placement}
}

// QueueSummary is the caller's view of a queue.
type QueueSummary struct {
	QueueID  string `json:"queue_id"`
	Size     int    `json:"size"`
	Position *int   `json:"position"` // 1-based, nil when not queued
	Status   string `json:"status"`   // WAITING | STARTING
}

// MatchAssignment points a player at their active match.
type MatchAssignment struct {
	MatchID            string `json:"match_id"`
	BuildingInstanceID string `json:"building_instance_id"`
	Seat               int    `json:"seat"`
}

// QueueJoinResult is the response for join, leave and status calls.
type QueueJoinResult struct {
	Queue           QueueSummary     `json:"queue"`
	MatchAssignment *MatchAssignment `json:"match_assignment"`
	Removed         bool             `json:"removed,omitempty"`
}

type queueJoinRequest struct {
	QueueID              string `json:"queue_id"`
	PreferredDisplayName string `json:"preferred_display_name"`
	IdempotencyKey       string `json:"idempotency_key"`
}

// JoinQueue handles POST /queue/join.
func (qs *QueueService) JoinQueue(c *fiber.Ctx) error {
	playerID := c.Locals("player_id").(string)

	var req queueJoinRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	raw, err := qs.joinQueue(playerID, req.QueueID, req.PreferredDisplayName, req.IdempotencyKey)
	if err != nil {
		return respondError(c, err)
	}
	c.Set("Content-Type", "application/json")
	return c.Send(raw)
}

// joinQueue is the transactional core of the join command.
func (qs *QueueService) joinQueue(playerID, queueID, preferredName, idemKey string) (json.RawMessage, error) {
	queueID = normalizeQueueID(queueID)
	worldID, ok := queueWorlds[queueID]
	if !ok {
		return nil, validationf("unsupported queue %q", queueID)
	}
	if err := validateDisplayName(preferredName); err != nil {
		return nil, err
	}
	if err := validateIdempotencyKey(idemKey); err != nil {
		return nil, err
	}

	var created *models.Match
	var raw json.RawMessage
	err := qs.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		raw, _, txErr = runIdempotent(tx, "queue:join:"+queueID, idemKey, playerID, "", func() (any, error) {
			now := qs.Engine.Now()

			assignment, err := activeAssignment(tx, playerID)
			if err != nil {
				return nil, err
			}

			if assignment == nil {
				var existing models.QueueEntry
				err := tx.Where("queue_id = ? AND player_id = ?", queueID, playerID).First(&existing).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					entry := models.QueueEntry{
						ID:          uuid.NewString(),
						QueueID:     queueID,
						PlayerID:    playerID,
						DisplayName: qs.resolveDisplayName(tx, playerID, preferredName),
						WorldID:     worldID,
						JoinedAt:    now,
					}
					if err := tx.Create(&entry).Error; err != nil {
						return nil, err
					}
				} else if err != nil {
					return nil, err
				}

				match, err := qs.tryFormMatch(tx, queueID, worldID, now)
				if err != nil {
					return nil, err
				}
				if match != nil {
					created = match
					assignment, err = activeAssignment(tx, playerID)
					if err != nil {
						return nil, err
					}
				}
			}

			summary, err := queueSummary(tx, queueID, playerID)
			if err != nil {
				return nil, err
			}
			return QueueJoinResult{Queue: summary, MatchAssignment: assignment}, nil
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		qs.Engine.SchedulePhaseAdvance(created)
	}
	return raw, nil
}

// LeaveQueue handles POST /queue/leave. Removal is idempotent: leaving a
// queue you are not in succeeds with removed=false.
func (qs *QueueService) LeaveQueue(c *fiber.Ctx) error {
	playerID := c.Locals("player_id").(string)

	var req queueJoinRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	queueID := normalizeQueueID(req.QueueID)
	if _, ok := queueWorlds[queueID]; !ok {
		return respondError(c, validationf("unsupported queue %q", queueID))
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return respondError(c, err)
	}

	var raw json.RawMessage
	err := qs.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		raw, _, txErr = runIdempotent(tx, "queue:leave:"+queueID, req.IdempotencyKey, playerID, "", func() (any, error) {
			res := tx.Where("queue_id = ? AND player_id = ?", queueID, playerID).Delete(&models.QueueEntry{})
			if res.Error != nil {
				return nil, res.Error
			}
			summary, err := queueSummary(tx, queueID, playerID)
			if err != nil {
				return nil, err
			}
			return QueueJoinResult{Queue: summary, Removed: res.RowsAffected > 0}, nil
		})
		return txErr
	})
	if err != nil {
		return respondError(c, err)
	}
	c.Set("Content-Type", "application/json")
	return c.Send(raw)
}

// QueueStatus handles GET /queue/status — the read-only projection.
func (qs *QueueService) QueueStatus(c *fiber.Ctx) error {
	playerID := c.Locals("player_id").(string)
	queueID := normalizeQueueID(c.Query("queue_id"))
	if _, ok := queueWorlds[queueID]; !ok {
		return respondError(c, validationf("unsupported queue %q", queueID))
	}

	var result QueueJoinResult
	err := qs.DB.Transaction(func(tx *gorm.DB) error {
		assignment, err := activeAssignment(tx, playerID)
		if err != nil {
			return err
		}
		summary, err := queueSummary(tx, queueID, playerID)
		if err != nil {
			return err
		}
		result = QueueJoinResult{Queue: summary, MatchAssignment: assignment}
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func normalizeQueueID(queueID string) string {
	if queueID == "" {
		return "default"
	}
	return queueID
}

func validateDisplayName(name string) error {
	if name == "" {
		return nil // absent: resolver decides
	}
	if n := utf8.RuneCountInString(name); n > displayNameMaxLen {
		return validationf("display name exceeds %d characters", displayNameMaxLen)
	}
	return nil
}

// resolveDisplayName prefers the explicit argument, then the local profile
// snapshot, then a generated fallback.
func (qs *QueueService) resolveDisplayName(tx *gorm.DB, playerID, preferred string) string {
	if preferred != "" {
		return preferred
	}
	var profile models.PlayerProfile
	if err := tx.Where("player_id = ?", playerID).First(&profile).Error; err == nil && profile.DisplayName != "" {
		return profile.DisplayName
	}
	short := playerID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Villager-" + short
}

// activeAssignment finds the player's seat in a non-ended match, if any.
func activeAssignment(tx *gorm.DB, playerID string) (*MatchAssignment, error) {
	var row struct {
		MatchID            string
		BuildingInstanceID string
		Seat               int
	}
	err := tx.Model(&models.MatchPlayer{}).
		Select("match_players.match_id, matches.building_instance_id, match_players.seat").
		Joins("JOIN matches ON matches.id = match_players.match_id").
		Where("match_players.player_id = ? AND matches.phase <> ?", playerID, string(models.PhaseEnded)).
		Order("matches.started_at DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.MatchID == "" {
		return nil, nil
	}
	return &MatchAssignment{MatchID: row.MatchID, BuildingInstanceID: row.BuildingInstanceID, Seat: row.Seat}, nil
}

// queueSummary projects the queue for one caller. Position is 1-based in
// formation order.
func queueSummary(tx *gorm.DB, queueID, playerID string) (QueueSummary, error) {
	entries, err := loadSortedEntries(tx, queueID)
	if err != nil {
		return QueueSummary{}, err
	}
	summary := QueueSummary{QueueID: queueID, Size: len(entries), Status: "WAITING"}
	if len(entries) >= models.MatchQuorum {
		summary.Status = "STARTING"
	}
	for i, e := range entries {
		if e.PlayerID == playerID {
			pos := i + 1
			summary.Position = &pos
			break
		}
	}
	return summary, nil
}

// loadSortedEntries returns the queue in formation order: joined_at, then
// player_id. The player_id tie-break makes formation deterministic when
// timestamps collide.
func loadSortedEntries(tx *gorm.DB, queueID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := tx.Where("queue_id = ?", queueID).Find(&entries).Error; err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	return entries, nil
}

// tryFormMatch creates a match from the oldest quorum of entries, or does
// nothing if the queue is still short.
func (qs *QueueService) tryFormMatch(tx *gorm.DB, queueID, worldID string, now time.Time) (*models.Match, error) {
	entries, err := loadSortedEntries(tx, queueID)
	if err != nil {
		return nil, err
	}
	if len(entries) < models.MatchQuorum {
		return nil, nil
	}
	return qs.createMatch(tx, queueID, worldID, entries[:models.MatchQuorum], now)
}

// createMatch persists the whole starting snapshot atomically: match row,
// one player per seat, the building, removal of the consumed queue entries
// and the MatchCreated event. The caller schedules the first phase timer
// after the surrounding transaction commits.
func (qs *QueueService) createMatch(tx *gorm.DB, queueID, worldID string, entries []models.QueueEntry, now time.Time) (*models.Match, error) {
	playerIDs := make([]string, len(entries))
	for i, e := range entries {
		playerIDs[i] = e.PlayerID
	}

	site, err := qs.Placement.SelectSite(tx, worldID, queueID, now, playerIDs)
	if err != nil {
		return nil, err
	}

	matchID := uuid.NewString()
	buildingID := uuid.NewString()
	label := fmt.Sprintf("Moot Hall %s", matchID[:8])
	building := models.Building{
		ID:        buildingID,
		MatchID:   matchID,
		WorldID:   worldID,
		X:         site.X,
		Y:         site.Y,
		Label:     label,
		ObjectKey: slug.Make(label),
	}
	if err := tx.Create(&building).Error; err != nil {
		return nil, err
	}

	cfg := qs.Engine.Config
	match := models.Match{
		ID:                 matchID,
		WorldID:            worldID,
		QueueID:            queueID,
		BuildingInstanceID: buildingID,
		Phase:              string(models.PhaseNight),
		DayNumber:          0,
		NightNumber:        1,
		PhaseStartedAt:     now,
		PhaseEndsAt:        cfg.PhaseDeadline(now, models.RoundCount(models.PhaseNight)),
		StartedAt:          now,
		PublicSummary:      "Night falls over the town.",
		PlayersAlive:       len(entries),
	}
	if err := tx.Create(&match).Error; err != nil {
		return nil, err
	}

	roles := shuffledRoles(len(entries), placementSeed(queueID, now, playerIDs))
	seatNames := make([]string, len(entries))
	for seat, entry := range entries {
		player := models.MatchPlayer{
			ID:          uuid.NewString(),
			MatchID:     matchID,
			PlayerID:    entry.PlayerID,
			DisplayName: entry.DisplayName,
			Seat:        seat,
			Role:        string(roles[seat]),
			Alive:       true,
		}
		if err := tx.Create(&player).Error; err != nil {
			return nil, err
		}
		seatNames[seat] = entry.DisplayName
	}

	entryIDs := make([]string, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if err := tx.Where("id IN ?", entryIDs).Delete(&models.QueueEntry{}).Error; err != nil {
		return nil, err
	}

	if err := appendEvent(tx, matchID, now, models.EventMatchCreated, models.VisibilityPublic, "", map[string]any{
		"queue_id":     queueID,
		"world_id":     worldID,
		"building_id":  buildingID,
		"player_count": len(entries),
		"seats":        seatNames,
	}); err != nil {
		return nil, err
	}

	log.Printf("🐺 Match %s formed from queue %s with %d players", matchID, queueID, len(entries))
	return &match, nil
}

// shuffledRoles deals the role distribution across seats with a
// deterministic shuffle derived from the formation seed.
func shuffledRoles(n int, seed string) []models.Role {
	roles := models.RoleDistribution(n)
	rng := rand.New(rand.NewSource(int64(seedIndex(seed, 1<<31-1))))
	rng.Shuffle(len(roles), func(i, j int) {
		roles[i], roles[j] = roles[j], roles[i]
	})
	return roles
}
