package services

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"town-match-service/models"
)

// MatchService is the read side: state projections, the event feed, and
// building lookups. Secret information (roles, night actions, seer
// history) is only ever projected to its owner.
type MatchService struct {
	DB *gorm.DB
}

func NewMatchService(db *gorm.DB) *MatchService {
	return &MatchService{DB: db}
}

type playerView struct {
	PlayerID     string `json:"player_id"`
	DisplayName  string `json:"display_name"`
	Seat         int    `json:"seat"`
	Alive        bool   `json:"alive"`
	Ready        bool   `json:"ready"`
	RevealedRole string `json:"revealed_role,omitempty"`
}

type selfView struct {
	Role                        string                  `json:"role"`
	WolfKillTargetPlayerID      string                  `json:"wolf_kill_target_player_id,omitempty"`
	SeerInspectTargetPlayerID   string                  `json:"seer_inspect_target_player_id,omitempty"`
	DoctorProtectTargetPlayerID string                  `json:"doctor_protect_target_player_id,omitempty"`
	VoteTargetPlayerID          string                  `json:"vote_target_player_id,omitempty"`
	SeerHistory                 []models.SeerInspection `json:"seer_history,omitempty"`
}

// GetState handles GET /matches/:id.
func (ms *MatchService) GetState(c *fiber.Ctx) error {
	playerID := c.Locals("player_id").(string)
	matchID := c.Params("id")

	var match models.Match
	if err := ms.DB.First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, notFoundf("match %s not found", matchID))
		}
		return respondError(c, err)
	}
	var players []models.MatchPlayer
	if err := ms.DB.Where("match_id = ?", matchID).Order("seat ASC").Find(&players).Error; err != nil {
		return respondError(c, err)
	}

	views := make([]playerView, len(players))
	var self *selfView
	for i, p := range players {
		views[i] = playerView{
			PlayerID:     p.PlayerID,
			DisplayName:  p.DisplayName,
			Seat:         p.Seat,
			Alive:        p.Alive,
			Ready:        p.Ready,
			RevealedRole: p.RevealedRole,
		}
		if p.PlayerID == playerID {
			self = &selfView{
				Role:                        p.Role,
				WolfKillTargetPlayerID:      p.WolfKillTargetPlayerID,
				SeerInspectTargetPlayerID:   p.SeerInspectTargetPlayerID,
				DoctorProtectTargetPlayerID: p.DoctorProtectTargetPlayerID,
				VoteTargetPlayerID:          p.VoteTargetPlayerID,
			}
			if len(p.SeerHistory) > 0 {
				_ = json.Unmarshal(p.SeerHistory, &self.SeerHistory)
			}
		}
	}

	response := fiber.Map{
		"match":   match,
		"players": views,
		"self":    self,
	}

	if c.QueryBool("include_recent_public_messages") {
		var events []models.MatchEvent
		if err := ms.DB.Where("match_id = ? AND type = ? AND visibility = ?",
			matchID, models.EventPublicMessage, models.VisibilityPublic).
			Order("seq DESC").Limit(20).Find(&events).Error; err != nil {
			return respondError(c, err)
		}
		// reverse into chronological order
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
		response["recent_public_messages"] = events
	}

	return c.JSON(response)
}

// GetEvents handles GET /matches/:id/events. The feed is filtered to what
// the caller may see: public always, wolves-scoped for wolf-team members,
// player-scoped only for the addressee.
func (ms *MatchService) GetEvents(c *fiber.Ctx) error {
	playerID := c.Locals("player_id").(string)
	matchID := c.Params("id")

	var match models.Match
	if err := ms.DB.First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, notFoundf("match %s not found", matchID))
		}
		return respondError(c, err)
	}

	afterSeq, _ := strconv.ParseInt(c.Query("after_seq", "0"), 10, 64)
	limit := c.QueryInt("limit", 200)
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	isWolf := false
	var viewer models.MatchPlayer
	if err := ms.DB.Where("match_id = ? AND player_id = ?", matchID, playerID).First(&viewer).Error; err == nil {
		isWolf = models.Role(viewer.Role).IsWolf()
	}

	query := ms.DB.Where("match_id = ? AND seq > ?", matchID, afterSeq)
	if isWolf {
		query = query.Where("visibility IN ? OR (visibility = ? AND visibility_player_id = ?)",
			[]string{models.VisibilityPublic, models.VisibilityWolves}, models.VisibilityPlayer, playerID)
	} else {
		query = query.Where("visibility = ? OR (visibility = ? AND visibility_player_id = ?)",
			models.VisibilityPublic, models.VisibilityPlayer, playerID)
	}

	var events []models.MatchEvent
	if err := query.Order("seq ASC").Limit(limit).Find(&events).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"match_id": matchID, "events": events, "count": len(events)})
}

// List handles GET /matches with optional world_id and phase filters.
func (ms *MatchService) List(c *fiber.Ctx) error {
	query := ms.DB.Model(&models.Match{}).Order("started_at DESC").Limit(100)
	if worldID := c.Query("world_id"); worldID != "" {
		query = query.Where("world_id = ?", worldID)
	}
	if phase := c.Query("phase"); phase != "" {
		if _, err := models.ParsePhase(phase); err != nil {
			return respondError(c, validationf("unknown phase %q", phase))
		}
		query = query.Where("phase = ?", phase)
	}
	var matches []models.Match
	if err := query.Find(&matches).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"matches": matches, "count": len(matches)})
}

// GetBuilding handles GET /matches/:id/building.
func (ms *MatchService) GetBuilding(c *fiber.Ctx) error {
	matchID := c.Params("id")
	var building models.Building
	if err := ms.DB.Where("match_id = ?", matchID).First(&building).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, notFoundf("no building for match %s", matchID))
		}
		return respondError(c, err)
	}
	return c.JSON(building)
}

// BuildingsInWorld handles GET /worlds/:id/buildings.
func (ms *MatchService) BuildingsInWorld(c *fiber.Ctx) error {
	worldID := c.Params("id")
	var buildings []models.Building
	if err := ms.DB.Where("world_id = ?", worldID).Order("created_at ASC").Find(&buildings).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"world_id": worldID, "buildings": buildings, "count": len(buildings)})
}
