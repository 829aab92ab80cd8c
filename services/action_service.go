package services

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"town-match-service/models"
)

const messageMaxLen = 500

// ActionService exposes the per-player match commands. Every command is
// idempotent, validated against the live snapshot, and applied together
// with its events in one transaction; a rejected command changes nothing.
type ActionService struct {
	DB     *gorm.DB
	Engine *PhaseEngine
}

func NewActionService(db *gorm.DB, engine *PhaseEngine) *ActionService {
	return &ActionService{DB: db, Engine: engine}
}

type actionRequest struct {
	Text           string `json:"text"`
	TargetPlayerID string `json:"target_player_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// commandFn validates and applies one command against the locked snapshot.
// It returns the command's result payload, which is also what replays of
// the same idempotency key will see.
type commandFn func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error)

// runCommand is the shared command skeleton: idempotency guard, snapshot
// load, actor lookup, the command itself, then an early-advance check
// through the same fenced transition path the timers use.
func (as *ActionService) runCommand(c *fiber.Ctx, scope string, fn commandFn) error {
	playerID := c.Locals("player_id").(string)
	matchID := c.Params("id")

	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return respondError(c, err)
	}

	var advanced *models.Match
	var raw json.RawMessage
	err := as.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		raw, _, txErr = runIdempotent(tx, "match:"+scope, req.IdempotencyKey, playerID, matchID, func() (any, error) {
			match, players, err := loadMatchForUpdate(tx, matchID)
			if err != nil {
				return nil, err
			}
			actor := playerIndex(players)[playerID]
			if actor == nil {
				return nil, statef("player is not part of this match")
			}

			c.Locals("action_request", &req) // available to the command fn
			result, err := fn(tx, match, players, actor, as.Engine.Now())
			if err != nil {
				return nil, err
			}

			didAdvance, err := as.Engine.maybeAdvanceEarly(tx, match, players)
			if err != nil {
				return nil, err
			}
			if didAdvance {
				advanced = match
			} else if err := saveSnapshot(tx, match, players); err != nil {
				return nil, err
			}
			return result, nil
		})
		return txErr
	})
	if err != nil {
		return respondError(c, err)
	}
	if advanced != nil {
		as.Engine.SchedulePhaseAdvance(advanced)
	}
	c.Set("Content-Type", "application/json")
	return c.Send(raw)
}

func (as *ActionService) request(c *fiber.Ctx) *actionRequest {
	return c.Locals("action_request").(*actionRequest)
}

// Ready handles POST /matches/:id/ready — lobby bookkeeping, idempotent
// no-op once set.
func (as *ActionService) Ready(c *fiber.Ctx) error {
	return as.runCommand(c, "ready", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		if match.Phase == string(models.PhaseEnded) {
			return nil, statef("match has ended")
		}
		already := actor.Ready
		actor.Ready = true
		if !already {
			if err := appendEvent(tx, match.ID, now, models.EventPlayerReady, models.VisibilityPublic, "", map[string]any{
				"player_id": actor.PlayerID,
				"seat":      actor.Seat,
			}); err != nil {
				return nil, err
			}
		}
		return fiber.Map{"ready": true, "already_ready": already}, nil
	})
}

// SayPublic handles POST /matches/:id/say. Alive players only, during
// DAY_OPENING (one statement per day) and DAY_DISCUSSION.
func (as *ActionService) SayPublic(c *fiber.Ctx) error {
	return as.runCommand(c, "say", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if err := validateMessage(req.Text); err != nil {
			return nil, err
		}
		if match.Phase != string(models.PhaseDayOpening) && match.Phase != string(models.PhaseDayDiscussion) {
			return nil, statef("public speech is only allowed during the day")
		}
		if !actor.Alive {
			return nil, statef("eliminated players cannot speak")
		}
		if match.Phase == string(models.PhaseDayOpening) {
			if actor.OpeningDoneDay == match.DayNumber {
				return nil, statef("opening statement already given today")
			}
			actor.OpeningDoneDay = match.DayNumber
		}
		at := now
		actor.LastPublicMessageAt = &at
		if err := appendEvent(tx, match.ID, now, models.EventPublicMessage, models.VisibilityPublic, "", map[string]any{
			"player_id": actor.PlayerID,
			"name":      actor.DisplayName,
			"text":      req.Text,
			"phase":     match.Phase,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"said": req.Text, "at": at}, nil
	})
}

// Vote handles POST /matches/:id/vote. Alive voters during DAY_VOTE,
// targeting another alive player; re-voting overwrites.
func (as *ActionService) Vote(c *fiber.Ctx) error {
	return as.runCommand(c, "vote", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if match.Phase != string(models.PhaseDayVote) {
			return nil, statef("voting is only open during DAY_VOTE")
		}
		if !actor.Alive {
			return nil, statef("eliminated players cannot vote")
		}
		target, err := aliveTarget(players, req.TargetPlayerID)
		if err != nil {
			return nil, err
		}
		if target.PlayerID == actor.PlayerID {
			return nil, statef("you cannot vote for yourself")
		}
		actor.VoteTargetPlayerID = target.PlayerID
		if err := appendEvent(tx, match.ID, now, models.EventVoteCast, models.VisibilityPublic, "", map[string]any{
			"voter_player_id":  actor.PlayerID,
			"target_player_id": target.PlayerID,
			"day":              match.DayNumber,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"vote_target_player_id": target.PlayerID}, nil
	})
}

// WolfKill handles POST /matches/:id/wolf-kill. Alive wolves during NIGHT;
// last write per wolf wins.
func (as *ActionService) WolfKill(c *fiber.Ctx) error {
	return as.runCommand(c, "wolf-kill", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if err := requireNightRole(match, actor, models.RoleWolf); err != nil {
			return nil, err
		}
		target, err := aliveTarget(players, req.TargetPlayerID)
		if err != nil {
			return nil, err
		}
		if models.Role(target.Role).IsWolf() {
			return nil, statef("wolves cannot target their own pack")
		}
		actor.WolfKillTargetPlayerID = target.PlayerID
		if err := appendEvent(tx, match.ID, now, models.EventWolfKillChosen, models.VisibilityWolves, "", map[string]any{
			"wolf_player_id":   actor.PlayerID,
			"target_player_id": target.PlayerID,
			"night":            match.NightNumber,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"kill_target_player_id": target.PlayerID}, nil
	})
}

// SeerInspect handles POST /matches/:id/seer-inspect. The result arrives
// as a player-scoped event when the night resolves.
func (as *ActionService) SeerInspect(c *fiber.Ctx) error {
	return as.runCommand(c, "seer-inspect", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if err := requireNightRole(match, actor, models.RoleSeer); err != nil {
			return nil, err
		}
		target, err := aliveTarget(players, req.TargetPlayerID)
		if err != nil {
			return nil, err
		}
		if target.PlayerID == actor.PlayerID {
			return nil, statef("the seer cannot inspect themselves")
		}
		actor.SeerInspectTargetPlayerID = target.PlayerID
		if err := appendEvent(tx, match.ID, now, models.EventSeerInspectChosen, models.VisibilityPlayer, actor.PlayerID, map[string]any{
			"target_player_id": target.PlayerID,
			"night":            match.NightNumber,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"inspect_target_player_id": target.PlayerID}, nil
	})
}

// DoctorProtect handles POST /matches/:id/doctor-protect. Self-protection
// is allowed; protecting the same player two nights running is not.
func (as *ActionService) DoctorProtect(c *fiber.Ctx) error {
	return as.runCommand(c, "doctor-protect", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if err := requireNightRole(match, actor, models.RoleDoctor); err != nil {
			return nil, err
		}
		target, err := aliveTarget(players, req.TargetPlayerID)
		if err != nil {
			return nil, err
		}
		if target.PlayerID == actor.DoctorLastProtectedPlayerID {
			return nil, statef("cannot protect the same player two nights in a row")
		}
		actor.DoctorProtectTargetPlayerID = target.PlayerID
		if err := appendEvent(tx, match.ID, now, models.EventDoctorProtect, models.VisibilityPlayer, actor.PlayerID, map[string]any{
			"target_player_id": target.PlayerID,
			"night":            match.NightNumber,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"protect_target_player_id": target.PlayerID}, nil
	})
}

// WolfChat handles POST /matches/:id/wolf-chat — the wolves' private
// night channel.
func (as *ActionService) WolfChat(c *fiber.Ctx) error {
	return as.runCommand(c, "wolf-chat", func(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, actor *models.MatchPlayer, now time.Time) (any, error) {
		req := as.request(c)
		if err := validateMessage(req.Text); err != nil {
			return nil, err
		}
		if err := requireNightRole(match, actor, models.RoleWolf); err != nil {
			return nil, err
		}
		at := now
		actor.LastWolfChatAt = &at
		if err := appendEvent(tx, match.ID, now, models.EventWolfChat, models.VisibilityWolves, "", map[string]any{
			"player_id": actor.PlayerID,
			"name":      actor.DisplayName,
			"text":      req.Text,
			"night":     match.NightNumber,
		}); err != nil {
			return nil, err
		}
		return fiber.Map{"said": req.Text, "at": at}, nil
	})
}

func validateMessage(text string) error {
	if text == "" {
		return validationf("text is required")
	}
	if n := utf8.RuneCountInString(text); n > messageMaxLen {
		return validationf("text exceeds %d characters", messageMaxLen)
	}
	return nil
}

// requireNightRole is the shared validation ladder for night actions:
// right phase, right role, actor alive.
func requireNightRole(match *models.Match, actor *models.MatchPlayer, role models.Role) error {
	if match.Phase != string(models.PhaseNight) {
		return statef("night actions are only allowed during NIGHT")
	}
	if models.Role(actor.Role) != role {
		return statef("your role cannot perform this action")
	}
	if !actor.Alive {
		return statef("eliminated players cannot act")
	}
	return nil
}

// aliveTarget resolves a target player id and checks they are alive.
func aliveTarget(players []*models.MatchPlayer, targetID string) (*models.MatchPlayer, error) {
	if targetID == "" {
		return nil, validationf("target_player_id is required")
	}
	target := playerIndex(players)[targetID]
	if target == nil {
		return nil, statef("target is not part of this match")
	}
	if !target.Alive {
		return nil, statef("target is already eliminated")
	}
	return target, nil
}
