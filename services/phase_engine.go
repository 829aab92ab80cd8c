package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"town-match-service/models"
)

// PhaseEngine drives the match state machine. Every transition — timer
// expiry, early advance, sweeper catch-up — funnels through the same fenced
// path, so at-least-once delivery of delayed callbacks can never double a
// transition.
type PhaseEngine struct {
	DB        *gorm.DB
	Scheduler Scheduler
	Config    MatchConfig
	Now       func() time.Time
}

func NewPhaseEngine(db *gorm.DB, scheduler Scheduler, cfg MatchConfig) *PhaseEngine {
	return &PhaseEngine{DB: db, Scheduler: scheduler, Config: cfg, Now: time.Now}
}

// SchedulePhaseAdvance registers the delayed advancement callback for a
// match's current phase. The captured (phase, phaseEndsAt) pair is the
// fencing token: if the match has moved on by the time the job fires, the
// job re-reads, sees the mismatch and does nothing.
func (e *PhaseEngine) SchedulePhaseAdvance(m *models.Match) {
	phase, err := models.ParsePhase(m.Phase)
	if err != nil || phase.Terminal() {
		return
	}
	matchID := m.ID
	endsAt := m.PhaseEndsAt
	delay := endsAt.Sub(e.Now()) + e.Config.RoundBuffer
	name := fmt.Sprintf("advance-%s-%s", matchID, phase)
	e.Scheduler.RunAfter(delay, name, func() {
		if err := e.AdvancePhase(matchID, phase, endsAt); err != nil {
			log.Printf("[PhaseEngine] advance %s failed: %v", matchID, err)
		}
	})
}

// RecoverLiveMatches re-registers advancement timers for every running
// match after a restart. Deadlines already in the past run as soon as the
// scheduler picks them up; the fencing check makes duplicates harmless.
func (e *PhaseEngine) RecoverLiveMatches() error {
	var matches []models.Match
	if err := e.DB.Where("phase <> ?", string(models.PhaseEnded)).Find(&matches).Error; err != nil {
		return fmt.Errorf("list live matches: %w", err)
	}
	if len(matches) == 0 {
		return nil
	}
	log.Printf("Recovering %d live match(es) after restart", len(matches))
	for i := range matches {
		e.SchedulePhaseAdvance(&matches[i])
	}
	return nil
}

// AdvancePhase is the scheduled-callback entry point. A stale fencing pair
// is an expected race (early advance or a duplicate firing won), not an
// error: the call returns nil without touching anything.
func (e *PhaseEngine) AdvancePhase(matchID string, expectedPhase models.Phase, expectedPhaseEndsAt time.Time) error {
	var next *models.Match
	err := e.DB.Transaction(func(tx *gorm.DB) error {
		match, players, err := loadMatchForUpdate(tx, matchID)
		if err != nil {
			if errors.As(err, new(*NotFoundError)) {
				return nil // match gone; nothing to drive
			}
			return err
		}
		if match.Phase != string(expectedPhase) ||
			match.PhaseEndsAt.UnixMilli() != expectedPhaseEndsAt.UnixMilli() {
			return nil // fenced out: the match already transitioned
		}
		if err := e.advanceLocked(tx, match, players); err != nil {
			return err
		}
		next = match
		return nil
	})
	if err != nil {
		return err
	}
	if next != nil {
		e.SchedulePhaseAdvance(next)
	}
	return nil
}

// maybeAdvanceEarly advances the match inside the caller's transaction if
// the current phase's completion predicate holds. It returns true when a
// transition happened; the caller must SchedulePhaseAdvance after commit.
// Any still-pending timer callback for the old phase becomes a no-op via
// the fencing check.
func (e *PhaseEngine) maybeAdvanceEarly(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer) (bool, error) {
	phase, err := models.ParsePhase(match.Phase)
	if err != nil {
		return false, invariantf("match %s carries unknown phase %q", match.ID, match.Phase)
	}
	if !phaseComplete(phase, match, players) {
		return false, nil
	}
	if err := e.advanceLocked(tx, match, players); err != nil {
		return false, err
	}
	return true, nil
}

// phaseComplete is the per-phase early-advance predicate.
func phaseComplete(phase models.Phase, match *models.Match, players []*models.MatchPlayer) bool {
	switch phase {
	case models.PhaseNight:
		for _, p := range players {
			if !p.Alive {
				continue
			}
			switch models.Role(p.Role) {
			case models.RoleWolf:
				if p.WolfKillTargetPlayerID == "" {
					return false
				}
			case models.RoleSeer:
				if p.SeerInspectTargetPlayerID == "" {
					return false
				}
			case models.RoleDoctor:
				if p.DoctorProtectTargetPlayerID == "" {
					return false
				}
			}
		}
		return true
	case models.PhaseDayVote:
		for _, p := range players {
			if p.Alive && p.VoteTargetPlayerID == "" {
				return false
			}
		}
		return true
	}
	// DAY_OPENING and DAY_DISCUSSION run out their timers.
	return false
}

// advanceLocked performs one or more transition steps: the first step out
// of the current phase, then any zero-round phases until the match settles
// in a timed phase or ends. Match and players are persisted as one snapshot
// at the end.
func (e *PhaseEngine) advanceLocked(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer) error {
	now := e.Now()
	for {
		phase, err := models.ParsePhase(match.Phase)
		if err != nil {
			return invariantf("match %s carries unknown phase %q", match.ID, match.Phase)
		}
		if phase.Terminal() {
			break
		}
		if err := e.step(tx, match, players, phase, now); err != nil {
			return err
		}
		newPhase := models.Phase(match.Phase)
		match.PhaseStartedAt = now
		match.PhaseEndsAt = e.Config.PhaseDeadline(now, models.RoundCount(newPhase))
		if err := appendEvent(tx, match.ID, now, models.EventPhaseChanged, models.VisibilityPublic, "", map[string]any{
			"phase":        match.Phase,
			"day_number":   match.DayNumber,
			"night_number": match.NightNumber,
			"ends_at":      match.PhaseEndsAt,
		}); err != nil {
			return err
		}
		if newPhase.Terminal() || models.RoundCount(newPhase) > 0 {
			break
		}
	}
	return saveSnapshot(tx, match, players)
}

// step applies a single transition out of the given phase, mutating match
// and players in place.
func (e *PhaseEngine) step(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, phase models.Phase, now time.Time) error {
	switch phase {
	case models.PhaseNight:
		if err := e.resolveNight(tx, match, players, now); err != nil {
			return err
		}
		if e.checkWin(match, players) {
			return e.endMatch(tx, match, now)
		}
		match.DayNumber++
		match.Phase = string(models.PhaseDayAnnounce)
	case models.PhaseDayAnnounce:
		match.Phase = string(models.PhaseDayOpening)
	case models.PhaseDayOpening:
		match.Phase = string(models.PhaseDayDiscussion)
	case models.PhaseDayDiscussion:
		match.Phase = string(models.PhaseDayVote)
	case models.PhaseDayVote:
		match.Phase = string(models.PhaseDayResolution)
	case models.PhaseDayResolution:
		if err := e.resolveDayVote(tx, match, players, now); err != nil {
			return err
		}
		if e.checkWin(match, players) {
			return e.endMatch(tx, match, now)
		}
		startNight(match, players)
	case models.PhaseLobby:
		// Matches are created directly in NIGHT; a LOBBY row is stale data.
		return invariantf("match %s is stuck in LOBBY", match.ID)
	}
	return nil
}

// resolveNight applies the stored night actions: the wolves' kill choice
// against the doctor's protection, then the seer's inspection. Outcomes are
// narrated as the DAY_ANNOUNCE content.
func (e *PhaseEngine) resolveNight(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, now time.Time) error {
	byID := playerIndex(players)

	killTargetID := wolfKillChoice(players)
	protectedID := ""
	for _, p := range players {
		if p.Alive && models.Role(p.Role) == models.RoleDoctor && p.DoctorProtectTargetPlayerID != "" {
			protectedID = p.DoctorProtectTargetPlayerID
			p.DoctorLastProtectedPlayerID = p.DoctorProtectTargetPlayerID
		}
	}

	killed := ""
	killedName := ""
	saved := killTargetID != "" && killTargetID == protectedID
	if killTargetID != "" && !saved {
		if victim, ok := byID[killTargetID]; ok && victim.Alive {
			eliminate(match, victim, now)
			killed = victim.PlayerID
			killedName = victim.DisplayName
		}
	}

	// Seer learns the inspection result as the night resolves.
	for _, p := range players {
		if models.Role(p.Role) != models.RoleSeer || p.SeerInspectTargetPlayerID == "" {
			continue
		}
		target, ok := byID[p.SeerInspectTargetPlayerID]
		if !ok {
			continue
		}
		inspection := models.SeerInspection{
			Night:          match.NightNumber,
			TargetPlayerID: target.PlayerID,
			TargetName:     target.DisplayName,
			IsWolf:         models.Role(target.Role).IsWolf(),
		}
		var history []models.SeerInspection
		if len(p.SeerHistory) > 0 {
			if err := json.Unmarshal(p.SeerHistory, &history); err != nil {
				return invariantf("match %s seer history corrupt: %v", match.ID, err)
			}
		}
		history = append(history, inspection)
		raw, err := json.Marshal(history)
		if err != nil {
			return err
		}
		p.SeerHistory = raw
		if err := appendEvent(tx, match.ID, now, models.EventSeerResult, models.VisibilityPlayer, p.PlayerID, inspection); err != nil {
			return err
		}
	}

	if killed != "" {
		match.PublicSummary = fmt.Sprintf("Night %d: %s was found dead at dawn.", match.NightNumber, killedName)
	} else {
		match.PublicSummary = fmt.Sprintf("Night %d passed without a death.", match.NightNumber)
	}
	return appendEvent(tx, match.ID, now, models.EventNightOutcome, models.VisibilityPublic, "", map[string]any{
		"night":            match.NightNumber,
		"killed_player_id": killed,
		"killed_name":      killedName,
		"saved":            saved,
	})
}

// wolfKillChoice picks the night's victim from the alive wolves' stored
// targets: plurality wins, ties go to the target named by the lowest seat.
func wolfKillChoice(players []*models.MatchPlayer) string {
	votes := map[string]int{}
	firstSeat := map[string]int{}
	sorted := append([]*models.MatchPlayer(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seat < sorted[j].Seat })
	for _, p := range sorted {
		if !p.Alive || !models.Role(p.Role).IsWolf() || p.WolfKillTargetPlayerID == "" {
			continue
		}
		votes[p.WolfKillTargetPlayerID]++
		if _, ok := firstSeat[p.WolfKillTargetPlayerID]; !ok {
			firstSeat[p.WolfKillTargetPlayerID] = p.Seat
		}
	}
	best := ""
	for target, n := range votes {
		if best == "" {
			best = target
			continue
		}
		if n > votes[best] || (n == votes[best] && firstSeat[target] < firstSeat[best]) {
			best = target
		}
	}
	return best
}

// resolveDayVote tallies the DAY_VOTE ballots. Plurality eliminates; any
// tie (including nobody voting) eliminates no one.
func (e *PhaseEngine) resolveDayVote(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer, now time.Time) error {
	byID := playerIndex(players)
	tally := map[string]int{}
	for _, p := range players {
		if p.Alive && p.VoteTargetPlayerID != "" {
			tally[p.VoteTargetPlayerID]++
		}
	}

	eliminatedID := ""
	top, runnerUp := 0, 0
	for target, n := range tally {
		if n > top {
			runnerUp = top
			top = n
			eliminatedID = target
		} else if n > runnerUp {
			runnerUp = n
		}
	}
	tied := top == 0 || top == runnerUp

	eliminatedName := ""
	revealedRole := ""
	if !tied {
		if victim, ok := byID[eliminatedID]; ok && victim.Alive {
			eliminate(match, victim, now)
			eliminatedName = victim.DisplayName
			revealedRole = victim.RevealedRole
		}
	} else {
		eliminatedID = ""
	}

	if eliminatedID != "" {
		match.PublicSummary = fmt.Sprintf("Day %d: the town voted out %s (%s).", match.DayNumber, eliminatedName, revealedRole)
	} else {
		match.PublicSummary = fmt.Sprintf("Day %d: the vote was tied, nobody was eliminated.", match.DayNumber)
	}
	return appendEvent(tx, match.ID, now, models.EventVoteOutcome, models.VisibilityPublic, "", map[string]any{
		"day":                  match.DayNumber,
		"eliminated_player_id": eliminatedID,
		"eliminated_name":      eliminatedName,
		"revealed_role":        revealedRole,
		"tied":                 tied,
	})
}

// startNight rolls the match into the next night and clears all per-night
// and per-day action fields.
func startNight(match *models.Match, players []*models.MatchPlayer) {
	match.NightNumber++
	match.Phase = string(models.PhaseNight)
	for _, p := range players {
		p.WolfKillTargetPlayerID = ""
		p.SeerInspectTargetPlayerID = ""
		p.DoctorProtectTargetPlayerID = ""
		p.VoteTargetPlayerID = ""
	}
}

// checkWin applies the win arithmetic after an elimination pass: villagers
// win with no wolves left, wolves win at parity or better.
func (e *PhaseEngine) checkWin(match *models.Match, players []*models.MatchPlayer) bool {
	wolves, others := 0, 0
	for _, p := range players {
		if !p.Alive {
			continue
		}
		if models.Role(p.Role).IsWolf() {
			wolves++
		} else {
			others++
		}
	}
	if wolves == 0 {
		match.Winner = models.WinnerVillagers
		return true
	}
	if wolves >= others {
		match.Winner = models.WinnerWolves
		return true
	}
	return false
}

func (e *PhaseEngine) endMatch(tx *gorm.DB, match *models.Match, now time.Time) error {
	match.Phase = string(models.PhaseEnded)
	ended := now
	match.EndedAt = &ended
	if match.Winner == models.WinnerWolves {
		match.PublicSummary = "The wolves have taken the town."
	} else {
		match.PublicSummary = "The town is rid of its wolves."
	}
	return appendEvent(tx, match.ID, now, models.EventMatchEnded, models.VisibilityPublic, "", map[string]any{
		"winner":       match.Winner,
		"day_number":   match.DayNumber,
		"night_number": match.NightNumber,
	})
}

func eliminate(match *models.Match, p *models.MatchPlayer, now time.Time) {
	p.Alive = false
	at := now
	p.EliminatedAt = &at
	p.RevealedRole = p.Role
	match.PlayersAlive--
}

func playerIndex(players []*models.MatchPlayer) map[string]*models.MatchPlayer {
	byID := make(map[string]*models.MatchPlayer, len(players))
	for _, p := range players {
		byID[p.PlayerID] = p
	}
	return byID
}

// loadMatchForUpdate reads the full match snapshot with a row lock on the
// match so concurrent commands and timers serialize per match. SQLite (the
// test driver) serializes writers on its own and has no FOR UPDATE.
func loadMatchForUpdate(tx *gorm.DB, matchID string) (*models.Match, []*models.MatchPlayer, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var match models.Match
	if err := q.First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, notFoundf("match %s not found", matchID)
		}
		return nil, nil, err
	}
	var rows []models.MatchPlayer
	if err := tx.Where("match_id = ?", matchID).Order("seat ASC").Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, invariantf("match %s has no players", matchID)
	}
	players := make([]*models.MatchPlayer, len(rows))
	for i := range rows {
		players[i] = &rows[i]
	}
	return &match, players, nil
}

// saveSnapshot writes the match and every player row back as one unit and
// re-verifies the alive counter against the rows.
func saveSnapshot(tx *gorm.DB, match *models.Match, players []*models.MatchPlayer) error {
	alive := 0
	for _, p := range players {
		if p.Alive {
			alive++
		}
	}
	if alive != match.PlayersAlive {
		return invariantf("match %s players_alive=%d but %d alive rows", match.ID, match.PlayersAlive, alive)
	}
	if err := tx.Save(match).Error; err != nil {
		return err
	}
	for _, p := range players {
		if err := tx.Save(p).Error; err != nil {
			return err
		}
	}
	return nil
}
