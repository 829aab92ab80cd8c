package services

import (
	"encoding/json"
	"testing"
	"time"

	"gorm.io/gorm"

	"town-match-service/models"
)

func (env *testEnv) setNightTarget(t *testing.T, matchID, playerID, column, target string) {
	t.Helper()
	res := env.DB.Model(&models.MatchPlayer{}).
		Where("match_id = ? AND player_id = ?", matchID, playerID).
		Update(column, target)
	if res.Error != nil || res.RowsAffected != 1 {
		t.Fatalf("set %s for %s: err=%v rows=%d", column, playerID, res.Error, res.RowsAffected)
	}
}

// killPlayer marks a player dead directly, keeping the alive counter in sync.
func (env *testEnv) killPlayer(t *testing.T, matchID, playerID string) {
	t.Helper()
	if err := env.DB.Model(&models.MatchPlayer{}).
		Where("match_id = ? AND player_id = ?", matchID, playerID).
		Update("alive", false).Error; err != nil {
		t.Fatalf("kill %s: %v", playerID, err)
	}
	if err := env.DB.Model(&models.Match{}).Where("id = ?", matchID).
		Update("players_alive", gorm.Expr("players_alive - 1")).Error; err != nil {
		t.Fatalf("decrement players_alive: %v", err)
	}
}

func (env *testEnv) eventsOfType(t *testing.T, matchID, eventType string) []models.MatchEvent {
	t.Helper()
	var events []models.MatchEvent
	if err := env.DB.Where("match_id = ? AND type = ?", matchID, eventType).
		Order("seq ASC").Find(&events).Error; err != nil {
		t.Fatalf("load %s events: %v", eventType, err)
	}
	return events
}

func (env *testEnv) countEvents(t *testing.T, matchID string) int64 {
	t.Helper()
	var n int64
	env.DB.Model(&models.MatchEvent{}).Where("match_id = ?", matchID).Count(&n)
	return n
}

func TestAdvancePhaseWithStaleDeadlineIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	before := env.countEvents(t, match.ID)

	err := env.Engine.AdvancePhase(match.ID, models.PhaseNight, match.PhaseEndsAt.Add(time.Second))
	if err != nil {
		t.Fatalf("stale advance returned error: %v", err)
	}

	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseNight) || after.NightNumber != 1 {
		t.Errorf("stale advance changed state: phase=%s night=%d", after.Phase, after.NightNumber)
	}
	if got := env.countEvents(t, match.ID); got != before {
		t.Errorf("stale advance appended events: %d -> %d", before, got)
	}
}

func TestDuplicateTimerFiringIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	oldEndsAt := match.PhaseEndsAt

	env.advance(t, match.ID)
	mid := env.reloadMatch(t, match.ID)
	if mid.Phase != string(models.PhaseDayOpening) {
		t.Fatalf("first advance landed in %s, want DAY_OPENING", mid.Phase)
	}
	events := env.countEvents(t, match.ID)

	// The original NIGHT timer fires again with its captured fencing pair.
	if err := env.Engine.AdvancePhase(match.ID, models.PhaseNight, oldEndsAt); err != nil {
		t.Fatalf("duplicate firing returned error: %v", err)
	}
	after := env.reloadMatch(t, match.ID)
	if after.Phase != mid.Phase || after.DayNumber != mid.DayNumber {
		t.Errorf("duplicate firing changed state: phase=%s day=%d", after.Phase, after.DayNumber)
	}
	if got := env.countEvents(t, match.ID); got != events {
		t.Errorf("duplicate firing appended events: %d -> %d", events, got)
	}
}

func TestQuietNightRollsIntoDay(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)

	env.advance(t, match.ID)

	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseDayOpening) {
		t.Errorf("phase = %s, want DAY_OPENING", after.Phase)
	}
	if after.DayNumber != 1 || after.NightNumber != 1 {
		t.Errorf("day=%d night=%d, want 1/1", after.DayNumber, after.NightNumber)
	}
	if after.PlayersAlive != models.MatchQuorum {
		t.Errorf("players_alive = %d, want %d (nobody acted)", after.PlayersAlive, models.MatchQuorum)
	}
	wantEnds := after.PhaseStartedAt.Add(testConfig().RoundDuration)
	if after.PhaseEndsAt.UnixMilli() != wantEnds.UnixMilli() {
		t.Errorf("phase_ends_at = %v, want one round after %v", after.PhaseEndsAt, after.PhaseStartedAt)
	}

	outcomes := env.eventsOfType(t, match.ID, models.EventNightOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("night_outcome events = %d, want 1", len(outcomes))
	}
	var payload map[string]any
	if err := json.Unmarshal(outcomes[0].Payload, &payload); err != nil {
		t.Fatalf("decode night outcome: %v", err)
	}
	if payload["killed_player_id"] != "" || payload["saved"] != false {
		t.Errorf("quiet night outcome = %v, want no kill", payload)
	}

	// The intermediate DAY_ANNOUNCE and the settled DAY_OPENING both leave a
	// phase_changed marker.
	var visited []string
	for _, e := range env.eventsOfType(t, match.ID, models.EventPhaseChanged) {
		var p struct {
			Phase string `json:"phase"`
		}
		json.Unmarshal(e.Payload, &p)
		visited = append(visited, p.Phase)
	}
	if len(visited) != 2 || visited[0] != string(models.PhaseDayAnnounce) || visited[1] != string(models.PhaseDayOpening) {
		t.Errorf("phase_changed trail = %v, want [DAY_ANNOUNCE DAY_OPENING]", visited)
	}
}

func TestFullCycleReturnsToNight(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)

	steps := []models.Phase{
		models.PhaseDayOpening,
		models.PhaseDayDiscussion,
		models.PhaseDayVote,
		models.PhaseNight,
	}
	for _, want := range steps {
		env.advance(t, match.ID)
		got := env.reloadMatch(t, match.ID)
		if got.Phase != string(want) {
			t.Fatalf("phase = %s, want %s", got.Phase, want)
		}
	}

	after := env.reloadMatch(t, match.ID)
	if after.NightNumber != 2 || after.DayNumber != 1 {
		t.Errorf("night=%d day=%d after full cycle, want 2/1", after.NightNumber, after.DayNumber)
	}

	// Nobody voted, so nobody was eliminated.
	outcomes := env.eventsOfType(t, match.ID, models.EventVoteOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("vote_outcome events = %d, want 1", len(outcomes))
	}
	var payload map[string]any
	json.Unmarshal(outcomes[0].Payload, &payload)
	if payload["tied"] != true || payload["eliminated_player_id"] != "" {
		t.Errorf("empty vote outcome = %v, want tied with no elimination", payload)
	}

	// The event sequence stays gap-free across every transition.
	var events []models.MatchEvent
	env.DB.Where("match_id = ?", match.ID).Order("seq ASC").Find(&events)
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, sequence is not gap-free", i, e.Seq)
		}
	}
}

func TestNightResolution(t *testing.T) {
	t.Run("kill lands and seer learns", func(t *testing.T) {
		env := newTestEnv(t)
		match := env.formMatch(t)
		byRole := env.playersByRole(t, match.ID)
		wolves := byRole[models.RoleWolf]
		seer := byRole[models.RoleSeer][0]
		doctor := byRole[models.RoleDoctor][0]
		victim := byRole[models.RoleVillager][0]
		other := byRole[models.RoleVillager][1]

		for _, w := range wolves {
			env.setNightTarget(t, match.ID, w.PlayerID, "wolf_kill_target_player_id", victim.PlayerID)
		}
		env.setNightTarget(t, match.ID, doctor.PlayerID, "doctor_protect_target_player_id", other.PlayerID)
		env.setNightTarget(t, match.ID, seer.PlayerID, "seer_inspect_target_player_id", wolves[0].PlayerID)

		env.advance(t, match.ID)

		after := env.reloadMatch(t, match.ID)
		if after.PlayersAlive != models.MatchQuorum-1 {
			t.Errorf("players_alive = %d, want %d", after.PlayersAlive, models.MatchQuorum-1)
		}
		var dead models.MatchPlayer
		env.DB.Where("match_id = ? AND player_id = ?", match.ID, victim.PlayerID).First(&dead)
		if dead.Alive || dead.EliminatedAt == nil || dead.RevealedRole != string(models.RoleVillager) {
			t.Errorf("victim row = alive:%v revealed:%q, want dead villager", dead.Alive, dead.RevealedRole)
		}

		var seerRow models.MatchPlayer
		env.DB.Where("match_id = ? AND player_id = ?", match.ID, seer.PlayerID).First(&seerRow)
		var history []models.SeerInspection
		if err := json.Unmarshal(seerRow.SeerHistory, &history); err != nil {
			t.Fatalf("decode seer history: %v", err)
		}
		if len(history) != 1 || !history[0].IsWolf || history[0].Night != 1 {
			t.Errorf("seer history = %+v, want one wolf hit on night 1", history)
		}

		results := env.eventsOfType(t, match.ID, models.EventSeerResult)
		if len(results) != 1 || results[0].Visibility != models.VisibilityPlayer || results[0].VisibilityPlayerID != seer.PlayerID {
			t.Errorf("seer_result event scoping wrong: %+v", results)
		}
	})

	t.Run("doctor save blocks the kill", func(t *testing.T) {
		env := newTestEnv(t)
		match := env.formMatch(t)
		byRole := env.playersByRole(t, match.ID)
		victim := byRole[models.RoleVillager][0]

		for _, w := range byRole[models.RoleWolf] {
			env.setNightTarget(t, match.ID, w.PlayerID, "wolf_kill_target_player_id", victim.PlayerID)
		}
		doctor := byRole[models.RoleDoctor][0]
		env.setNightTarget(t, match.ID, doctor.PlayerID, "doctor_protect_target_player_id", victim.PlayerID)

		env.advance(t, match.ID)

		after := env.reloadMatch(t, match.ID)
		if after.PlayersAlive != models.MatchQuorum {
			t.Errorf("players_alive = %d, want %d (save)", after.PlayersAlive, models.MatchQuorum)
		}
		outcomes := env.eventsOfType(t, match.ID, models.EventNightOutcome)
		var payload map[string]any
		json.Unmarshal(outcomes[0].Payload, &payload)
		if payload["saved"] != true || payload["killed_player_id"] != "" {
			t.Errorf("outcome = %v, want saved with no kill", payload)
		}

		// The no-repeat rule is armed for the next night.
		var doctorRow models.MatchPlayer
		env.DB.Where("match_id = ? AND player_id = ?", match.ID, doctor.PlayerID).First(&doctorRow)
		if doctorRow.DoctorLastProtectedPlayerID != victim.PlayerID {
			t.Errorf("doctor last protected = %q, want %s", doctorRow.DoctorLastProtectedPlayerID, victim.PlayerID)
		}
	})
}

func TestWolfKillChoice(t *testing.T) {
	wolf := func(seat int, target string) *models.MatchPlayer {
		return &models.MatchPlayer{Seat: seat, Role: string(models.RoleWolf), Alive: true, PlayerID: "w", WolfKillTargetPlayerID: target}
	}
	tests := []struct {
		name    string
		players []*models.MatchPlayer
		want    string
	}{
		{"no targets", []*models.MatchPlayer{wolf(0, ""), wolf(1, "")}, ""},
		{"agreement", []*models.MatchPlayer{wolf(0, "a"), wolf(1, "a")}, "a"},
		{"plurality", []*models.MatchPlayer{wolf(0, "a"), wolf(1, "b"), wolf(2, "b")}, "b"},
		{"tie goes to lowest seat", []*models.MatchPlayer{wolf(0, "a"), wolf(1, "b")}, "a"},
		{"dead wolves do not count", []*models.MatchPlayer{
			{Seat: 0, Role: string(models.RoleWolf), Alive: false, WolfKillTargetPlayerID: "a"},
			wolf(1, "b"),
		}, "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := wolfKillChoice(tc.players); got != tc.want {
				t.Errorf("wolfKillChoice = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDayVotePluralityEliminates(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	byRole := env.playersByRole(t, match.ID)
	target := byRole[models.RoleWolf][0]
	decoy := byRole[models.RoleVillager][0]

	// NIGHT -> DAY_OPENING -> DAY_DISCUSSION -> DAY_VOTE
	env.advance(t, match.ID)
	env.advance(t, match.ID)
	env.advance(t, match.ID)

	voters := append(byRole[models.RoleVillager][1:], byRole[models.RoleSeer][0], byRole[models.RoleDoctor][0])
	for _, v := range voters {
		env.setNightTarget(t, match.ID, v.PlayerID, "vote_target_player_id", target.PlayerID)
	}
	env.setNightTarget(t, match.ID, decoy.PlayerID, "vote_target_player_id", byRole[models.RoleWolf][1].PlayerID)

	env.advance(t, match.ID)

	var eliminated models.MatchPlayer
	env.DB.Where("match_id = ? AND player_id = ?", match.ID, target.PlayerID).First(&eliminated)
	if eliminated.Alive || eliminated.RevealedRole != string(models.RoleWolf) {
		t.Errorf("voted-out wolf = alive:%v revealed:%q", eliminated.Alive, eliminated.RevealedRole)
	}

	outcomes := env.eventsOfType(t, match.ID, models.EventVoteOutcome)
	var payload map[string]any
	json.Unmarshal(outcomes[0].Payload, &payload)
	if payload["eliminated_player_id"] != target.PlayerID || payload["revealed_role"] != string(models.RoleWolf) {
		t.Errorf("vote outcome = %v, want %s revealed as wolf", payload, target.PlayerID)
	}

	// One wolf remains among six others, so the match continues into night 2.
	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseNight) || after.NightNumber != 2 {
		t.Errorf("phase=%s night=%d, want NIGHT/2", after.Phase, after.NightNumber)
	}
}

func TestDayVoteTieEliminatesNobody(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	byRole := env.playersByRole(t, match.ID)
	a := byRole[models.RoleVillager][0]
	b := byRole[models.RoleVillager][1]

	env.advance(t, match.ID)
	env.advance(t, match.ID)
	env.advance(t, match.ID)

	env.setNightTarget(t, match.ID, a.PlayerID, "vote_target_player_id", b.PlayerID)
	env.setNightTarget(t, match.ID, b.PlayerID, "vote_target_player_id", a.PlayerID)

	env.advance(t, match.ID)

	after := env.reloadMatch(t, match.ID)
	if after.PlayersAlive != models.MatchQuorum {
		t.Errorf("players_alive = %d after tied vote, want %d", after.PlayersAlive, models.MatchQuorum)
	}
	outcomes := env.eventsOfType(t, match.ID, models.EventVoteOutcome)
	var payload map[string]any
	json.Unmarshal(outcomes[0].Payload, &payload)
	if payload["tied"] != true {
		t.Errorf("outcome = %v, want tied", payload)
	}
}

func TestWolvesWinAtParity(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	byRole := env.playersByRole(t, match.ID)
	villagers := byRole[models.RoleVillager]

	// Down to 2 wolves vs 3 others; the night kill brings parity.
	for _, v := range villagers[:3] {
		env.killPlayer(t, match.ID, v.PlayerID)
	}
	for _, w := range byRole[models.RoleWolf] {
		env.setNightTarget(t, match.ID, w.PlayerID, "wolf_kill_target_player_id", villagers[3].PlayerID)
	}

	env.advance(t, match.ID)

	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseEnded) || after.Winner != models.WinnerWolves {
		t.Fatalf("phase=%s winner=%s, want ENDED/WOLVES", after.Phase, after.Winner)
	}
	if after.EndedAt == nil {
		t.Error("ended_at not stamped")
	}
	ended := env.eventsOfType(t, match.ID, models.EventMatchEnded)
	if len(ended) != 1 {
		t.Errorf("match_ended events = %d, want 1", len(ended))
	}

	// A terminal match never gets another timer.
	env.Scheduler.drain()
	env.Engine.SchedulePhaseAdvance(after)
	if env.Scheduler.pending() != 0 {
		t.Error("scheduled a timer for an ended match")
	}
}

func TestVillagersWinWhenWolvesAreGone(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	byRole := env.playersByRole(t, match.ID)
	wolves := byRole[models.RoleWolf]

	env.killPlayer(t, match.ID, wolves[0].PlayerID)

	env.advance(t, match.ID)
	env.advance(t, match.ID)
	env.advance(t, match.ID)

	for _, group := range [][]models.MatchPlayer{byRole[models.RoleVillager], byRole[models.RoleSeer], byRole[models.RoleDoctor]} {
		for _, p := range group {
			env.setNightTarget(t, match.ID, p.PlayerID, "vote_target_player_id", wolves[1].PlayerID)
		}
	}

	env.advance(t, match.ID)

	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseEnded) || after.Winner != models.WinnerVillagers {
		t.Fatalf("phase=%s winner=%s, want ENDED/VILLAGERS", after.Phase, after.Winner)
	}
}

func TestRecoverLiveMatches(t *testing.T) {
	env := newTestEnv(t)
	match := env.formMatch(t)
	env.Scheduler.drain() // pretend the process restarted

	if err := env.Engine.RecoverLiveMatches(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	jobs := env.Scheduler.drain()
	if len(jobs) != 1 {
		t.Fatalf("recovered jobs = %d, want 1", len(jobs))
	}

	env.Clock.Advance(5 * time.Second)
	jobs[0].Run()

	after := env.reloadMatch(t, match.ID)
	if after.Phase != string(models.PhaseDayOpening) {
		t.Errorf("phase after recovered timer = %s, want DAY_OPENING", after.Phase)
	}
}
