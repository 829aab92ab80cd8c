package models

// Role is a match player's secret role.
type Role string

const (
	RoleWolf     Role = "WOLF"
	RoleSeer     Role = "SEER"
	RoleDoctor   Role = "DOCTOR"
	RoleVillager Role = "VILLAGER"
)

// IsWolf reports whether the role counts for the wolf team.
func (r Role) IsWolf() bool { return r == RoleWolf }

// MatchQuorum is the number of queued players required to form a match.
const MatchQuorum = 8

// RoleDistribution returns the role for each seat index before shuffling
// seat assignment order. The slice always has length n; seats beyond the
// special roles are villagers.
func RoleDistribution(n int) []Role {
	roles := make([]Role, 0, n)
	wolves := n / 4 // 8 players -> 2 wolves
	if wolves < 1 {
		wolves = 1
	}
	for i := 0; i < wolves; i++ {
		roles = append(roles, RoleWolf)
	}
	if len(roles) < n {
		roles = append(roles, RoleSeer)
	}
	if len(roles) < n {
		roles = append(roles, RoleDoctor)
	}
	for len(roles) < n {
		roles = append(roles, RoleVillager)
	}
	return roles
}
