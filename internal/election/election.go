// Package election implements the Election Module (spec §4.2): a pure
// selection function plus a thin manager that memoises the last result and
// emits leaderChange only on an actual flip.
package election

import (
	"sort"

	"hacontrold/internal/model"
)

// Result is the outcome of Elect, or the zero value with None=true.
type Result struct {
	None          bool
	LeaderID      int
	LeaderName    string
	IsLocalLeader bool
	OnlineMembers []model.Member
	Quorate       bool
}

// Elect is the pure election function (§4.2, rules 1-5). standbySet names
// are excluded from candidacy regardless of online status.
func Elect(members []model.Member, localNodeID int, standbySet map[string]bool, requireQuorum bool, quorate bool) Result {
	if requireQuorum && !quorate {
		return Result{None: true}
	}

	var online []model.Member
	for _, m := range members {
		if !m.Online {
			continue
		}
		if standbySet[m.Name] {
			continue
		}
		online = append(online, m)
	}
	if len(online) == 0 {
		return Result{None: true}
	}

	sort.Slice(online, func(i, j int) bool { return online[i].NodeID < online[j].NodeID })
	leader := online[0]

	return Result{
		LeaderID:      leader.NodeID,
		LeaderName:    leader.Name,
		IsLocalLeader: leader.NodeID == localNodeID,
		OnlineMembers: online,
		Quorate:       quorate,
	}
}

// LeaderChange is emitted only when IsLocalLeader or LeaderName differs
// from the previously emitted result.
type LeaderChange struct {
	IsLocal    bool
	LeaderName string
}

// Manager wraps Elect with memoisation so callers can subscribe to actual
// changes instead of re-deriving them from every tick's Result.
type Manager struct {
	haveLast bool
	lastIsLocal bool
	lastLeaderName string

	changes chan LeaderChange
}

// NewManager constructs a Manager with a small buffered change channel.
func NewManager() *Manager {
	return &Manager{changes: make(chan LeaderChange, 8)}
}

// Changes returns the leaderChange event channel.
func (m *Manager) Changes() <-chan LeaderChange { return m.changes }

// Evaluate runs Elect and, if the emitted identity differs from the last
// call's, pushes a LeaderChange. It always returns the fresh Result.
func (m *Manager) Evaluate(members []model.Member, localNodeID int, standbySet map[string]bool, requireQuorum bool, quorate bool) Result {
	res := Elect(members, localNodeID, standbySet, requireQuorum, quorate)

	isLocal := !res.None && res.IsLocalLeader
	leaderName := ""
	if !res.None {
		leaderName = res.LeaderName
	}

	if !m.haveLast || isLocal != m.lastIsLocal || leaderName != m.lastLeaderName {
		m.haveLast = true
		m.lastIsLocal = isLocal
		m.lastLeaderName = leaderName
		select {
		case m.changes <- LeaderChange{IsLocal: isLocal, LeaderName: leaderName}:
		default:
		}
	}

	return res
}
